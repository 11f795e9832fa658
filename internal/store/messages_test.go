package store

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musicr/musicr/internal/domain"
	"github.com/musicr/musicr/pkg/protocol"
)

func TestInsertMessage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := setupMockContext(mock)
	s := New(nil)

	userID := uuid.New()
	songID := "song_abc123"
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(pgxmock.AnyArg(), "default", userID, "those boots though",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(now))

	msg, err := s.InsertMessage(ctx, InsertMessageParams{
		Room:   "default",
		UserID: userID,
		Handle: "happy-fox-a3b",
		Text:   "those boots though",
		SongID: &songID,
		Song:   &domain.SongRef{ID: songID, Title: "These Boots Are Made for Walkin'", Artist: "Nancy Sinatra", Year: 1966},
		Scores: protocol.Scores{Mode: "semantic", Fingerprint: "deadbeef"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	_, parseErr := uuid.Parse(msg.ID)
	assert.NoError(t, parseErr, "message ID should be a UUID")
	assert.Equal(t, now, msg.CreatedAt)
	assert.Equal(t, "happy-fox-a3b", msg.Handle)
	require.NotNil(t, msg.Song)
	assert.Equal(t, "Nancy Sinatra", msg.Song.Artist)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMessageUnknownReplyTarget(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := setupMockContext(mock)
	s := New(nil)

	replyTo := uuid.New()
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(pgxmock.AnyArg(), "default", pgxmock.AnyArg(), "hi",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation, ConstraintName: "messages_reply_to_message_id_fkey"})

	_, err = s.InsertMessage(ctx, InsertMessageParams{
		Room:             "default",
		UserID:           uuid.New(),
		Text:             "hi",
		ReplyToMessageID: &replyTo,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMessageInfraErrorIsPersistence(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := setupMockContext(mock)
	s := New(nil)

	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(pgxmock.AnyArg(), "default", pgxmock.AnyArg(), "hi",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	_, err = s.InsertMessage(ctx, InsertMessageParams{
		Room:   "default",
		UserID: uuid.New(),
		Text:   "hi",
	})
	assert.ErrorIs(t, err, domain.ErrPersistence,
		"infrastructure failures classify as persistence errors")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessages(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := setupMockContext(mock)
	s := New(nil)

	newer := uuid.New()
	older := uuid.New()
	userID := uuid.New()
	songID := "song_abc123"
	title := "Ramble On"
	artist := "Led Zeppelin"
	year := 1969
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT m.id, m.room, m.user_id").
		WithArgs("default", pgxmock.AnyArg(), 20).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "room", "user_id", "handle", "text", "song_id",
			"title", "artist", "year", "scores", "reply_to_message_id", "created_at",
		}).
			AddRow(newer, "default", userID, "happy-fox-a3b", "gotta ramble", &songID,
				&title, &artist, &year, protocol.Scores{Mode: "semantic"}, (*uuid.UUID)(nil), now).
			AddRow(older, "default", userID, "happy-fox-a3b", "no match here", (*string)(nil),
				(*string)(nil), (*string)(nil), (*int)(nil), protocol.Scores{Mode: "fallback"}, (*uuid.UUID)(nil), now.Add(-time.Minute)))

	messages, err := s.ListMessages(ctx, "default", nil, 20)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, newer.String(), messages[0].ID)
	require.NotNil(t, messages[0].Song)
	assert.Equal(t, "Ramble On", messages[0].Song.Title)
	assert.Equal(t, 1969, messages[0].Song.Year)

	assert.Equal(t, older.String(), messages[1].ID)
	assert.Nil(t, messages[1].Song, "message without a match carries no song")
	assert.Equal(t, "fallback", messages[1].Scores.Mode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessageNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := setupMockContext(mock)
	s := New(nil)

	missing := uuid.New()
	mock.ExpectQuery("SELECT m.id, m.room, m.user_id").
		WithArgs(missing).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "room", "user_id", "handle", "text", "song_id",
			"title", "artist", "year", "scores", "reply_to_message_id", "created_at",
		}))

	_, err = s.GetMessage(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
