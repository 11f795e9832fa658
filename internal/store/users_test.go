package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := setupMockContext(mock)
	s := New(nil)

	clientID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO users").
		WithArgs(clientID, pgxmock.AnyArg(), "a1b2c3").
		WillReturnRows(pgxmock.NewRows([]string{"id", "handle", "ip_hash", "created_at", "last_seen_at"}).
			AddRow(clientID, "happy-fox-a3b", "a1b2c3", now, now))

	user, err := s.GetOrCreateUser(ctx, clientID, "a1b2c3")
	require.NoError(t, err)
	assert.Equal(t, clientID.String(), user.ID)
	assert.Equal(t, "happy-fox-a3b", user.Handle)
	assert.Equal(t, "a1b2c3", user.IPHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateUserKeepsExistingHandle(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := setupMockContext(mock)
	s := New(nil)

	clientID := uuid.New()
	created := time.Now().UTC().Add(-24 * time.Hour)
	seen := time.Now().UTC()

	// The upsert proposes a fresh handle but the RETURNING clause yields the
	// stored one; the minted value must not leak into the result.
	mock.ExpectQuery("INSERT INTO users").
		WithArgs(clientID, pgxmock.AnyArg(), "a1b2c3").
		WillReturnRows(pgxmock.NewRows([]string{"id", "handle", "ip_hash", "created_at", "last_seen_at"}).
			AddRow(clientID, "quiet-owl-99f", "a1b2c3", created, seen))

	user, err := s.GetOrCreateUser(ctx, clientID, "a1b2c3")
	require.NoError(t, err)
	assert.Equal(t, "quiet-owl-99f", user.Handle)
	assert.Equal(t, created, user.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := setupMockContext(mock)
	s := New(nil)

	userID := uuid.New()
	mock.ExpectExec("UPDATE users SET last_seen_at").
		WithArgs(userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.TouchUser(ctx, userID))
	require.NoError(t, mock.ExpectationsWereMet())
}
