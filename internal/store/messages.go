package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/musicr/musicr/internal/domain"
	"github.com/musicr/musicr/pkg/protocol"
)

const pgForeignKeyViolation = "23503"

// InsertMessageParams carries everything the caller already holds; the store
// assigns the ID and the timestamp so both come from one place.
type InsertMessageParams struct {
	Room             string
	UserID           uuid.UUID
	Handle           string
	Text             string
	SongID           *string
	Song             *domain.SongRef
	Scores           protocol.Scores
	ReplyToMessageID *uuid.UUID
}

// InsertMessage persists a chat message and returns it with the
// server-assigned ID and creation time. A vanished reply target or song
// surfaces as ErrNotFound rather than a raw constraint error.
func (s *Store) InsertMessage(ctx context.Context, params InsertMessageParams) (*domain.Message, error) {
	query := `
		INSERT INTO messages (id, room, user_id, text, song_id, scores, reply_to_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	msg := &domain.Message{
		ID:     uuid.New().String(),
		Room:   params.Room,
		UserID: params.UserID.String(),
		Handle: params.Handle,
		Text:   params.Text,
		SongID: params.SongID,
		Song:   params.Song,
		Scores: params.Scores,
	}
	if params.ReplyToMessageID != nil {
		replyTo := params.ReplyToMessageID.String()
		msg.ReplyToMessageID = &replyTo
	}

	err := s.conn(ctx).QueryRow(ctx, query,
		msg.ID, params.Room, params.UserID, params.Text,
		params.SongID, params.Scores, params.ReplyToMessageID,
	).Scan(&msg.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("insert message: %w: %w", domain.ErrPersistence, err)
	}
	return msg, nil
}

// GetMessage fetches one message with its author handle and song metadata.
func (s *Store) GetMessage(ctx context.Context, messageID uuid.UUID) (*domain.Message, error) {
	query := messageSelect + `
		WHERE m.id = $1`

	rows, err := s.conn(ctx).Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get message: %w", err)
		}
		return nil, domain.ErrNotFound
	}
	msg, err := scanMessage(rows)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages for a room, newest first. A
// non-nil before keys the page strictly earlier than that message, so walking
// backwards never repeats or skips rows even when timestamps collide.
func (s *Store) ListMessages(ctx context.Context, room string, before *uuid.UUID, limit int) ([]*domain.Message, error) {
	query := messageSelect + `
		WHERE m.room = $1
		  AND ($2::uuid IS NULL OR (m.created_at, m.id) < (
			SELECT created_at, id FROM messages WHERE id = $2))
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3`

	rows, err := s.conn(ctx).Query(ctx, query, room, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

const messageSelect = `
		SELECT m.id, m.room, m.user_id, u.handle, m.text, m.song_id,
		       s.title, s.artist, s.year,
		       m.scores, m.reply_to_message_id, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.user_id
		LEFT JOIN songs s ON s.id = m.song_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		msg        domain.Message
		msgID      uuid.UUID
		userID     uuid.UUID
		songTitle  *string
		songArtist *string
		songYear   *int
		replyTo    *uuid.UUID
	)
	err := row.Scan(
		&msgID, &msg.Room, &userID, &msg.Handle, &msg.Text, &msg.SongID,
		&songTitle, &songArtist, &songYear,
		&msg.Scores, &replyTo, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.ID = msgID.String()
	msg.UserID = userID.String()
	if replyTo != nil {
		rt := replyTo.String()
		msg.ReplyToMessageID = &rt
	}
	if msg.SongID != nil && songTitle != nil && songArtist != nil {
		msg.Song = &domain.SongRef{ID: *msg.SongID, Title: *songTitle, Artist: *songArtist}
		if songYear != nil {
			msg.Song.Year = *songYear
		}
	}
	return &msg, nil
}
