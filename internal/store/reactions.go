package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/musicr/musicr/internal/domain"
)

// AddReaction records one (message, user, emoji) reaction. The insert is
// idempotent; the bool reports whether the row is new, which is what decides
// whether anything gets broadcast. A missing message is ErrNotFound.
func (s *Store) AddReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error) {
	query := `
		INSERT INTO reactions (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING`

	tag, err := s.conn(ctx).Exec(ctx, query, messageID, userID, emoji)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return false, domain.ErrNotFound
		}
		return false, fmt.Errorf("add reaction: %w: %w", domain.ErrPersistence, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RemoveReaction deletes one reaction row. The bool reports whether a row
// actually went away; removing an absent reaction is a silent no-op.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error) {
	query := `
		DELETE FROM reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3`

	tag, err := s.conn(ctx).Exec(ctx, query, messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w: %w", domain.ErrPersistence, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AggregateReactions groups reactions for a page of messages into per-emoji
// counts with the reacting handles in arrival order. Returned map keys are
// message IDs in string form.
func (s *Store) AggregateReactions(ctx context.Context, messageIDs []uuid.UUID) (map[string][]domain.ReactionGroup, error) {
	if len(messageIDs) == 0 {
		return map[string][]domain.ReactionGroup{}, nil
	}

	query := `
		SELECT r.message_id, r.emoji, count(*)::int,
		       array_agg(u.handle ORDER BY r.created_at, u.id)
		FROM reactions r
		JOIN users u ON u.id = r.user_id
		WHERE r.message_id = ANY($1)
		GROUP BY r.message_id, r.emoji
		ORDER BY r.message_id, min(r.created_at)`

	rows, err := s.conn(ctx).Query(ctx, query, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("aggregate reactions: %w", err)
	}
	defer rows.Close()

	groups := make(map[string][]domain.ReactionGroup)
	for rows.Next() {
		var (
			msgID uuid.UUID
			group domain.ReactionGroup
		)
		if err := rows.Scan(&msgID, &group.Emoji, &group.Count, &group.Users); err != nil {
			return nil, fmt.Errorf("aggregate reactions: %w", err)
		}
		key := msgID.String()
		groups[key] = append(groups[key], group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate reactions: %w", err)
	}
	return groups, nil
}
