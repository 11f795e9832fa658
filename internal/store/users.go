package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/musicr/musicr/internal/domain"
	"github.com/musicr/musicr/internal/id"
)

// GetOrCreateUser upserts the row for a client-held UUID. The handle is
// minted on first contact and never changes afterwards; repeat visits only
// refresh last_seen_at and the rate-limit salt.
func (s *Store) GetOrCreateUser(ctx context.Context, clientID uuid.UUID, ipHash string) (*domain.User, error) {
	query := `
		INSERT INTO users (id, handle, ip_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			last_seen_at = now(),
			ip_hash = EXCLUDED.ip_hash
		RETURNING id, handle, ip_hash, created_at, last_seen_at`

	var uid uuid.UUID
	user := &domain.User{}
	err := s.conn(ctx).QueryRow(ctx, query, clientID, id.NewHandle(), ipHash).Scan(
		&uid, &user.Handle, &user.IPHash, &user.CreatedAt, &user.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("get or create user: %w", err)
	}
	user.ID = uid.String()
	return user, nil
}

// TouchUser refreshes last_seen_at without changing anything else. The
// gateway calls it when a session ends, so the column brackets the visit:
// created by GetOrCreateUser on connect, touched here on disconnect.
func (s *Store) TouchUser(ctx context.Context, userID uuid.UUID) error {
	query := `UPDATE users SET last_seen_at = now() WHERE id = $1`

	if _, err := s.conn(ctx).Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}
