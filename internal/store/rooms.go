package store

import (
	"context"
	"fmt"

	"github.com/musicr/musicr/internal/domain"
)

// GetOrCreateRoom fetches a room by name, creating it on first reference.
// The no-op DO UPDATE keeps RETURNING populated on the conflict path.
func (s *Store) GetOrCreateRoom(ctx context.Context, name string) (*domain.Room, error) {
	query := `
		INSERT INTO rooms (name)
		VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING name, config, created_at`

	room := &domain.Room{}
	err := s.conn(ctx).QueryRow(ctx, query, name).Scan(&room.Name, &room.Config, &room.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create room: %w", err)
	}
	return room, nil
}
