// Package presence tracks who is in which room across the whole fleet.
// Connection counting stays in the hub; the registry only learns about the
// 0→1 and 1→0 edges, so one user with four tabs is one roster entry.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/musicr/musicr/internal/domain"
)

// DefaultMaintainInterval paces heartbeats and sweeps. Together with the
// heartbeat timeout it bounds how long a crashed instance's users linger in
// rosters.
const DefaultMaintainInterval = 15 * time.Second

type Registry interface {
	// Join adds the user to the room roster and returns the roster after
	// the join plus whether the user was newly added.
	Join(ctx context.Context, room, userID, handle string) ([]domain.PresenceEntry, bool, error)

	// Leave removes the user; the bool reports whether an entry existed.
	Leave(ctx context.Context, room, userID string) (bool, error)

	Roster(ctx context.Context, room string) ([]domain.PresenceEntry, error)

	// Heartbeat refreshes lastSeen for entries this instance owns.
	Heartbeat(ctx context.Context) error

	// Sweep evicts entries whose owning instance has gone silent and
	// returns them so the caller can announce the departures.
	Sweep(ctx context.Context) ([]domain.PresenceEntry, error)
}

// Maintain runs the heartbeat/sweep cycle until ctx is done. Evicted entries
// are handed to onEvict so the chat layer can publish synthetic leaves.
func Maintain(ctx context.Context, r Registry, interval time.Duration, onEvict func(domain.PresenceEntry)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				slog.Warn("presence: heartbeat failed", "error", err)
			}
			evicted, err := r.Sweep(ctx)
			if err != nil {
				slog.Warn("presence: sweep failed", "error", err)
				continue
			}
			for _, entry := range evicted {
				slog.Info("presence: swept stale entry",
					"room", entry.Room, "user", entry.UserID, "instance", entry.InstanceID)
				if onEvict != nil {
					onEvict(entry)
				}
			}
		}
	}
}

// stale reports whether an entry's owner has been silent past the timeout.
func stale(entry domain.PresenceEntry, now time.Time, timeout time.Duration) bool {
	return now.Sub(entry.LastSeen) > timeout
}
