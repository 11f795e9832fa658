package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/musicr/musicr/internal/domain"
)

// Local keeps rosters in process memory. It is the standalone-mode backend:
// entries live and die with the connections of this one instance, so there
// is nothing to heartbeat and nothing can go stale.
type Local struct {
	instanceID string
	now        func() time.Time

	mu    sync.RWMutex
	rooms map[string]map[string]domain.PresenceEntry
}

func NewLocal(instanceID string) *Local {
	return &Local{
		instanceID: instanceID,
		now:        time.Now,
		rooms:      make(map[string]map[string]domain.PresenceEntry),
	}
}

func (l *Local) Join(_ context.Context, room, userID, handle string) ([]domain.PresenceEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.rooms[room]
	if !ok {
		members = make(map[string]domain.PresenceEntry)
		l.rooms[room] = members
	}

	entry, exists := members[userID]
	if exists {
		entry.LastSeen = l.now().UTC()
	} else {
		entry = domain.PresenceEntry{
			Room:       room,
			UserID:     userID,
			Handle:     handle,
			JoinedAt:   l.now().UTC(),
			InstanceID: l.instanceID,
			LastSeen:   l.now().UTC(),
		}
	}
	members[userID] = entry

	return snapshot(members), !exists, nil
}

func (l *Local) Leave(_ context.Context, room, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.rooms[room]
	if !ok {
		return false, nil
	}
	if _, exists := members[userID]; !exists {
		return false, nil
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(l.rooms, room)
	}
	return true, nil
}

func (l *Local) Roster(_ context.Context, room string) ([]domain.PresenceEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return snapshot(l.rooms[room]), nil
}

func (l *Local) Heartbeat(context.Context) error { return nil }

func (l *Local) Sweep(context.Context) ([]domain.PresenceEntry, error) { return nil, nil }

// snapshot copies a member map into a roster sorted by join time, oldest
// first, with the user ID breaking ties so ordering is deterministic.
func snapshot(members map[string]domain.PresenceEntry) []domain.PresenceEntry {
	entries := make([]domain.PresenceEntry, 0, len(members))
	for _, entry := range members {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].JoinedAt.Before(entries[j].JoinedAt)
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}
