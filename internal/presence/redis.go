package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/musicr/musicr/internal/domain"
)

const keyPrefix = "presence:"

// Redis keeps rosters in per-room hashes so every instance sees the same
// membership. Each instance remembers which entries it wrote and refreshes
// only those; sweeping is cooperative and idempotent, so every instance runs
// it and concurrent evictions collapse into one HDEL.
type Redis struct {
	client     *redis.Client
	instanceID string
	timeout    time.Duration
	now        func() time.Time

	mu    sync.Mutex
	owned map[string]map[string]string // room -> userID -> handle
}

func NewRedis(client *redis.Client, instanceID string, timeout time.Duration) *Redis {
	return &Redis{
		client:     client,
		instanceID: instanceID,
		timeout:    timeout,
		now:        time.Now,
		owned:      make(map[string]map[string]string),
	}
}

func roomKey(room string) string { return keyPrefix + room }

func (r *Redis) Join(ctx context.Context, room, userID, handle string) ([]domain.PresenceEntry, bool, error) {
	now := r.now().UTC()
	entry := domain.PresenceEntry{
		Room:       room,
		UserID:     userID,
		Handle:     handle,
		JoinedAt:   now,
		InstanceID: r.instanceID,
		LastSeen:   now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, false, fmt.Errorf("encode presence entry: %w", err)
	}

	added, err := r.client.HSetNX(ctx, roomKey(room), userID, data).Result()
	if err != nil {
		return nil, false, fmt.Errorf("join room: %w", err)
	}
	if !added {
		// Already present, likely via another instance. Keep the original
		// join time but adopt ownership so our heartbeat covers the entry.
		if raw, err := r.client.HGet(ctx, roomKey(room), userID).Result(); err == nil {
			var existing domain.PresenceEntry
			if json.Unmarshal([]byte(raw), &existing) == nil && !existing.JoinedAt.IsZero() {
				entry.JoinedAt = existing.JoinedAt
			}
		}
		data, _ = json.Marshal(entry)
		if err := r.client.HSet(ctx, roomKey(room), userID, data).Err(); err != nil {
			return nil, false, fmt.Errorf("refresh presence entry: %w", err)
		}
	}

	r.mu.Lock()
	if r.owned[room] == nil {
		r.owned[room] = make(map[string]string)
	}
	r.owned[room][userID] = handle
	r.mu.Unlock()

	roster, err := r.Roster(ctx, room)
	return roster, added, err
}

// Leave removes the entry only when this instance owns it. An entry owned by
// a peer means the user still has a connection there; that instance's own
// leave or the sweeper retires it.
func (r *Redis) Leave(ctx context.Context, room, userID string) (bool, error) {
	r.untrack(room, userID)

	raw, err := r.client.HGet(ctx, roomKey(room), userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("leave read: %w", err)
	}

	var entry domain.PresenceEntry
	if err := json.Unmarshal([]byte(raw), &entry); err == nil && entry.InstanceID != r.instanceID {
		return false, nil
	}

	removed, err := r.client.HDel(ctx, roomKey(room), userID).Result()
	if err != nil {
		return false, fmt.Errorf("leave room: %w", err)
	}
	return removed > 0, nil
}

func (r *Redis) untrack(room, userID string) {
	r.mu.Lock()
	if members := r.owned[room]; members != nil {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.owned, room)
		}
	}
	r.mu.Unlock()
}

func (r *Redis) Roster(ctx context.Context, room string) ([]domain.PresenceEntry, error) {
	raw, err := r.client.HGetAll(ctx, roomKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch roster: %w", err)
	}

	members := make(map[string]domain.PresenceEntry, len(raw))
	for userID, value := range raw {
		var entry domain.PresenceEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			slog.Warn("presence: dropping unreadable entry", "room", room, "user", userID, "error", err)
			continue
		}
		members[userID] = entry
	}
	return snapshot(members), nil
}

// Heartbeat bumps lastSeen on every entry this instance owns. An entry that
// vanished underneath us (a peer adopted it and then left, or a sweep raced
// our write) is re-created: the hub still counts a live connection here, and
// the hub is the source of truth.
func (r *Redis) Heartbeat(ctx context.Context) error {
	r.mu.Lock()
	ownedCopy := make(map[string]map[string]string, len(r.owned))
	for room, members := range r.owned {
		copied := make(map[string]string, len(members))
		for userID, handle := range members {
			copied[userID] = handle
		}
		ownedCopy[room] = copied
	}
	r.mu.Unlock()

	now := r.now().UTC()
	for room, members := range ownedCopy {
		for userID, handle := range members {
			entry := domain.PresenceEntry{
				Room:     room,
				UserID:   userID,
				Handle:   handle,
				JoinedAt: now,
			}
			raw, err := r.client.HGet(ctx, roomKey(room), userID).Result()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("heartbeat read: %w", err)
			}
			if err == nil {
				var existing domain.PresenceEntry
				if json.Unmarshal([]byte(raw), &existing) == nil {
					entry = existing
				}
			}
			entry.LastSeen = now
			entry.InstanceID = r.instanceID
			data, _ := json.Marshal(entry)
			if err := r.client.HSet(ctx, roomKey(room), userID, data).Err(); err != nil {
				return fmt.Errorf("heartbeat write: %w", err)
			}
		}
	}
	return nil
}

func (r *Redis) Sweep(ctx context.Context) ([]domain.PresenceEntry, error) {
	var evicted []domain.PresenceEntry
	now := r.now().UTC()

	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		room := strings.TrimPrefix(key, keyPrefix)

		raw, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return evicted, fmt.Errorf("sweep read %s: %w", key, err)
		}
		for userID, value := range raw {
			var entry domain.PresenceEntry
			if err := json.Unmarshal([]byte(value), &entry); err != nil {
				// Unreadable entries are swept too; they poison rosters.
				_ = r.client.HDel(ctx, key, userID).Err()
				continue
			}
			if !stale(entry, now, r.timeout) {
				continue
			}
			removed, err := r.client.HDel(ctx, key, userID).Result()
			if err != nil {
				return evicted, fmt.Errorf("sweep evict: %w", err)
			}
			if removed > 0 {
				entry.Room = room
				evicted = append(evicted, entry)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return evicted, fmt.Errorf("sweep scan: %w", err)
	}
	return evicted, nil
}
