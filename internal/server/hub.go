package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/musicr/musicr/internal/metrics"
)

// leaveGrace debounces rapid reconnects so the roster does not flicker: a
// user whose last connection drops gets this long to come back before the
// room is told they left.
const leaveGrace = 2 * time.Second

// Hub tracks every local connection by room and counts connections per
// (room, user). Join and leave are edges of that count: a user with three
// tabs open appears in the roster once and leaves once.
//
// Lock discipline: the hub mutex is never held across I/O. Broadcast
// collects targets under RLock and enqueues after releasing it.
type Hub struct {
	grace   time.Duration
	onLeave func(room, userID string)

	mu      sync.RWMutex
	rooms   map[string]map[*conn]struct{}
	counts  map[string]map[string]int
	pending map[string]*time.Timer
}

func NewHub() *Hub {
	return &Hub{
		grace:   leaveGrace,
		rooms:   make(map[string]map[*conn]struct{}),
		counts:  make(map[string]map[string]int),
		pending: make(map[string]*time.Timer),
	}
}

// OnLeave installs the callback fired when a user's connection count stays
// at zero through the grace window. Set once during wiring, before traffic.
func (h *Hub) OnLeave(fn func(room, userID string)) {
	h.onLeave = fn
}

func presenceKey(room, userID string) string {
	return room + "\x00" + userID
}

// Register adds the connection and reports whether this user just appeared
// in the room (0 -> 1 edge). A reconnect inside the grace window cancels the
// pending leave and is not a new appearance; the roster never saw them go.
func (h *Hub) Register(c *conn) bool {
	room, userID := c.info.Room, c.info.UserID.String()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*conn]struct{})
	}
	h.rooms[room][c] = struct{}{}

	if h.counts[room] == nil {
		h.counts[room] = make(map[string]int)
	}
	h.counts[room][userID]++
	metrics.WSConnections.Inc()

	key := presenceKey(room, userID)
	if t, ok := h.pending[key]; ok {
		t.Stop()
		delete(h.pending, key)
		return false
	}
	return h.counts[room][userID] == 1
}

// Unregister removes the connection. When the user's count in the room hits
// zero, the leave decision is deferred by the grace window.
func (h *Hub) Unregister(c *conn) {
	room, userID := c.info.Room, c.info.UserID.String()

	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.rooms[room]; ok {
		if _, present := conns[c]; !present {
			return
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	} else {
		return
	}
	metrics.WSConnections.Dec()

	users := h.counts[room]
	if users == nil {
		return
	}
	if users[userID] > 0 {
		users[userID]--
	}
	if users[userID] > 0 {
		return
	}

	key := presenceKey(room, userID)
	if t, ok := h.pending[key]; ok {
		t.Stop()
	}
	h.pending[key] = time.AfterFunc(h.grace, func() {
		h.leaveExpired(room, userID)
	})
}

func (h *Hub) leaveExpired(room, userID string) {
	key := presenceKey(room, userID)

	h.mu.Lock()
	delete(h.pending, key)
	users := h.counts[room]
	if users == nil || users[userID] > 0 {
		// Reconnected while the timer was firing.
		h.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(h.counts, room)
	}
	fn := h.onLeave
	h.mu.Unlock()

	if fn != nil {
		fn(room, userID)
	}
}

// Broadcast fans an envelope out to every connection in the room, including
// the sender's. Delivery is best effort per connection.
func (h *Hub) Broadcast(room string, payload []byte) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(payload)
	}
}

// ConnCount reports the live connections in a room.
func (h *Hub) ConnCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Shutdown closes every connection with a going-away frame. Pending leave
// timers are left to fire; the process is exiting anyway.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	var all []*conn
	for _, conns := range h.rooms {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
