package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/musicr/musicr/internal/bus"
	"github.com/musicr/musicr/internal/chat"
	"github.com/musicr/musicr/internal/config"
	"github.com/musicr/musicr/internal/domain"
	"github.com/musicr/musicr/internal/presence"
	"github.com/musicr/musicr/pkg/protocol"
)

const (
	upgradeTimeout  = 10 * time.Second
	presenceTimeout = 5 * time.Second

	// frameTimeout bounds one inbound frame's processing. It exceeds the
	// sum of the embed and persistence budgets so the pipeline's own
	// deadlines fire first, with meaningful errors.
	frameTimeout = 30 * time.Second

	defaultRoom = "default"
)

type frameHandler func(ctx context.Context, c *conn, f protocol.Frame)

// Gateway upgrades HTTP to WebSocket, authenticates the client-held UUID,
// and runs the per-connection read loop. One Gateway serves all rooms.
type Gateway struct {
	cfg        *config.Config
	store      Store
	chat       *chat.Service
	hub        *Hub
	registry   presence.Registry
	bus        bus.Bus
	instanceID string

	upgrader websocket.Upgrader
	dispatch map[string]frameHandler
}

func NewGateway(cfg *config.Config, st Store, svc *chat.Service, hub *Hub, reg presence.Registry, b bus.Bus, instanceID string) *Gateway {
	g := &Gateway{
		cfg:        cfg,
		store:      st,
		chat:       svc,
		hub:        hub,
		registry:   reg,
		bus:        b,
		instanceID: instanceID,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: upgradeTimeout,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(cfg.Server.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	g.dispatch = map[string]frameHandler{
		protocol.TypePing:           g.handlePing,
		protocol.TypeMsg:            g.handleMsg,
		protocol.TypeReactionAdd:    g.handleReactionAdd,
		protocol.TypeReactionRemove: g.handleReactionRemove,
	}
	hub.OnLeave(g.announceLeave)
	return g
}

// HandleWS is the GET /ws endpoint. Identity comes from the client: a
// self-generated UUID in the userId query parameter or X-User-Id header. No
// identity, no socket.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Server.MaintenanceMode {
		respondError(w, "maintenance in progress", http.StatusServiceUnavailable)
		return
	}

	rawID := r.URL.Query().Get("userId")
	if rawID == "" {
		rawID = r.Header.Get("X-User-Id")
	}
	clientID, err := uuid.Parse(rawID)
	if rawID == "" || err != nil {
		respondError(w, "userId must be a UUID", http.StatusBadRequest)
		return
	}

	room := r.URL.Query().Get("room")
	if room == "" {
		room = defaultRoom
	}
	ipHash := HashIP(clientIP(r), g.cfg.Server.CookieSecret)

	ctx, cancel := context.WithTimeout(r.Context(), presenceTimeout)
	user, err := g.store.GetOrCreateUser(ctx, clientID, ipHash)
	if err == nil {
		_, err = g.store.GetOrCreateRoom(ctx, room)
	}
	cancel()
	if err != nil {
		slog.Error("ws: identity setup failed", "error", err, "user_id", clientID)
		respondError(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Warn("ws: upgrade failed", "error", err)
		return
	}

	c := newConn(ws, chat.ConnInfo{
		UserID: clientID,
		Handle: user.Handle,
		Room:   room,
		IPHash: ipHash,
	})
	go c.writePump()

	first := g.hub.Register(c)
	slog.Info("ws: connected",
		"connection_id", c.id, "user_id", user.ID, "handle", user.Handle, "room", room, "first", first)

	g.afterJoin(c, first)
	g.readLoop(c)

	g.hub.Unregister(c)
	c.close(websocket.CloseNormalClosure, "bye")

	touchCtx, touchCancel := context.WithTimeout(context.Background(), presenceTimeout)
	if err := g.store.TouchUser(touchCtx, clientID); err != nil {
		slog.Debug("ws: last_seen update failed", "user_id", clientID, "error", err)
	}
	touchCancel()
	slog.Info("ws: disconnected", "connection_id", c.id, "user_id", user.ID, "room", room)
}

// afterJoin updates the registry on a join edge and sends the roster
// snapshot to the new connection. Snapshots replace, never merge, on the
// client, so sending one unconditionally is always safe.
func (g *Gateway) afterJoin(c *conn, first bool) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	room, userID := c.info.Room, c.info.UserID.String()

	var roster []domain.PresenceEntry
	var err error
	if first {
		var joined bool
		roster, joined, err = g.registry.Join(ctx, room, userID, c.info.Handle)
		if err == nil && joined {
			g.announceJoin(room, userID, c.info.Handle, joinedAtFrom(roster, userID))
		}
	} else {
		roster, err = g.registry.Roster(ctx, room)
	}
	if err != nil {
		slog.Warn("presence: roster unavailable", "room", room, "error", err)
	}

	snapshot := protocol.Roster{
		Type:  protocol.TypeRoster,
		Room:  room,
		Users: rosterUsers(roster),
	}
	if data, err := protocol.Marshal(snapshot); err == nil {
		c.enqueue(data)
	}
}

func rosterUsers(entries []domain.PresenceEntry) []protocol.RosterUser {
	users := make([]protocol.RosterUser, 0, len(entries))
	for _, e := range entries {
		users = append(users, protocol.RosterUser{
			UserID:   e.UserID,
			Handle:   e.Handle,
			JoinedAt: e.JoinedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return users
}

func joinedAtFrom(roster []domain.PresenceEntry, userID string) time.Time {
	for _, e := range roster {
		if e.UserID == userID {
			return e.JoinedAt
		}
	}
	return time.Now().UTC()
}

func (g *Gateway) announceJoin(room, userID, handle string, joinedAt time.Time) {
	env := protocol.UserJoined{
		Type:     protocol.TypeUserJoined,
		Room:     room,
		UserID:   userID,
		Handle:   handle,
		JoinedAt: joinedAt.UTC().Format(time.RFC3339Nano),
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return
	}
	g.hub.Broadcast(room, data)
	g.bus.PublishPresence(context.Background(), protocol.PresenceEvent{
		Kind:       protocol.KindJoined,
		Room:       room,
		UserID:     userID,
		Handle:     handle,
		InstanceID: g.instanceID,
		TS:         protocol.NowMillis(),
	})
}

// announceLeave fires from the hub once a user's connection count has been
// zero for the whole grace window.
func (g *Gateway) announceLeave(room, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	left, err := g.registry.Leave(ctx, room, userID)
	if err != nil {
		// The hub knows the local connections are gone; announce anyway
		// and let sweeps reconcile the registry.
		slog.Warn("presence: leave failed, announcing anyway", "room", room, "user_id", userID, "error", err)
		left = true
	}
	if !left {
		return
	}

	env := protocol.UserLeft{Type: protocol.TypeUserLeft, Room: room, UserID: userID}
	data, err := protocol.Marshal(env)
	if err != nil {
		return
	}
	g.hub.Broadcast(room, data)
	g.bus.PublishPresence(context.Background(), protocol.PresenceEvent{
		Kind:       protocol.KindLeft,
		Room:       room,
		UserID:     userID,
		InstanceID: g.instanceID,
		TS:         protocol.NowMillis(),
	})
}

// readLoop drives the connection until the socket dies or the heartbeat
// deadline lapses. Any inbound frame proves liveness.
func (g *Gateway) readLoop(c *conn) {
	timeout := g.cfg.Server.HeartbeatTimeout
	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(timeout))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				slog.Info("ws: heartbeat timeout",
					"connection_id", c.id, "user_id", c.info.UserID, "room", c.info.Room)
				c.close(websocket.ClosePolicyViolation, "stale")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				slog.Debug("ws: read error", "connection_id", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(timeout))

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			g.sendError(c, "malformed frame")
			continue
		}
		handler, ok := g.dispatch[frame.Type]
		if !ok {
			g.sendError(c, "unknown type: "+frame.Type)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		handler(ctx, c, frame)
		cancel()
	}
}

func (g *Gateway) handlePing(_ context.Context, c *conn, _ protocol.Frame) {
	if data, err := protocol.Marshal(protocol.NewPong()); err == nil {
		c.enqueue(data)
	}
}

func (g *Gateway) handleMsg(ctx context.Context, c *conn, f protocol.Frame) {
	var frame protocol.UserMessage
	if err := f.Decode(&frame); err != nil {
		g.sendError(c, "malformed msg frame")
		return
	}
	if err := g.chat.HandleUserMessage(ctx, c.info, frame); err != nil {
		g.sendError(c, errorMessage(err))
	}
}

func (g *Gateway) handleReactionAdd(ctx context.Context, c *conn, f protocol.Frame) {
	var frame protocol.ReactionFrame
	if err := f.Decode(&frame); err != nil {
		g.sendError(c, "malformed reaction frame")
		return
	}
	if err := g.chat.AddReaction(ctx, c.info, frame); err != nil {
		g.sendError(c, errorMessage(err))
	}
}

func (g *Gateway) handleReactionRemove(ctx context.Context, c *conn, f protocol.Frame) {
	var frame protocol.ReactionFrame
	if err := f.Decode(&frame); err != nil {
		g.sendError(c, "malformed reaction frame")
		return
	}
	if err := g.chat.RemoveReaction(ctx, c.info, frame); err != nil {
		g.sendError(c, errorMessage(err))
	}
}

// sendError delivers a sender-only error envelope. Nothing here reaches the
// room or the bus.
func (g *Gateway) sendError(c *conn, message string) {
	if data, err := protocol.Marshal(protocol.NewError(message)); err == nil {
		c.enqueue(data)
	}
}

// errorMessage maps pipeline errors to client-safe text. Validation errors
// carry their own wording; anything unexpected collapses to a generic line
// so internals never leak over the socket.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrEmptyText),
		errors.Is(err, domain.ErrTextTooLong),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidEmoji),
		errors.Is(err, domain.ErrRateLimited),
		errors.Is(err, domain.ErrNotFound):
		return err.Error()
	case errors.Is(err, domain.ErrMaintenance):
		return "maintenance in progress"
	default:
		return "internal error"
	}
}
