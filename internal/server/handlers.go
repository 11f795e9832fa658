package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/musicr/musicr/internal/domain"
	"github.com/musicr/musicr/pkg/protocol"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	songCountTTL        = 30 * time.Second
	dbCheckTimeout      = time.Second
)

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}

type healthResponse struct {
	OK         bool   `json:"ok"`
	InstanceID string `json:"instanceId"`
	SongCount  int64  `json:"songCount"`
	DB         string `json:"db"`  // ok | degraded
	Bus        string `json:"bus"` // ok | standalone | down
}

// handleHealth reports process identity plus dependency reachability. The
// song count is cached; hammering /health must not hammer the catalog.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), dbCheckTimeout)
	defer cancel()

	db := "ok"
	if s.dbPing != nil {
		if err := s.dbPing(ctx); err != nil {
			slog.Warn("health: database unreachable", "error", err)
			db = "degraded"
		}
	}

	busState := "ok"
	if s.bus.Mode() == "standalone" {
		busState = "standalone"
	} else if !s.bus.Healthy(ctx) {
		busState = "down"
	}

	resp := healthResponse{
		OK:         db == "ok",
		InstanceID: s.instanceID,
		SongCount:  s.songCount(r.Context()),
		DB:         db,
		Bus:        busState,
	}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, resp, status)
}

func (s *Server) songCount(ctx context.Context) int64 {
	s.health.mu.Lock()
	count, fetchedAt := s.health.count, s.health.fetchedAt
	s.health.mu.Unlock()

	if time.Since(fetchedAt) < songCountTTL {
		return count
	}

	cctx, cancel := context.WithTimeout(ctx, dbCheckTimeout)
	defer cancel()
	fresh, err := s.store.CountSongs(cctx)
	if err != nil {
		// Stale beats missing.
		slog.Warn("health: song count unavailable", "error", err)
		return count
	}

	s.health.mu.Lock()
	s.health.count = fresh
	s.health.fetchedAt = time.Now()
	s.health.mu.Unlock()
	return fresh
}

type rosterResponse struct {
	Room  string                `json:"room"`
	Users []protocol.RosterUser `json:"users"`
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")

	ctx, cancel := context.WithTimeout(r.Context(), presenceTimeout)
	defer cancel()
	entries, err := s.registry.Roster(ctx, room)
	if err != nil {
		slog.Error("roster fetch failed", "room", room, "error", err)
		respondError(w, "roster unavailable", http.StatusInternalServerError)
		return
	}

	respondJSON(w, rosterResponse{Room: room, Users: rosterUsers(entries)}, http.StatusOK)
}

type messageView struct {
	ID               string                 `json:"id"`
	Room             string                 `json:"room"`
	UserID           string                 `json:"userId"`
	Handle           string                 `json:"handle"`
	Text             string                 `json:"text"`
	CreatedAt        string                 `json:"createdAt"`
	ReplyToMessageID string                 `json:"replyToMessageId,omitempty"`
	Song             *protocol.SongView     `json:"song,omitempty"`
	Scores           protocol.Scores        `json:"scores"`
	Reactions        []domain.ReactionGroup `json:"reactions"`
}

type historyResponse struct {
	Room     string        `json:"room"`
	Messages []messageView `json:"messages"`
}

// handleHistory serves newest-first pages. Reconnecting clients call this
// instead of relying on any server-side backlog.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	q := r.URL.Query()

	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistoryLimit {
			respondError(w, "limit must be an integer between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	var before *uuid.UUID
	if raw := q.Get("before"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, "before must be a message UUID", http.StatusBadRequest)
			return
		}
		before = &parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	msgs, err := s.store.ListMessages(ctx, room, before, limit)
	if err != nil {
		slog.Error("history fetch failed", "room", room, "error", err)
		respondError(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	ids := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		if id, err := uuid.Parse(m.ID); err == nil {
			ids = append(ids, id)
		}
	}
	reactions, err := s.store.AggregateReactions(ctx, ids)
	if err != nil {
		// History still serves without reaction counts.
		slog.Warn("reaction aggregation failed", "room", room, "error", err)
		reactions = map[string][]domain.ReactionGroup{}
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, newMessageView(m, reactions[m.ID]))
	}
	respondJSON(w, historyResponse{Room: room, Messages: views}, http.StatusOK)
}

func newMessageView(m *domain.Message, groups []domain.ReactionGroup) messageView {
	view := messageView{
		ID:        m.ID,
		Room:      m.Room,
		UserID:    m.UserID,
		Handle:    m.Handle,
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Scores:    m.Scores,
		Reactions: groups,
	}
	if view.Reactions == nil {
		view.Reactions = []domain.ReactionGroup{}
	}
	if m.ReplyToMessageID != nil {
		view.ReplyToMessageID = *m.ReplyToMessageID
	}
	if m.Song != nil {
		view.Song = &protocol.SongView{
			ID:     m.Song.ID,
			Title:  m.Song.Title,
			Artist: m.Song.Artist,
			Year:   m.Song.Year,
		}
	}
	return view
}
