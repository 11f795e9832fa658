// Package server is the HTTP and WebSocket gateway: routing, middleware,
// the connection hub, and the REST surface for history and rosters.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/musicr/musicr/internal/bus"
	"github.com/musicr/musicr/internal/chat"
	"github.com/musicr/musicr/internal/config"
	"github.com/musicr/musicr/internal/domain"
	"github.com/musicr/musicr/internal/presence"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

// Store is the persistence surface the gateway serves from.
type Store interface {
	GetOrCreateUser(ctx context.Context, clientID uuid.UUID, ipHash string) (*domain.User, error)
	TouchUser(ctx context.Context, userID uuid.UUID) error
	GetOrCreateRoom(ctx context.Context, name string) (*domain.Room, error)
	ListMessages(ctx context.Context, room string, before *uuid.UUID, limit int) ([]*domain.Message, error)
	AggregateReactions(ctx context.Context, messageIDs []uuid.UUID) (map[string][]domain.ReactionGroup, error)
	CountSongs(ctx context.Context) (int64, error)
}

type healthCache struct {
	mu        sync.Mutex
	count     int64
	fetchedAt time.Time
}

type Server struct {
	cfg        *config.Config
	router     *chi.Mux
	server     *http.Server
	hub        *Hub
	store      Store
	dbPing     func(context.Context) error
	registry   presence.Registry
	bus        bus.Bus
	instanceID string
	health     healthCache
}

// New wires the full gateway. dbPing is the health probe for the database
// (typically pool.Ping); it is kept separate from Store so health checks
// bypass every query path.
func New(cfg *config.Config, st Store, dbPing func(context.Context) error, svc *chat.Service, hub *Hub, reg presence.Registry, b bus.Bus, instanceID string) *Server {
	s := &Server{
		cfg:        cfg,
		hub:        hub,
		store:      st,
		dbPing:     dbPing,
		registry:   reg,
		bus:        b,
		instanceID: instanceID,
	}

	gateway := NewGateway(cfg, st, svc, hub, reg, b, instanceID)

	router := chi.NewRouter()
	router.Use(Recoverer)
	router.Use(RequestLogger)
	router.Use(InstanceHeader(instanceID))
	router.Use(Metrics)
	router.Use(CORS(cfg.Server.AllowedOrigins))
	router.Use(BodyLimit)

	router.Get("/health", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws", gateway.HandleWS)
	router.Route("/rooms/{room}", func(r chi.Router) {
		r.Get("/users", s.handleRoster)
		r.Get("/messages", s.handleHistory)
	})

	s.router = router
	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
		// No global write timeout; WebSocket connections outlive any
		// sensible value. Slow-client damage is bounded per frame instead.
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	slog.Info("server: listening", "addr", addr, "instance_id", s.instanceID)
	return s.server.ListenAndServe()
}

// Stop closes every WebSocket with a going-away frame, then drains HTTP.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Shutdown()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
