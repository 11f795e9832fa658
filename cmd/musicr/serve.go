package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/musicr/musicr/internal/bus"
	"github.com/musicr/musicr/internal/chat"
	"github.com/musicr/musicr/internal/embedding"
	"github.com/musicr/musicr/internal/id"
	"github.com/musicr/musicr/internal/match"
	"github.com/musicr/musicr/internal/presence"
	"github.com/musicr/musicr/internal/server"
	"github.com/musicr/musicr/internal/store"
	"github.com/musicr/musicr/internal/tracing"
)

// serveCmd starts the chat gateway
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat gateway",
		Long: `Start the Musicr gateway: WebSocket chat, song matching, and the REST
surface for history and rosters.

Required configuration:
  - PostgreSQL with pgvector (DATABASE_URL)
  - COOKIE_SECRET in production

Optional:
  - Redis coordination bus (BUS_URL); standalone without it
  - Remote embedding fallback (EMBED_REMOTE_URL, EMBED_REMOTE_API_KEY)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	instanceID := id.NewInstance()
	slog.Info("starting musicr",
		"version", version,
		"instance_id", instanceID,
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"bus_configured", cfg.IsBusConfigured())

	if cfg.Otel {
		shutdown, err := tracing.Init("musicr", instanceID)
		if err != nil {
			slog.Warn("tracing init failed", "error", err)
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					slog.Warn("tracer shutdown", "error", err)
				}
			}()
			slog.Info("tracing enabled")
		}
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	st := store.New(pool)
	slog.Info("database connected", "max_conns", cfg.Database.MaxConns)

	// A catalog ingested with a different model is a config error, not
	// something to limp along with.
	if err := st.VerifyEmbeddingDimension(ctx); err != nil {
		return err
	}

	providers := []embedding.Provider{
		embedding.NewOllama(cfg.Embed.LocalURL, cfg.Embed.LocalModel),
	}
	if cfg.Embed.RemoteURL != "" {
		providers = append(providers,
			embedding.NewRemote(cfg.Embed.RemoteURL, cfg.Embed.RemoteAPIKey, cfg.Embed.RemoteModel))
	}
	chain := embedding.NewChain(providers...)
	if err := chain.VerifyDimensions(ctx, store.EmbeddingDimensions); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}

	matcher := match.New(chain, st, cfg.Match)

	b := bus.Dial(ctx, cfg.Bus.URL, instanceID)
	if closer, ok := b.(*bus.Redis); ok {
		defer closer.Close()
	}
	registry := newRegistry(ctx, b, instanceID)

	hub := server.NewHub()
	limiter := server.NewIPRateLimiter(cfg.Server.RateLimitCount, cfg.Server.RateLimitWindow)
	svc := chat.NewService(st, matcher, b, hub, limiter, instanceID, cfg.Server.MaintenanceMode)
	srv := server.New(cfg, st, pool.Ping, svc, hub, registry, b, instanceID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go matcher.Run(runCtx)
	go func() {
		if err := b.Subscribe(runCtx, server.NewBusHandler(hub)); err != nil {
			slog.Error("bus: subscription ended", "error", err)
		}
	}()
	go presence.Maintain(runCtx, registry, presence.DefaultMaintainInterval,
		server.EvictionAnnouncer(hub, b, instanceID))

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		slog.Info("server stopped")
		return nil
	}
}

// newRegistry picks the roster backend to match the bus: a Redis-coordinated
// fleet shares rosters, a standalone instance keeps them in process.
func newRegistry(ctx context.Context, b bus.Bus, instanceID string) presence.Registry {
	if b.Mode() != "redis" {
		return presence.NewLocal(instanceID)
	}
	opts, err := redis.ParseURL(cfg.Bus.URL)
	if err != nil {
		slog.Warn("presence: bad bus URL, using local roster", "error", err)
		return presence.NewLocal(instanceID)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("presence: redis unreachable, using local roster", "error", err)
		client.Close()
		return presence.NewLocal(instanceID)
	}
	return presence.NewRedis(client, instanceID, cfg.Server.HeartbeatTimeout)
}
