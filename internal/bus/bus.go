// Package bus fans presence and chat events across instances so every room
// behaves as one room regardless of which instance a client landed on. The
// bus is an optimization, never a dependency: publishes are fire-and-forget
// and a missing or dead broker degrades the fleet to isolated instances that
// stay fully functional on their own.
package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/musicr/musicr/pkg/protocol"
)

// Channel names shared by every instance.
const (
	PresenceChannel = "presence:events"
	ChatChannel     = "chat:events"
)

// publishTimeout bounds one publish. A slow broker must never hold up a
// message that was already broadcast locally.
const publishTimeout = time.Second

// Handler receives events that originated on other instances. Own-origin
// echoes are filtered before these run.
type Handler struct {
	OnPresence func(protocol.PresenceEvent)
	OnChat     func(protocol.ChatEvent)
}

type Bus interface {
	PublishPresence(ctx context.Context, ev protocol.PresenceEvent)
	PublishChat(ctx context.Context, ev protocol.ChatEvent)

	// Subscribe delivers remote events to h until ctx is done.
	Subscribe(ctx context.Context, h Handler) error

	Mode() string
	Healthy(ctx context.Context) bool
}

// Dial picks the backend for the configured URL: redis when reachable,
// standalone otherwise. An unreachable broker is a warning, not an error;
// the instance serves its own clients either way.
func Dial(ctx context.Context, url, instanceID string) Bus {
	if url == "" {
		slog.Info("bus: standalone mode")
		return NewStandalone()
	}
	b, err := NewRedis(ctx, url, instanceID)
	if err != nil {
		slog.Warn("bus: unreachable, standalone mode", "error", err)
		return NewStandalone()
	}
	slog.Info("bus: connected", "instance", instanceID)
	return b
}
