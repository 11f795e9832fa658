package bus

import (
	"context"

	"github.com/musicr/musicr/pkg/protocol"
)

// Standalone is the single-instance backend: publishes vanish and no remote
// events ever arrive. Local broadcast already reached every connected client,
// so nothing is lost except cross-instance fan-out.
type Standalone struct{}

func NewStandalone() *Standalone { return &Standalone{} }

func (*Standalone) PublishPresence(context.Context, protocol.PresenceEvent) {}

func (*Standalone) PublishChat(context.Context, protocol.ChatEvent) {}

func (*Standalone) Subscribe(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}

func (*Standalone) Mode() string { return "standalone" }

func (*Standalone) Healthy(context.Context) bool { return true }
