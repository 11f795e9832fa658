package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/musicr/musicr/internal/domain"
)

// Chain tries providers in order and returns the first vector produced.
// Failures are logged and absorbed; only total failure surfaces, as
// ErrEmbedUnavailable, which the matcher treats as a signal to degrade
// rather than an error to propagate.
type Chain struct {
	providers []Provider
}

func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// ModelID reports the primary provider's model. Fingerprints key on this
// even when a fallback produced the vector, so the remote model must be
// configured as an equivalent of the local one.
func (c *Chain) ModelID() string {
	if len(c.providers) == 0 {
		return ""
	}
	return c.providers[0].ModelID()
}

func (c *Chain) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for i, p := range c.providers {
		vec, err := p.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if i < len(c.providers)-1 {
			slog.Warn("embed: provider failed, trying next", "model", p.ModelID(), "error", err)
		}
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrEmbedUnavailable, lastErr)
}

// VerifyDimensions probes every provider once at startup. A provider that is
// merely unreachable gets a warning since outages are what the chain exists
// for; a provider that answers with the wrong width is a configuration error
// and refuses startup.
func (c *Chain) VerifyDimensions(ctx context.Context, want int) error {
	if len(c.providers) == 0 {
		return fmt.Errorf("no embedding providers configured")
	}
	for _, p := range c.providers {
		vec, err := p.Embed(ctx, probeText)
		if err != nil {
			slog.Warn("embed: provider unreachable during startup probe", "model", p.ModelID(), "error", err)
			continue
		}
		if len(vec) != want {
			return fmt.Errorf("model %s produces %d-dimensional vectors, want %d", p.ModelID(), len(vec), want)
		}
	}
	return nil
}
