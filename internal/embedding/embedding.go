// Package embedding turns user text into fixed-width vectors by calling
// external inference services. Providers are interchangeable: a local ollama
// daemon is the primary path and an OpenAI-compatible API can back it up.
package embedding

import (
	"context"
	"math"
)

// Provider embeds a single text. Implementations must return unit-length
// vectors; the match pipeline depends on cosine similarity equaling the dot
// product.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

// probeText is embedded at startup to verify provider health and vector
// width before the first user message arrives.
const probeText = "startup dimension probe"

// normalize rescales vec to unit length. Well-behaved models already return
// unit vectors; anything off by more than rounding noise gets corrected so a
// sloppy provider cannot skew similarity scores.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	if math.Abs(norm-1) <= 1e-5 {
		return vec
	}
	scale := float32(1 / norm)
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
