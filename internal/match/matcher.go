// Package match resolves a chat message to the song it sounds most like.
// The pipeline is normalize, embed, nearest-neighbor lookup, re-rank; every
// step that can fail has a popularity-ordered fallback so a message is never
// lost to matcher trouble.
package match

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/musicr/musicr/internal/config"
	"github.com/musicr/musicr/internal/domain"
	"github.com/musicr/musicr/internal/metrics"
	"github.com/musicr/musicr/pkg/protocol"
)

const (
	// veryWeakFloor marks matches the client may want to render
	// differently. The song still ships; labeling beats suppressing.
	veryWeakFloor = 0.15

	// popularityBoost caps how far popularity can bend the ranking: a
	// 100-popularity song gets at most 10% over its raw similarity.
	popularityBoost = 0.10

	// maxPerArtist keeps one prolific artist from filling every slot.
	maxPerArtist = 2

	indexVersionRefresh = 60 * time.Second
	refreshTimeout      = 5 * time.Second
)

// Provider is the slice of the embedding layer the matcher uses.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

// Index is the slice of the song store the matcher uses.
type Index interface {
	SearchKNN(ctx context.Context, q []float32, k, efSearch int) ([]domain.SongMatch, error)
	TopByPopularity(ctx context.Context, n int) ([]domain.SongMatch, error)
	CountSongs(ctx context.Context) (int64, error)
}

// Result is one match decision. Primary is nil only when Match also returned
// an error; Scores carries the full audit trail that gets persisted and
// echoed to clients.
type Result struct {
	Primary     *domain.SongRef
	Alternates  []domain.SongRef
	Scores      protocol.Scores
	Reasoning   string
	Fingerprint string
	Similarity  float64
	VeryWeak    bool
	Degraded    bool
}

type Matcher struct {
	provider Provider
	index    Index
	cfg      config.MatchConfig

	mu           sync.RWMutex
	indexVersion string
}

func New(provider Provider, index Index, cfg config.MatchConfig) *Matcher {
	return &Matcher{
		provider:     provider,
		index:        index,
		cfg:          cfg,
		indexVersion: "hnsw-0",
	}
}

// Run refreshes the index version until ctx is done. The count is cheap and
// only feeds fingerprints, so failures just keep the previous value.
func (m *Matcher) Run(ctx context.Context) {
	m.refreshIndexVersion(ctx)

	ticker := time.NewTicker(indexVersionRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshIndexVersion(ctx)
		}
	}
}

func (m *Matcher) refreshIndexVersion(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	count, err := m.index.CountSongs(ctx)
	if err != nil {
		slog.Warn("match: index version refresh failed", "error", err)
		return
	}
	m.mu.Lock()
	m.indexVersion = "hnsw-" + strconv.FormatInt(count, 10)
	m.mu.Unlock()
}

// IndexVersion returns the current version token, e.g. "hnsw-104512".
func (m *Matcher) IndexVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexVersion
}

// Match runs the full pipeline for one message. It returns an error only
// when even the popularity fallback is out of reach; the caller then
// persists the message with no song rather than rejecting it.
func (m *Matcher) Match(ctx context.Context, text string) (Result, error) {
	started := time.Now()
	normalized := normalize(text)
	fingerprint := m.fingerprint(normalized)

	vec, err := m.provider.Embed(ctx, normalized)
	if err != nil {
		return m.fallback(ctx, fingerprint, "fallback: embedder unavailable", started)
	}

	candidates, err := m.index.SearchKNN(ctx, vec, 2*m.cfg.Results, m.cfg.EfSearch)
	if err != nil {
		if !errors.Is(err, domain.ErrIndexUnavailable) {
			slog.Warn("match: knn lookup failed", "error", err)
		}
		return m.fallback(ctx, fingerprint, "fallback: no index results", started)
	}

	ranked := rerank(candidates, m.cfg.Results)
	if len(ranked) == 0 {
		return m.fallback(ctx, fingerprint, "fallback: no index results", started)
	}
	primary := ranked[0]

	veryWeak := true
	for _, c := range candidates {
		if c.Similarity >= veryWeakFloor {
			veryWeak = false
			break
		}
	}

	result := Result{
		Primary:     refOf(primary),
		Fingerprint: fingerprint,
		Similarity:  primary.Similarity,
		VeryWeak:    veryWeak,
		Reasoning:   fmt.Sprintf("semantic: %q by %s (similarity %.2f)", primary.Title, primary.Artist, primary.Similarity),
		Scores: protocol.Scores{
			Mode:        "semantic",
			Model:       m.provider.ModelID(),
			EfSearch:    m.cfg.EfSearch,
			Fingerprint: fingerprint,
			VeryWeak:    veryWeak,
			Candidates:  scoreCandidates(candidates),
		},
	}
	for _, alt := range ranked[1:] {
		result.Alternates = append(result.Alternates, *refOf(alt))
	}

	m.observe(ctx, result, started)
	return result, nil
}

func (m *Matcher) fallback(ctx context.Context, fingerprint, reasoning string, started time.Time) (Result, error) {
	// Even a failed match hands back its fingerprint and mode so the
	// message can persist a truthful scores blob.
	failed := Result{
		Fingerprint: fingerprint,
		Degraded:    true,
		Scores: protocol.Scores{
			Mode:        "fallback",
			Model:       m.provider.ModelID(),
			Fingerprint: fingerprint,
		},
	}

	top, err := m.index.TopByPopularity(ctx, m.cfg.Results)
	if err != nil {
		return failed, fmt.Errorf("popularity fallback: %w", err)
	}
	if len(top) == 0 {
		return failed, domain.ErrIndexUnavailable
	}

	result := Result{
		Primary:     refOf(top[0]),
		Fingerprint: fingerprint,
		Reasoning:   reasoning,
		Degraded:    true,
		Scores: protocol.Scores{
			Mode:        "fallback",
			Model:       m.provider.ModelID(),
			Fingerprint: fingerprint,
			Candidates:  scoreCandidates(top),
		},
	}
	for _, alt := range top[1:] {
		result.Alternates = append(result.Alternates, *refOf(alt))
	}

	m.observe(ctx, result, started)
	return result, nil
}

func (m *Matcher) observe(_ context.Context, result Result, started time.Time) {
	metrics.MatchDuration.WithLabelValues(result.Scores.Mode).Observe(time.Since(started).Seconds())
	if m.cfg.Debug {
		slog.Info("match: decided",
			"mode", result.Scores.Mode,
			"fingerprint", result.Fingerprint,
			"song", result.Primary.ID,
			"similarity", result.Similarity,
			"veryWeak", result.VeryWeak)
	}
}

// fingerprint identifies the match decision inputs: what was asked, with
// which model, against which catalog generation.
func (m *Matcher) fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized + "\x1f" + m.provider.ModelID() + "\x1f" + m.IndexVersion()))
	return hex.EncodeToString(sum[:])
}

// normalize trims, collapses runs of whitespace, and lowercases. The same
// text always embeds the same way regardless of how it was typed.
func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// rerank orders candidates by popularity-boosted similarity and picks up to
// n with at most maxPerArtist per canonical artist. Skipped candidates are
// passed over, not dropped: the walk continues down the boosted order until
// n slots fill or the pool runs out.
func rerank(candidates []domain.SongMatch, n int) []domain.SongMatch {
	sorted := make([]domain.SongMatch, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		bi, bj := boosted(sorted[i]), boosted(sorted[j])
		if bi != bj {
			return bi > bj
		}
		return sorted[i].ID < sorted[j].ID
	})

	perArtist := make(map[string]int)
	selected := make([]domain.SongMatch, 0, n)
	for _, c := range sorted {
		if len(selected) == n {
			break
		}
		key := artistKey(c)
		if perArtist[key] == maxPerArtist {
			continue
		}
		perArtist[key]++
		selected = append(selected, c)
	}
	return selected
}

func boosted(c domain.SongMatch) float64 {
	return c.Similarity * (1 + popularityBoost*float64(c.Popularity)/100)
}

func artistKey(c domain.SongMatch) string {
	if c.CanonicalArtist != "" {
		return c.CanonicalArtist
	}
	return strings.ToLower(c.Artist)
}

func refOf(c domain.SongMatch) *domain.SongRef {
	ref := c.SongRef
	return &ref
}

func scoreCandidates(candidates []domain.SongMatch) []protocol.ScoreCandidate {
	out := make([]protocol.ScoreCandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, protocol.ScoreCandidate{
			SongID:     c.ID,
			Title:      c.Title,
			Artist:     c.Artist,
			Similarity: c.Similarity,
			Popularity: c.Popularity,
		})
	}
	return out
}
