package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor pairs a token bucket with its last use so idle buckets can be
// evicted and the map stays bounded.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter enforces the per-sender message budget. Buckets are keyed by
// salted IP hash and created on demand; eviction is opportunistic, every few
// thousand lookups, instead of a dedicated sweeper goroutine.
type IPRateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  int
}

// NewIPRateLimiter builds a limiter allowing count tokens per window, with
// burst equal to count so a quiet sender can use the whole budget at once.
func NewIPRateLimiter(count int, window time.Duration) *IPRateLimiter {
	if count < 1 {
		count = 1
	}
	return &IPRateLimiter{
		limit:    rate.Limit(float64(count) / window.Seconds()),
		burst:    count,
		ttl:      10 * time.Minute,
		visitors: make(map[string]*visitor),
	}
}

func (rl *IPRateLimiter) Allow(key string) bool {
	return rl.bucket(key).Allow()
}

func (rl *IPRateLimiter) bucket(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Evict before touching the requested entry, so a stale bucket for this
	// very key is replaced instead of refreshed.
	rl.lookups++
	if rl.lookups >= 5000 {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}

	lim := rate.NewLimiter(rl.limit, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// HashIP salts and hashes a client address. Raw IPs never reach logs or the
// database; the hash is used only as a rate-limit key.
func HashIP(ip, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}

// clientIP extracts the originating address, trusting proxy headers when
// present since deployments sit behind a reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
