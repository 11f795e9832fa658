// Package config loads the service configuration from environment variables.
// A .env file is honored in development; real environments set the variables
// directly.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for a musicr instance.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Bus      BusConfig
	Embed    EmbedConfig
	Match    MatchConfig
	LogLevel string
	Otel     bool
}

// ServerConfig holds the gateway and connection settings.
type ServerConfig struct {
	Host             string
	Port             int
	AllowedOrigins   []string // CORS allowlist; empty allows none
	CookieSecret     string   // HMAC salt for IP hashing; required in production
	Environment      string   // development | production
	HeartbeatTimeout time.Duration
	RateLimitCount   int           // messages per window
	RateLimitWindow  time.Duration // token bucket window
	MaintenanceMode  bool
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// BusConfig holds the coordination bus settings. An empty URL selects
// standalone mode.
type BusConfig struct {
	URL string
}

// EmbedConfig holds the embedding provider settings. The local daemon is the
// primary path; the remote API is an optional fallback enabled by RemoteURL.
type EmbedConfig struct {
	LocalURL     string
	LocalModel   string
	RemoteURL    string
	RemoteAPIKey string
	RemoteModel  string
}

// MatchConfig holds the matcher tunables.
type MatchConfig struct {
	EfSearch int  // query-time HNSW recall knob
	Results  int  // N: primary plus N-1 alternates
	Debug    bool // log fingerprint per match
}

// Load reads configuration from the environment. A malformed RATE_LIMIT is a
// load error; missing required values are reported by Validate so all
// problems surface together at startup.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:             GetEnv("HOST", "0.0.0.0"),
			Port:             GetEnvInt("PORT", 8080),
			AllowedOrigins:   GetEnvSlice("FRONTEND_ORIGIN", nil),
			CookieSecret:     GetEnv("COOKIE_SECRET", ""),
			Environment:      GetEnv("ENV", "development"),
			HeartbeatTimeout: time.Duration(GetEnvInt("HEARTBEAT_TIMEOUT_MS", 45000)) * time.Millisecond,
			MaintenanceMode:  GetEnvBool("MAINTENANCE_MODE", false),
		},
		Database: DatabaseConfig{
			URL:      GetEnv("DATABASE_URL", ""),
			MaxConns: GetEnvInt("DB_MAX_CONNS", 20),
		},
		Bus: BusConfig{
			URL: GetEnv("BUS_URL", ""),
		},
		Embed: EmbedConfig{
			LocalURL:     GetEnv("EMBED_URL", "http://localhost:11434"),
			LocalModel:   GetEnv("EMBED_MODEL", "all-minilm"),
			RemoteURL:    GetEnv("EMBED_REMOTE_URL", ""),
			RemoteAPIKey: GetEnv("EMBED_REMOTE_API_KEY", ""),
			RemoteModel:  GetEnv("EMBED_REMOTE_MODEL", ""),
		},
		Match: MatchConfig{
			EfSearch: GetEnvInt("MATCH_EF_SEARCH", 100),
			Results:  GetEnvInt("MATCH_RESULTS", 3),
			Debug:    GetEnvBool("DEBUG_MATCHING", false),
		},
		LogLevel: GetEnv("LOG_LEVEL", "info"),
		Otel:     GetEnvBool("OTEL_ENABLED", false),
	}

	count, window, err := ParseRateLimit(GetEnv("RATE_LIMIT", "10/10s"))
	if err != nil {
		return nil, err
	}
	cfg.Server.RateLimitCount = count
	cfg.Server.RateLimitWindow = window

	return cfg, nil
}

// ParseRateLimit parses "<count>/<window>" (e.g. "10/10s").
func ParseRateLimit(s string) (int, time.Duration, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("parse RATE_LIMIT %q: want <count>/<window>", s)
	}
	var count int
	if _, err := fmt.Sscanf(parts[0], "%d", &count); err != nil || count < 1 {
		return 0, 0, fmt.Errorf("parse RATE_LIMIT %q: bad count", s)
	}
	window, err := time.ParseDuration(parts[1])
	if err != nil || window <= 0 {
		return 0, 0, fmt.Errorf("parse RATE_LIMIT %q: bad window", s)
	}
	return count, window, nil
}

// Validate checks the loaded configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	} else if !isValidURL(c.Database.URL) {
		errs = append(errs, "DATABASE_URL must be a valid URL")
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, "DB_MAX_CONNS must be at least 1")
	}

	if c.Bus.URL != "" && !isValidURL(c.Bus.URL) {
		errs = append(errs, "BUS_URL must be a valid URL")
	}

	if c.IsProduction() && c.Server.CookieSecret == "" {
		errs = append(errs, "COOKIE_SECRET is required in production")
	}

	if c.Embed.LocalURL == "" && c.Embed.RemoteURL == "" {
		errs = append(errs, "at least one of EMBED_URL or EMBED_REMOTE_URL is required")
	}

	if c.Match.EfSearch < 1 {
		errs = append(errs, "MATCH_EF_SEARCH must be at least 1")
	}
	if c.Match.Results < 1 {
		errs = append(errs, "MATCH_RESULTS must be at least 1")
	}

	if c.Server.HeartbeatTimeout < time.Second {
		errs = append(errs, "HEARTBEAT_TIMEOUT_MS must be at least 1000")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsProduction reports whether the instance runs with production policies.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

// IsBusConfigured reports whether a coordination bus URL was provided.
func (c *Config) IsBusConfigured() bool {
	return c.Bus.URL != ""
}

func isValidURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
