// Package config loads the offline cache service configuration from the
// environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every environment variable name.
const Prefix = "OFFLINE_"

// Config holds the complete service configuration.
type Config struct {
	// Redis backs every storage partition and the connectivity state.
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// ManifestPath is the SQLite file holding the asset manifest and the action queue.
	ManifestPath string `env:"MANIFEST_PATH" envDefault:"offline-cache.db"`

	// OriginURL is the app origin proxied by the runtime interceptor.
	OriginURL  string `env:"ORIGIN_URL" envDefault:"http://localhost:3000"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Generation names the current set of shell/static/runtime partitions.
	Generation     string   `env:"CACHE_GENERATION" envDefault:"v1"`
	ShellAssets    []string `env:"SHELL_ASSETS" envSeparator:"," envDefault:"/,/manifest.json,/offline.html"`
	StaticPrefixes []string `env:"STATIC_PREFIXES" envSeparator:"," envDefault:"/static/"`

	Runtime RuntimeConfig
	Quota   QuotaConfig
	Queue   QueueConfig

	AssetTTL      time.Duration `env:"ASSET_TTL" envDefault:"168h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"15s"`
	ProbePath     string        `env:"PROBE_PATH" envDefault:"/health"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// RuntimeConfig bounds the runtime response partition.
type RuntimeConfig struct {
	FreshnessWindow time.Duration `env:"FRESHNESS_WINDOW" envDefault:"24h"`
	MaxItems        int           `env:"RUNTIME_MAX_ITEMS" envDefault:"50"`
}

// QuotaConfig bounds explicitly downloaded assets per owner.
type QuotaConfig struct {
	MaxBytes int64 `env:"QUOTA_MAX_BYTES" envDefault:"104857600"`
	MaxItems int   `env:"QUOTA_MAX_ITEMS" envDefault:"100"`
}

// QueueConfig controls replay retries of queued actions.
type QueueConfig struct {
	MaxAttempts    int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	InitialBackoff time.Duration `env:"QUEUE_INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"QUEUE_MAX_BACKOFF" envDefault:"5m"`
}

// Load parses the process environment and validates the result.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses the given environment map instead of the process environment.
func LoadFrom(environment map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environment})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("redis address is required")
	}
	if strings.TrimSpace(c.ManifestPath) == "" {
		return fmt.Errorf("manifest path is required")
	}
	origin, err := url.Parse(c.OriginURL)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("origin url must be absolute (got %q)", c.OriginURL)
	}
	if strings.TrimSpace(c.Generation) == "" {
		return fmt.Errorf("cache generation is required")
	}
	if c.Runtime.FreshnessWindow <= 0 {
		return fmt.Errorf("freshness window must be > 0 (got %s)", c.Runtime.FreshnessWindow)
	}
	if c.Runtime.MaxItems <= 0 {
		return fmt.Errorf("runtime max items must be > 0 (got %d)", c.Runtime.MaxItems)
	}
	if c.Quota.MaxBytes <= 0 || c.Quota.MaxItems <= 0 {
		return fmt.Errorf("quota limits must be > 0 (got %d bytes, %d items)", c.Quota.MaxBytes, c.Quota.MaxItems)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be >= 1 (got %d)", c.Queue.MaxAttempts)
	}
	if c.Queue.InitialBackoff <= 0 || c.Queue.MaxBackoff < c.Queue.InitialBackoff {
		return fmt.Errorf("queue backoff must satisfy 0 < initial <= max")
	}
	if c.AssetTTL <= 0 {
		return fmt.Errorf("asset ttl must be > 0")
	}
	return nil
}

// Origin returns the parsed origin URL. Validate guarantees it parses.
func (c Config) Origin() *url.URL {
	u, _ := url.Parse(c.OriginURL)
	return u
}
