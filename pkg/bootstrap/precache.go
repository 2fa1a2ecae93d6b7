package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/offline-cache/pkg/client"
)

// PrecacheConfig holds shell fetch configuration.
type PrecacheConfig struct {
	// MaxConcurrency is the maximum number of parallel fetches.
	MaxConcurrency int

	// Timeout per asset fetch.
	Timeout time.Duration
}

// DefaultPrecacheConfig returns the default configuration.
func DefaultPrecacheConfig() PrecacheConfig {
	return PrecacheConfig{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
	}
}

// Fetcher fetches one asset. *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (*client.Payload, error)
}

// Precacher fetches a fixed asset list in parallel, all or nothing.
type Precacher struct {
	fetcher Fetcher
	config  PrecacheConfig
}

// NewPrecacher creates a precacher.
func NewPrecacher(fetcher Fetcher, config PrecacheConfig) *Precacher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &Precacher{fetcher: fetcher, config: config}
}

// FetchAll fetches every ref. The first failure cancels the remaining
// fetches and no payloads are returned. Results keep the order of refs.
func (p *Precacher) FetchAll(ctx context.Context, refs []string) ([]*client.Payload, error) {
	start := time.Now()
	results := make([]*client.Payload, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.MaxConcurrency)

	for i, ref := range refs {
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, p.config.Timeout)
			defer cancel()

			payload, err := p.fetcher.Fetch(fetchCtx, ref)
			if err != nil {
				log.Warn().
					Err(err).
					Str("asset", ref).
					Msg("Shell asset fetch failed")
				return fmt.Errorf("fetch %s: %w", ref, err)
			}
			results[i] = payload
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info().
		Int("assets", len(refs)).
		Dur("duration", time.Since(start)).
		Msg("Shell fetch complete")
	return results, nil
}
