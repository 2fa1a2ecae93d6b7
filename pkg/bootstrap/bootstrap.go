package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

// ErrInstallFailed indicates the shell could not be pinned completely.
var ErrInstallFailed = errors.New("install failed")

// Prometheus metrics for install and activation.
var (
	installsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_bootstrap_installs_total",
		Help: "Total number of shell installs by outcome",
	}, []string{"outcome"})

	partitionsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_bootstrap_partitions_dropped_total",
		Help: "Total number of stale partitions dropped on activation",
	})
)

// ShellStore is the partition the shell is pinned into. *store.Partition
// implements it.
type ShellStore interface {
	Name() string
	Put(ctx context.Context, entry *store.Entry) error
	Drop(ctx context.Context) error
}

// Registry enumerates and drops partitions. *store.Registry implements it.
type Registry interface {
	Names(ctx context.Context) ([]string, error)
	Drop(ctx context.Context, name string) error
	SetActiveGeneration(ctx context.Context, gen string) error
}

// Clients takes control of request handlers that are already running so
// they use the new generation without a restart.
type Clients interface {
	Claim(ctx context.Context, gen Generation) error
}

// ClaimFunc adapts a function to Clients.
type ClaimFunc func(ctx context.Context, gen Generation) error

// Claim calls f.
func (f ClaimFunc) Claim(ctx context.Context, gen Generation) error {
	return f(ctx, gen)
}

// Bootstrapper installs and activates generations.
type Bootstrapper struct {
	registry  Registry
	precacher *Precacher
	clients   Clients
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a bootstrapper. clients may be nil.
func New(registry Registry, fetcher Fetcher, config PrecacheConfig, clients Clients, logger zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{
		registry:  registry,
		precacher: NewPrecacher(fetcher, config),
		clients:   clients,
		logger:    logger,
		now:       time.Now,
	}
}

// InstallReport summarizes an install.
type InstallReport struct {
	Partition string
	Assets    int
	Bytes     int64
}

// Install pins every asset into shell. If any fetch fails nothing is
// written; if a write fails the partition is dropped. Either way the error
// wraps ErrInstallFailed and the previous generation stays in use.
func (b *Bootstrapper) Install(ctx context.Context, shell ShellStore, assets []string) (InstallReport, error) {
	report := InstallReport{Partition: shell.Name()}
	logger := b.logger.With().Str("partition", shell.Name()).Logger()

	payloads, err := b.precacher.FetchAll(ctx, assets)
	if err != nil {
		installsTotal.WithLabelValues("fetch_failed").Inc()
		logger.Error().Err(err).Msg("Shell install failed")
		return report, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	now := b.now()
	for _, payload := range payloads {
		u, err := url.Parse(payload.URL)
		if err != nil {
			return report, b.abortInstall(ctx, shell, logger, fmt.Errorf("parse %s: %w", payload.URL, err))
		}
		entry := &store.Entry{
			Key:        cache.KeyForURL(u).String(),
			Data:       payload.Data,
			StatusCode: payload.StatusCode,
			Headers:    payload.Header,
			CapturedAt: now,
			SourceKind: store.SourcePrecache,
		}
		if err := shell.Put(ctx, entry); err != nil {
			return report, b.abortInstall(ctx, shell, logger, fmt.Errorf("store %s: %w", entry.Key, err))
		}
		report.Assets++
		report.Bytes += payload.Size()
	}

	installsTotal.WithLabelValues("installed").Inc()
	logger.Info().Int("assets", report.Assets).Int64("bytes", report.Bytes).Msg("Shell installed")
	return report, nil
}

func (b *Bootstrapper) abortInstall(ctx context.Context, shell ShellStore, logger zerolog.Logger, cause error) error {
	installsTotal.WithLabelValues("write_failed").Inc()
	if err := shell.Drop(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to drop partial shell")
	}
	logger.Error().Err(cause).Msg("Shell install failed")
	return fmt.Errorf("%w: %w", ErrInstallFailed, cause)
}

// ActivateReport summarizes an activation.
type ActivateReport struct {
	Generation Generation
	Dropped    []string
}

// Activate drops every registered partition that is neither part of gen
// nor listed in preserve, records gen as active and claims running clients.
func (b *Bootstrapper) Activate(ctx context.Context, gen Generation, preserve ...string) (ActivateReport, error) {
	report := ActivateReport{Generation: gen}
	if !gen.Valid() {
		return report, fmt.Errorf("invalid generation %q", gen)
	}

	names, err := b.registry.Names(ctx)
	if err != nil {
		return report, fmt.Errorf("list partitions: %w", err)
	}
	for _, name := range names {
		if gen.Owns(name) || slices.Contains(preserve, name) {
			continue
		}
		if err := b.registry.Drop(ctx, name); err != nil {
			return report, fmt.Errorf("drop stale partition: %w", err)
		}
		partitionsDroppedTotal.Inc()
		report.Dropped = append(report.Dropped, name)
	}

	if err := b.registry.SetActiveGeneration(ctx, string(gen)); err != nil {
		return report, err
	}
	if b.clients != nil {
		if err := b.clients.Claim(ctx, gen); err != nil {
			return report, fmt.Errorf("claim clients: %w", err)
		}
	}

	b.logger.Info().
		Str("generation", string(gen)).
		Strs("dropped", report.Dropped).
		Msg("Generation activated")
	return report, nil
}
