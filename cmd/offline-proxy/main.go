package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/offline-cache/pkg/bootstrap"
	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/config"
	"github.com/Sternrassler/offline-cache/pkg/connectivity"
	"github.com/Sternrassler/offline-cache/pkg/control"
	"github.com/Sternrassler/offline-cache/pkg/coordinator"
	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/Sternrassler/offline-cache/pkg/manifest"
	"github.com/Sternrassler/offline-cache/pkg/metrics"
	"github.com/Sternrassler/offline-cache/pkg/queue"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Offline proxy failed")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")

	manifestStore, err := manifest.Open(ctx, cfg.ManifestPath)
	if err != nil {
		return err
	}
	defer manifestStore.Close()

	origin, err := client.New(client.DefaultConfig(cfg.OriginURL))
	if err != nil {
		return fmt.Errorf("create origin client: %w", err)
	}

	registry := store.NewRegistry(redisClient)
	gen := bootstrap.Generation(cfg.Generation)
	if !gen.Valid() {
		return fmt.Errorf("invalid cache generation %q", cfg.Generation)
	}
	active, err := registry.ActiveGeneration(ctx)
	if err != nil {
		return err
	}
	serving := gen
	if active != "" {
		serving = bootstrap.Generation(active)
	}
	parts, err := openPartitions(ctx, registry, serving)
	if err != nil {
		return err
	}

	interceptor, err := cache.NewInterceptor(http.DefaultTransport, parts, cache.Config{
		Origin:          cfg.Origin(),
		FreshnessWindow: cfg.Runtime.FreshnessWindow,
		MaxItems:        cfg.Runtime.MaxItems,
		StaticPrefixes:  cfg.StaticPrefixes,
		OwnerHeader:     control.DefaultOwnerHeader,
	}, logging.NewLogger("interceptor"))
	if err != nil {
		return fmt.Errorf("create interceptor: %w", err)
	}

	if active != string(gen) {
		claim := bootstrap.ClaimFunc(func(ctx context.Context, g bootstrap.Generation) error {
			next, err := openPartitions(ctx, registry, g)
			if err != nil {
				return err
			}
			interceptor.Use(next)
			return nil
		})
		boot := bootstrap.New(registry, origin, bootstrap.DefaultPrecacheConfig(), claim, logging.NewLogger("bootstrap"))
		if err := upgrade(ctx, boot, registry, gen, cfg.ShellAssets); err != nil {
			// The previous generation, if any, keeps serving.
			logger.Warn().Err(err).Str("generation", string(gen)).Str("active", active).Msg("Generation not activated")
		}
	} else {
		logger.Info().Str("generation", active).Msg("Generation already active")
	}

	objects, err := registry.Open(ctx, bootstrap.ObjectsPartition)
	if err != nil {
		return err
	}
	coord, err := coordinator.New(manifestStore, objects, origin, coordinator.Config{
		MaxBytes: cfg.Quota.MaxBytes,
		MaxItems: cfg.Quota.MaxItems,
		AssetTTL: cfg.AssetTTL,
	}, logging.NewLogger("coordinator"))
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	actions, err := queue.New(manifestStore, origin, queue.Policy{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		InitialBackoff: cfg.Queue.InitialBackoff,
		MaxBackoff:     cfg.Queue.MaxBackoff,
		Jitter:         true,
	}, logging.NewLogger("queue"))
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	trigger := queue.NewTrigger()
	actions.SetScheduler(trigger)

	tracker := connectivity.NewTracker(redisClient, logging.NewLogger("connectivity"))
	monitor, err := connectivity.NewMonitor(tracker, origin, cfg.ProbePath, cfg.ProbeInterval, logging.NewLogger("connectivity"))
	if err != nil {
		return fmt.Errorf("create connectivity monitor: %w", err)
	}

	dispatcher := control.NewDispatcher(coord, actions, logging.NewLogger("control"))
	identity := control.HeaderIdentity{Header: control.DefaultOwnerHeader}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(redisClient, manifestStore))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/control", control.NewHandler(dispatcher, identity, logging.NewLogger("control")))
	mux.Handle("/offline/assets/{asset_id}", control.NewAssetHandler(coord, identity, logging.NewLogger("assets")))
	mux.Handle("/", newProxy(cfg, interceptor, logging.NewLogger("proxy")))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Str("origin", cfg.OriginURL).Msg("Starting offline proxy")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return ignoreCanceled(monitor.Run(gctx))
	})
	g.Go(func() error {
		for range monitor.OnOnline(gctx) {
			trigger.Schedule()
		}
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(actions.Run(gctx, trigger.C()))
	})
	g.Go(func() error {
		return ignoreCanceled(runSweeper(gctx, coord, cfg.SweepInterval, logger))
	})

	err = g.Wait()
	logger.Info().Msg("Offline proxy stopped")
	return err
}

// upgrade pins the shell of gen and activates it. Nothing is activated if
// the install fails.
func upgrade(ctx context.Context, boot *bootstrap.Bootstrapper, registry *store.Registry, gen bootstrap.Generation, assets []string) error {
	shell, err := registry.Open(ctx, gen.Shell())
	if err != nil {
		return err
	}
	if _, err := boot.Install(ctx, shell, assets); err != nil {
		return err
	}
	if _, err := boot.Activate(ctx, gen, bootstrap.ObjectsPartition); err != nil {
		return fmt.Errorf("activate generation: %w", err)
	}
	return nil
}

func openPartitions(ctx context.Context, registry *store.Registry, gen bootstrap.Generation) (cache.Partitions, error) {
	shell, err := registry.Open(ctx, gen.Shell())
	if err != nil {
		return cache.Partitions{}, err
	}
	static, err := registry.Open(ctx, gen.Static())
	if err != nil {
		return cache.Partitions{}, err
	}
	runtime, err := registry.Open(ctx, gen.Runtime())
	if err != nil {
		return cache.Partitions{}, err
	}
	return cache.Partitions{Shell: shell, Static: static, Runtime: runtime}, nil
}

// newProxy forwards every other request to the origin through the interceptor.
func newProxy(cfg config.Config, transport http.RoundTripper, logger zerolog.Logger) http.Handler {
	origin := cfg.Origin()
	proxy := httputil.NewSingleHostReverseProxy(origin)
	proxy.Transport = transport
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Host = origin.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Origin unavailable")
		http.Error(w, "origin unavailable", http.StatusBadGateway)
	}
	return proxy
}

func runSweeper(ctx context.Context, coord *coordinator.Coordinator, interval time.Duration, logger zerolog.Logger) error {
	sweep := func() {
		report, err := coord.SweepAll(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Sweep failed")
			return
		}
		if report.Total() > 0 {
			logger.Info().
				Int("expired", report.Expired).
				Int("orphan_rows", report.OrphanRows).
				Int("orphan_objects", report.OrphanObjects).
				Msg("Sweep removed assets")
		}
	}

	sweep()
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweep()
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

type pinger interface {
	Ping(ctx context.Context) error
}

func readyHandler(redisClient *redis.Client, manifestStore pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := manifestStore.Ping(ctx); err != nil {
			http.Error(w, "manifest unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}
