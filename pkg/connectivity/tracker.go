package connectivity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for connectivity tracking.
var (
	originOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_origin_online",
		Help: "Whether the origin is considered reachable (1) or not (0)",
	})

	connectivityTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_connectivity_transitions_total",
		Help: "Total number of connectivity transitions by new state",
	}, []string{"state"})

	probeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_connectivity_probe_failures_total",
		Help: "Total number of failed origin probes",
	})
)

// Tracker keeps the connectivity state in Redis.
type Tracker struct {
	redis     *redis.Client
	logger    zerolog.Logger
	threshold int
}

// NewTracker creates a connectivity tracker using DefaultFailureThreshold.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:     redisClient,
		logger:    logger,
		threshold: DefaultFailureThreshold,
	}
}

// SetFailureThreshold changes how many failed probes mark the origin offline.
func (t *Tracker) SetFailureThreshold(n int) {
	if n > 0 {
		t.threshold = n
	}
}

// GetState retrieves the current state from Redis. Returns an online state
// if nothing has been recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	values, err := t.redis.MGet(ctx,
		RedisKeyOnline,
		RedisKeyConsecutiveFailures,
		RedisKeyLastChange,
		RedisKeyLastProbe,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("get connectivity state: %w", err)
	}

	if values[0] == nil {
		t.logger.Debug().Msg("No connectivity state in Redis, assuming online")
		return &State{Online: true}, nil
	}

	state := &State{Online: asString(values[0]) == "1"}
	if state.ConsecutiveFailures, err = parseInt(values[1]); err != nil {
		return nil, fmt.Errorf("parse consecutive failures: %w", err)
	}
	if state.LastChange, err = parseUnixMilli(values[2]); err != nil {
		return nil, fmt.Errorf("parse last change: %w", err)
	}
	if state.LastProbe, err = parseUnixMilli(values[3]); err != nil {
		return nil, fmt.Errorf("parse last probe: %w", err)
	}
	return state, nil
}

// Record folds a probe result into the stored state. probeErr nil means the
// origin answered. It returns the new state and whether Online flipped.
func (t *Tracker) Record(ctx context.Context, probeErr error, now time.Time) (*State, bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return nil, false, err
	}

	changed := state.Apply(probeErr == nil, now, t.threshold)
	if probeErr != nil {
		probeFailuresTotal.Inc()
	}

	online := "0"
	if state.Online {
		online = "1"
	}

	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyOnline, online, 0)
	pipe.Set(ctx, RedisKeyConsecutiveFailures, state.ConsecutiveFailures, 0)
	pipe.Set(ctx, RedisKeyLastChange, state.LastChange.UnixMilli(), 0)
	pipe.Set(ctx, RedisKeyLastProbe, state.LastProbe.UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("store connectivity state in redis: %w", err)
	}

	if state.Online {
		originOnline.Set(1)
	} else {
		originOnline.Set(0)
	}

	if changed {
		connectivityTransitionsTotal.WithLabelValues(stateLabel(state.Online)).Inc()
		if state.Online {
			t.logger.Info().Msg("Origin reachable again")
		} else {
			t.logger.Warn().
				Err(probeErr).
				Int("consecutive_failures", state.ConsecutiveFailures).
				Msg("Origin unreachable, switching to offline mode")
		}
	}
	return state, changed, nil
}

func stateLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func parseInt(v any) (int, error) {
	s := asString(v)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseUnixMilli(v any) (time.Time, error) {
	s := asString(v)
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if ms <= 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}
