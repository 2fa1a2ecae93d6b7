package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Prober checks the origin. *client.Client implements it.
type Prober interface {
	Ping(ctx context.Context, path string) error
}

// Recorder persists probe results. *Tracker implements it.
type Recorder interface {
	Record(ctx context.Context, probeErr error, now time.Time) (*State, bool, error)
}

// Event is a connectivity transition.
type Event struct {
	Online bool
	At     time.Time
}

// Monitor probes the origin periodically and publishes transitions.
type Monitor struct {
	recorder Recorder
	prober   Prober
	path     string
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu          sync.Mutex
	subscribers []chan Event
	now         func() time.Time
}

// NewMonitor creates a monitor probing path every interval.
func NewMonitor(recorder Recorder, prober Prober, path string, interval time.Duration, logger zerolog.Logger) (*Monitor, error) {
	if recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if prober == nil {
		return nil, fmt.Errorf("prober is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("probe interval must be > 0")
	}
	if path == "" {
		path = "/"
	}
	return &Monitor{
		recorder: recorder,
		prober:   prober,
		path:     path,
		interval: interval,
		timeout:  min(interval, 10*time.Second),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock replaces the time source (for testing).
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Subscribe returns a channel receiving transitions. A slow subscriber only
// sees the latest pending transition.
func (m *Monitor) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 1)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// OnOnline returns a channel receiving a value each time the origin becomes
// reachable, for use as a replay trigger.
func (m *Monitor) OnOnline(ctx context.Context) <-chan struct{} {
	events := m.Subscribe()
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if !ev.Online {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

func (m *Monitor) publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			// Replace the stale pending event with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Probe runs one probe, records it and publishes a transition if any.
func (m *Monitor) Probe(ctx context.Context) (*State, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	probeErr := m.prober.Ping(probeCtx, m.path)
	cancel()

	m.mu.Lock()
	now := m.now()
	m.mu.Unlock()

	state, changed, err := m.recorder.Record(ctx, probeErr, now)
	if err != nil {
		return nil, fmt.Errorf("record probe: %w", err)
	}
	if changed {
		m.publish(Event{Online: state.Online, At: now})
	}
	return state, nil
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.Probe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn().Err(err).Msg("Connectivity probe not recorded")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
