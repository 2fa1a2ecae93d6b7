package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *fakeProber) Ping(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *fakeProber) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// memoryRecorder applies probe results to an in-memory State.
type memoryRecorder struct {
	mu        sync.Mutex
	state     State
	threshold int
}

func (r *memoryRecorder) Record(_ context.Context, probeErr error, now time.Time) (*State, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := r.state.Apply(probeErr == nil, now, r.threshold)
	cp := r.state
	return &cp, changed, nil
}

func newTestMonitor(t *testing.T, interval time.Duration) (*Monitor, *fakeProber) {
	t.Helper()
	prober := &fakeProber{}
	m, err := NewMonitor(&memoryRecorder{state: State{Online: true}, threshold: 2}, prober, "/health", interval, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	return m, prober
}

func TestNewMonitor_Validation(t *testing.T) {
	rec := &memoryRecorder{}
	prober := &fakeProber{}

	tests := []struct {
		name     string
		recorder Recorder
		prober   Prober
		interval time.Duration
	}{
		{"nil recorder", nil, prober, time.Second},
		{"nil prober", rec, nil, time.Second},
		{"zero interval", rec, prober, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMonitor(tt.recorder, tt.prober, "/health", tt.interval, zerolog.Nop()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMonitor_ProbePublishesTransitions(t *testing.T) {
	m, prober := newTestMonitor(t, time.Second)
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	events := m.Subscribe()

	prober.setErr(errors.New("connection refused"))
	for i := 0; i < 2; i++ {
		if _, err := m.Probe(ctx); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case ev := <-events:
		if ev.Online || !ev.At.Equal(now) {
			t.Errorf("event = %+v, want offline at %v", ev, now)
		}
	default:
		t.Fatal("expected offline event")
	}

	prober.setErr(nil)
	state, err := m.Probe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Online {
		t.Error("state should be online after a successful probe")
	}
	select {
	case ev := <-events:
		if !ev.Online {
			t.Error("expected online event")
		}
	default:
		t.Fatal("expected online event")
	}

	if _, err := m.Probe(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event without transition: %+v", ev)
	default:
	}
}

func TestMonitor_SlowSubscriberSeesLatest(t *testing.T) {
	m, prober := newTestMonitor(t, time.Second)
	ctx := context.Background()
	events := m.Subscribe()

	prober.setErr(errors.New("down"))
	_, _ = m.Probe(ctx)
	_, _ = m.Probe(ctx) // offline
	prober.setErr(nil)
	_, _ = m.Probe(ctx) // online

	ev := <-events
	if !ev.Online {
		t.Error("pending event should be the latest (online)")
	}
}

func TestMonitor_OnOnlineAndRun(t *testing.T) {
	m, prober := newTestMonitor(t, 10*time.Millisecond)
	prober.setErr(errors.New("down"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	online := m.OnOnline(ctx)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for prober.callCount() < 3 {
		select {
		case <-deadline:
			t.Fatal("monitor did not probe")
		case <-time.After(5 * time.Millisecond):
		}
	}
	prober.setErr(nil)

	select {
	case <-online:
	case <-time.After(2 * time.Second):
		t.Fatal("no online signal after recovery")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}
