package connectivity

import (
	"testing"
	"time"
)

func TestState_IsStale(t *testing.T) {
	now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		state    *State
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh state",
			state:    &State{LastProbe: now.Add(-10 * time.Second)},
			maxAge:   time.Minute,
			expected: false,
		},
		{
			name:     "stale state",
			state:    &State{LastProbe: now.Add(-2 * time.Minute)},
			maxAge:   time.Minute,
			expected: true,
		},
		{
			name:     "never probed",
			state:    &State{},
			maxAge:   time.Minute,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsStale(now, tt.maxAge); got != tt.expected {
				t.Errorf("IsStale() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_Apply(t *testing.T) {
	now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		start         State
		probes        []bool
		threshold     int
		wantOnline    bool
		wantFailures  int
		wantFlipCount int
	}{
		{
			name:          "single failure stays online",
			start:         State{Online: true},
			probes:        []bool{false},
			threshold:     2,
			wantOnline:    true,
			wantFailures:  1,
			wantFlipCount: 0,
		},
		{
			name:          "threshold failures go offline",
			start:         State{Online: true},
			probes:        []bool{false, false, false},
			threshold:     2,
			wantOnline:    false,
			wantFailures:  3,
			wantFlipCount: 1,
		},
		{
			name:          "success resets failures",
			start:         State{Online: true},
			probes:        []bool{false, true, false},
			threshold:     2,
			wantOnline:    true,
			wantFailures:  1,
			wantFlipCount: 0,
		},
		{
			name:          "one success comes back online",
			start:         State{Online: false, ConsecutiveFailures: 4},
			probes:        []bool{true},
			threshold:     2,
			wantOnline:    true,
			wantFailures:  0,
			wantFlipCount: 1,
		},
		{
			name:          "zero threshold behaves as one",
			start:         State{Online: true},
			probes:        []bool{false},
			threshold:     0,
			wantOnline:    false,
			wantFailures:  1,
			wantFlipCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := tt.start
			flips := 0
			for i, ok := range tt.probes {
				if state.Apply(ok, now.Add(time.Duration(i)*time.Second), tt.threshold) {
					flips++
				}
			}

			if state.Online != tt.wantOnline {
				t.Errorf("Online = %v, want %v", state.Online, tt.wantOnline)
			}
			if state.ConsecutiveFailures != tt.wantFailures {
				t.Errorf("ConsecutiveFailures = %d, want %d", state.ConsecutiveFailures, tt.wantFailures)
			}
			if flips != tt.wantFlipCount {
				t.Errorf("flips = %d, want %d", flips, tt.wantFlipCount)
			}
			if want := now.Add(time.Duration(len(tt.probes)-1) * time.Second); !state.LastProbe.Equal(want) {
				t.Errorf("LastProbe = %v, want %v", state.LastProbe, want)
			}
		})
	}
}
