// Package connectivity tracks whether the app origin is reachable. Probe
// results are kept in Redis so every process sharing the store agrees on
// the current state, and transitions are published to subscribers such as
// the offline mutation queue.
package connectivity

import (
	"time"
)

// Redis keys for connectivity state storage.
const (
	RedisKeyOnline              = "offline:connectivity:online"
	RedisKeyConsecutiveFailures = "offline:connectivity:consecutive_failures"
	RedisKeyLastChange          = "offline:connectivity:last_change"
	RedisKeyLastProbe           = "offline:connectivity:last_probe"
)

// DefaultFailureThreshold is how many consecutive failed probes flip the
// state to offline. One success flips it back.
const DefaultFailureThreshold = 2

// State is the shared connectivity state.
type State struct {
	// Online reports whether the origin is considered reachable.
	Online bool `json:"online"`

	// ConsecutiveFailures counts failed probes since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastChange is when Online last flipped.
	LastChange time.Time `json:"last_change"`

	// LastProbe is when the last probe result was recorded.
	LastProbe time.Time `json:"last_probe"`
}

// IsStale reports whether no probe was recorded within maxAge of now.
func (s *State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastProbe) > maxAge
}

// Apply folds one probe result into the state and reports whether Online
// flipped.
func (s *State) Apply(ok bool, now time.Time, threshold int) bool {
	if threshold < 1 {
		threshold = 1
	}
	s.LastProbe = now

	if ok {
		s.ConsecutiveFailures = 0
		if !s.Online {
			s.Online = true
			s.LastChange = now
			return true
		}
		return false
	}

	s.ConsecutiveFailures++
	if s.Online && s.ConsecutiveFailures >= threshold {
		s.Online = false
		s.LastChange = now
		return true
	}
	return false
}
