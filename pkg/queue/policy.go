package queue

import (
	"fmt"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/client"
)

// Policy is the per-action retry policy for replay.
type Policy struct {
	// MaxAttempts is how many transient failures an action may accumulate
	// before it is marked failed.
	MaxAttempts int

	// InitialBackoff is the delay after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// Jitter spreads delays to avoid synchronized retries. Disabled in tests.
	Jitter bool
}

// DefaultPolicy returns 5 attempts with 1s doubling backoff capped at 5m.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
		Jitter:         true,
	}
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1")
	}
	if p.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be > 0")
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("max backoff must be >= initial backoff")
	}
	return nil
}

// Delay returns the wait after the given number of failed attempts.
func (p Policy) Delay(attempts int) time.Duration {
	d := client.Backoff(client.RetryConfig{
		InitialBackoff:    p.InitialBackoff,
		MaxBackoff:        p.MaxBackoff,
		BackoffMultiplier: 2,
	}, attempts)
	if p.Jitter {
		d = client.Jitter(d)
	}
	return d
}

// Exhausted reports whether attempts has reached the limit.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
