package queue

// Scheduler is a deferred replay trigger. Schedule must not block.
type Scheduler interface {
	Schedule()
}

// Trigger coalesces replay requests into a channel with room for one
// pending signal. It implements Scheduler.
type Trigger struct {
	c chan struct{}
}

// NewTrigger creates a trigger.
func NewTrigger() *Trigger {
	return &Trigger{c: make(chan struct{}, 1)}
}

// Schedule requests a replay. Requests made while one is pending coalesce.
func (t *Trigger) Schedule() {
	select {
	case t.c <- struct{}{}:
	default:
	}
}

// C returns the channel that receives one value per pending request.
func (t *Trigger) C() <-chan struct{} {
	return t.c
}
