// Package queue persists mutations attempted while offline and replays them
// in insertion order once the origin is reachable again. Delivery is
// at-least-once: an action leaves the queue only after the origin confirmed
// it, so receivers must be idempotent per action id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/manifest"
)

// ErrReplayFailed indicates at least one action exhausted its retries or was
// rejected by the origin during replay.
var ErrReplayFailed = errors.New("replay failed")

// Store persists actions. *manifest.Store implements it.
type Store interface {
	InsertAction(ctx context.Context, action manifest.Action) (manifest.Action, error)
	QueuedActions(ctx context.Context, limit int) ([]manifest.Action, error)
	RecordAttempt(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error
	SetActionStatus(ctx context.Context, id string, status manifest.ActionStatus) error
	DeleteAction(ctx context.Context, id string) error
	PurgeSent(ctx context.Context) (int64, error)
	CountActions(ctx context.Context, ownerID string, status manifest.ActionStatus) (int, error)
}

// Sender delivers one action to the origin. *client.Client implements it.
type Sender interface {
	Send(ctx context.Context, d client.Delivery) error
}

// Queue is the offline mutation queue.
type Queue struct {
	store     Store
	sender    Sender
	policy    Policy
	scheduler Scheduler
	logger    zerolog.Logger

	// replayMu keeps replays strictly sequential.
	replayMu sync.Mutex

	clockMu sync.RWMutex
	now     func() time.Time
}

// New creates a queue.
func New(store Store, sender Sender, policy Policy, logger zerolog.Logger) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &Queue{
		store:  store,
		sender: sender,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetScheduler registers the deferred replay trigger notified on Enqueue.
// Without one, queued actions wait for an explicit Replay.
func (q *Queue) SetScheduler(s Scheduler) {
	q.scheduler = s
}

// SetClock replaces the time source (for testing).
func (q *Queue) SetClock(now func() time.Time) {
	q.clockMu.Lock()
	q.now = now
	q.clockMu.Unlock()
}

func (q *Queue) clock() time.Time {
	q.clockMu.RLock()
	defer q.clockMu.RUnlock()
	return q.now().UTC()
}

// Enqueue persists an action for later delivery.
func (q *Queue) Enqueue(ctx context.Context, ownerID, actionType string, payload json.RawMessage) (manifest.Action, error) {
	action, err := q.store.InsertAction(ctx, manifest.Action{
		OwnerID:    ownerID,
		ActionType: actionType,
		Payload:    payload,
		Status:     manifest.ActionQueued,
		CreatedAt:  q.clock(),
	})
	if err != nil {
		return manifest.Action{}, fmt.Errorf("enqueue %s: %w", actionType, err)
	}

	Enqueued.WithLabelValues(action.ActionType).Inc()
	q.updateDepth(ctx)
	q.logger.Info().
		Str("action_id", action.ID).
		Str("owner_id", action.OwnerID).
		Str("action_type", action.ActionType).
		Msg("Action queued")

	if q.scheduler != nil {
		q.scheduler.Schedule()
	}
	return action, nil
}

// Depth returns the number of queued actions of the owner.
func (q *Queue) Depth(ctx context.Context, ownerID string) (int, error) {
	n, err := q.store.CountActions(ctx, ownerID, manifest.ActionQueued)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ReplayReport summarizes one replay.
type ReplayReport struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`

	// Halted is set when replay stopped before the end of the queue to keep
	// order: the origin was unreachable or an action is waiting out its backoff.
	Halted bool `json:"halted"`

	// RetryAt is when replay should run again after a halt: the head action's
	// backoff, or one initial backoff after the origin was unreachable.
	RetryAt time.Time `json:"retry_at,omitzero"`
}

// Replay delivers queued actions one at a time in insertion order. It stops
// at the first transient failure so later actions never overtake an earlier
// one. Actions rejected by the origin or out of attempts are marked failed
// and skipped; their count is reported through ErrReplayFailed.
func (q *Queue) Replay(ctx context.Context) (ReplayReport, error) {
	q.replayMu.Lock()
	defer q.replayMu.Unlock()

	Replays.Inc()
	var report ReplayReport

	if n, err := q.store.PurgeSent(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to purge sent actions")
	} else if n > 0 {
		q.logger.Debug().Int64("purged", n).Msg("Purged sent actions")
	}

	actions, err := q.store.QueuedActions(ctx, 0)
	if err != nil {
		return report, fmt.Errorf("list queued actions: %w", err)
	}

	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		now := q.clock()
		if action.NextAttemptAt.After(now) {
			report.Halted = true
			report.RetryAt = action.NextAttemptAt
			break
		}

		stop, err := q.deliver(ctx, action, now, &report)
		if err != nil {
			return report, err
		}
		if stop {
			report.Halted = true
			break
		}
	}

	q.updateDepth(ctx)
	if remaining, err := q.store.CountActions(ctx, "", manifest.ActionQueued); err == nil {
		report.Remaining = remaining
	}

	logEvent := q.logger.Info()
	if report.Sent == 0 && report.Failed == 0 {
		logEvent = q.logger.Debug()
	}
	logEvent.
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Int("remaining", report.Remaining).
		Bool("halted", report.Halted).
		Msg("Replay finished")

	if report.Failed > 0 {
		return report, fmt.Errorf("%w: %d action(s) failed", ErrReplayFailed, report.Failed)
	}
	return report, nil
}

// deliver sends one action and records the outcome. stop reports whether
// replay must halt to preserve order.
func (q *Queue) deliver(ctx context.Context, action manifest.Action, now time.Time, report *ReplayReport) (stop bool, err error) {
	logger := q.logger.With().
		Str("action_id", action.ID).
		Str("action_type", action.ActionType).
		Int("attempt", action.Attempts+1).
		Logger()

	sendErr := q.sender.Send(ctx, client.Delivery{
		ID:         action.ID,
		OwnerID:    action.OwnerID,
		ActionType: action.ActionType,
		Payload:    action.Payload,
		CreatedAt:  action.CreatedAt,
	})

	switch {
	case sendErr == nil:
		// The row must say sent before it goes away; a crash in between
		// leaves it queued and it is delivered again.
		if err := q.store.SetActionStatus(ctx, action.ID, manifest.ActionSent); err != nil {
			return true, fmt.Errorf("mark action %s sent: %w", action.ID, err)
		}
		if err := q.store.DeleteAction(ctx, action.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to delete sent action")
		}
		Deliveries.WithLabelValues("sent").Inc()
		report.Sent++
		return false, nil

	case client.IsPermanent(sendErr):
		Deliveries.WithLabelValues("failed").Inc()
		logger.Error().Err(sendErr).Msg("Origin rejected action")
		return false, q.fail(ctx, action, action.Attempts+1, sendErr, report)

	case client.IsNetwork(sendErr):
		// Being offline is not the action's fault; attempts stay unchanged.
		Deliveries.WithLabelValues("offline").Inc()
		logger.Debug().Err(sendErr).Msg("Origin unreachable, replay halted")
		if err := q.store.RecordAttempt(ctx, action.ID, action.Attempts, time.Time{}, errorText(sendErr)); err != nil {
			return true, fmt.Errorf("record attempt: %w", err)
		}
		// Reconnects shorter than the connectivity threshold publish no
		// transition, so replay polls on its own.
		report.RetryAt = now.Add(q.policy.InitialBackoff)
		return true, nil
	}

	attempts := action.Attempts + 1
	if q.policy.Exhausted(attempts) {
		Deliveries.WithLabelValues("failed").Inc()
		logger.Error().Err(sendErr).Msg("Action exhausted retries")
		return false, q.fail(ctx, action, attempts, sendErr, report)
	}

	next := now.Add(q.policy.Delay(attempts))
	if err := q.store.RecordAttempt(ctx, action.ID, attempts, next, errorText(sendErr)); err != nil {
		return true, fmt.Errorf("record attempt: %w", err)
	}
	Deliveries.WithLabelValues("retry").Inc()
	logger.Warn().Err(sendErr).Time("next_attempt_at", next).Msg("Action delivery failed, will retry")
	report.RetryAt = next
	return true, nil
}

func (q *Queue) fail(ctx context.Context, action manifest.Action, attempts int, cause error, report *ReplayReport) error {
	if err := q.store.RecordAttempt(ctx, action.ID, attempts, time.Time{}, errorText(cause)); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if err := q.store.SetActionStatus(ctx, action.ID, manifest.ActionFailed); err != nil {
		return fmt.Errorf("mark action %s failed: %w", action.ID, err)
	}
	report.Failed++
	return nil
}

func (q *Queue) updateDepth(ctx context.Context) {
	n, err := q.store.CountActions(ctx, "", manifest.ActionQueued)
	if err != nil {
		return
	}
	Depth.Set(float64(n))
}

// Run replays whenever trigger fires and again when a backoff elapses,
// until ctx is done. A replay also runs at start to drain actions persisted
// by a previous process.
func (q *Queue) Run(ctx context.Context, trigger <-chan struct{}) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-trigger:
		case <-timer.C:
		}

		report, err := q.Replay(ctx)
		if err != nil && !errors.Is(err, ErrReplayFailed) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error().Err(err).Msg("Replay failed")
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if !report.RetryAt.IsZero() {
			timer.Reset(max(report.RetryAt.Sub(q.clock()), 0))
		}
	}
}

func errorText(err error) string {
	const limit = 500
	msg := strings.TrimSpace(err.Error())
	if len(msg) > limit {
		msg = msg[:limit]
	}
	return msg
}
