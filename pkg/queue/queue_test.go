package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/manifest"
	"github.com/rs/zerolog"
)

var (
	errOffline     = &client.OriginError{ErrorClass: client.ErrorClassNetwork, Message: "send", Err: errors.New("connection refused")}
	errUnavailable = &client.OriginError{StatusCode: http.StatusServiceUnavailable, ErrorClass: client.ErrorClassServer, Message: "503 Service Unavailable"}
	errRejected    = &client.OriginError{StatusCode: http.StatusBadRequest, ErrorClass: client.ErrorClassClient, Message: "400 Bad Request"}
)

// fakeSender records deliveries. failures maps an action type to errors
// returned on successive sends; offline fails every send with a network error.
type fakeSender struct {
	mu        sync.Mutex
	delivered []client.Delivery
	calls     int
	offline   bool
	failures  map[string][]error
	sending   int
	maxActive int
	delay     time.Duration
}

func newFakeSender() *fakeSender {
	return &fakeSender{failures: make(map[string][]error)}
}

func (s *fakeSender) Send(_ context.Context, d client.Delivery) error {
	s.mu.Lock()
	s.calls++
	s.sending++
	s.maxActive = max(s.maxActive, s.sending)
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sending--
	if s.offline {
		return errOffline
	}
	if errs := s.failures[d.ActionType]; len(errs) > 0 {
		err := errs[0]
		if len(errs) > 1 {
			s.failures[d.ActionType] = errs[1:]
		}
		if err != nil {
			return err
		}
	}
	s.delivered = append(s.delivered, d)
	return nil
}

func (s *fakeSender) setOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *fakeSender) fail(actionType string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[actionType] = errs
}

func (s *fakeSender) deliveredTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.delivered))
	for _, d := range s.delivered {
		types = append(types, d.ActionType)
	}
	return types
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	queue  *Queue
	store  *manifest.Store
	sender *fakeSender
	now    time.Time
}

func testPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Minute}
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()

	st, err := manifest.Open(context.Background(), filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store:  st,
		sender: newFakeSender(),
		now:    time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC),
	}
	q, err := New(st, f.sender, policy, zerolog.Nop())
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.SetClock(func() time.Time { return f.now })
	f.queue = q
	return f
}

func (f *fixture) enqueue(t *testing.T, owner, actionType string) manifest.Action {
	t.Helper()
	a, err := f.queue.Enqueue(context.Background(), owner, actionType, json.RawMessage(`{"story_id":"s-1"}`))
	if err != nil {
		t.Fatalf("enqueue %s: %v", actionType, err)
	}
	return a
}

func (f *fixture) depth(t *testing.T, owner string) int {
	t.Helper()
	n, err := f.queue.Depth(context.Background(), owner)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	return n
}

func TestNew_Validation(t *testing.T) {
	st := &manifest.Store{}
	sender := newFakeSender()

	tests := []struct {
		name   string
		store  Store
		sender Sender
		policy Policy
	}{
		{"nil store", nil, sender, DefaultPolicy()},
		{"nil sender", st, nil, DefaultPolicy()},
		{"zero attempts", st, sender, Policy{InitialBackoff: time.Second, MaxBackoff: time.Second}},
		{"max below initial", st, sender, Policy{MaxAttempts: 1, InitialBackoff: time.Minute, MaxBackoff: time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.store, tt.sender, tt.policy, zerolog.Nop()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReplay_DeliversInOrderAfterReconnect(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	f.sender.setOffline(true)

	for _, typ := range []string{"create_story", "rename_story", "publish_story"} {
		f.enqueue(t, "u", typ)
	}

	report, err := f.queue.Replay(ctx)
	if err != nil {
		t.Fatalf("offline replay: %v", err)
	}
	if !report.Halted || report.Sent != 0 || report.Remaining != 3 {
		t.Errorf("offline report = %+v", report)
	}
	if want := f.now.Add(time.Second); !report.RetryAt.Equal(want) {
		t.Errorf("offline RetryAt = %v, want %v", report.RetryAt, want)
	}
	head, _ := f.store.QueuedActions(ctx, 1)
	if head[0].Attempts != 0 {
		t.Errorf("offline attempt consumed retries: attempts = %d", head[0].Attempts)
	}

	f.sender.setOffline(false)
	report, err = f.queue.Replay(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if report.Sent != 3 || report.Remaining != 0 || report.Halted {
		t.Errorf("report = %+v", report)
	}
	if got := fmt.Sprint(f.sender.deliveredTypes()); got != "[create_story rename_story publish_story]" {
		t.Errorf("delivery order = %s", got)
	}
	if d := f.depth(t, "u"); d != 0 {
		t.Errorf("depth = %d, want 0", d)
	}
}

func TestReplay_TransientFailureHaltsAndBacksOff(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	first := f.enqueue(t, "u", "first")
	f.enqueue(t, "u", "second")
	f.sender.fail("first", errUnavailable, nil)

	report, err := f.queue.Replay(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !report.Halted || report.Sent != 0 {
		t.Errorf("report = %+v, want halted with nothing sent", report)
	}
	if want := f.now.Add(time.Second); !report.RetryAt.Equal(want) {
		t.Errorf("RetryAt = %v, want %v", report.RetryAt, want)
	}

	stored, err := f.store.GetAction(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != manifest.ActionQueued || stored.Attempts != 1 {
		t.Errorf("failed action = %s/%d attempts, want queued/1", stored.Status, stored.Attempts)
	}

	// Still inside the backoff: nothing is sent.
	calls := f.sender.callCount()
	if _, err := f.queue.Replay(ctx); err != nil {
		t.Fatal(err)
	}
	if f.sender.callCount() != calls {
		t.Error("replay sent during backoff")
	}

	f.now = f.now.Add(time.Second)
	report, err = f.queue.Replay(ctx)
	if err != nil {
		t.Fatalf("replay after backoff: %v", err)
	}
	if report.Sent != 2 {
		t.Errorf("Sent = %d, want 2", report.Sent)
	}
	if got := fmt.Sprint(f.sender.deliveredTypes()); got != "[first second]" {
		t.Errorf("delivery order = %s", got)
	}
}

func TestReplay_ExhaustedRetriesMarkFailed(t *testing.T) {
	f := newFixture(t, Policy{MaxAttempts: 2, InitialBackoff: time.Second, MaxBackoff: time.Second})
	ctx := context.Background()

	doomed := f.enqueue(t, "u", "doomed")
	f.enqueue(t, "u", "next")
	f.sender.fail("doomed", errUnavailable)

	if _, err := f.queue.Replay(ctx); err != nil {
		t.Fatalf("first replay: %v", err)
	}
	f.now = f.now.Add(time.Second)

	report, err := f.queue.Replay(ctx)
	if !errors.Is(err, ErrReplayFailed) {
		t.Fatalf("err = %v, want ErrReplayFailed", err)
	}
	if report.Failed != 1 || report.Sent != 1 {
		t.Errorf("report = %+v, want 1 failed and 1 sent", report)
	}

	stored, _ := f.store.GetAction(ctx, doomed.ID)
	if stored.Status != manifest.ActionFailed || stored.Attempts != 2 {
		t.Errorf("doomed = %s/%d, want failed/2", stored.Status, stored.Attempts)
	}
	if d := f.depth(t, "u"); d != 0 {
		t.Errorf("depth = %d, want 0", d)
	}
}

func TestReplay_RejectedActionIsSkipped(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	bad := f.enqueue(t, "u", "bad")
	f.enqueue(t, "u", "good")
	f.sender.fail("bad", errRejected)

	report, err := f.queue.Replay(ctx)
	if !errors.Is(err, ErrReplayFailed) {
		t.Fatalf("err = %v, want ErrReplayFailed", err)
	}
	if report.Sent != 1 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
	stored, _ := f.store.GetAction(ctx, bad.ID)
	if stored.Status != manifest.ActionFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
}

func TestReplay_NeverRunsInParallel(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.sender.delay = 5 * time.Millisecond
	for i := 0; i < 4; i++ {
		f.enqueue(t, "u", fmt.Sprintf("a%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.queue.Replay(context.Background())
		}()
	}
	wg.Wait()

	if f.sender.maxActive != 1 {
		t.Errorf("concurrent sends = %d, want 1", f.sender.maxActive)
	}
	if got := fmt.Sprint(f.sender.deliveredTypes()); got != "[a0 a1 a2 a3]" {
		t.Errorf("deliveries = %s, want each action once in order", got)
	}
}

func TestDepth_PerOwner(t *testing.T) {
	f := newFixture(t, testPolicy())

	f.enqueue(t, "u", "x")
	f.enqueue(t, "u", "y")
	f.enqueue(t, "v", "z")

	if d := f.depth(t, "u"); d != 2 {
		t.Errorf("depth(u) = %d, want 2", d)
	}
	if d := f.depth(t, "v"); d != 1 {
		t.Errorf("depth(v) = %d, want 1", d)
	}
}

func TestEnqueue_SchedulesReplay(t *testing.T) {
	f := newFixture(t, testPolicy())
	trigger := NewTrigger()
	f.queue.SetScheduler(trigger)

	f.enqueue(t, "u", "x")
	f.enqueue(t, "u", "y")

	select {
	case <-trigger.C():
	default:
		t.Fatal("enqueue did not schedule a replay")
	}
	select {
	case <-trigger.C():
		t.Error("schedule requests were not coalesced")
	default:
	}
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t, testPolicy())

	if _, err := f.queue.Enqueue(context.Background(), "", "x", nil); err == nil {
		t.Error("expected error for missing owner")
	}
	if _, err := f.queue.Enqueue(context.Background(), "u", "x", json.RawMessage(`{`)); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestRun_DrainsOnStartAndTrigger(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.enqueue(t, "u", "persisted")

	trigger := NewTrigger()
	f.queue.SetScheduler(trigger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.queue.Run(ctx, trigger.C()) }()

	waitForDepth(t, f, 0)
	f.enqueue(t, "u", "later")
	waitForDepth(t, f, 0)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if got := fmt.Sprint(f.sender.deliveredTypes()); got != "[persisted later]" {
		t.Errorf("deliveries = %s", got)
	}
}

func TestRun_RetriesAfterBriefOutageWithoutTrigger(t *testing.T) {
	f := newFixture(t, Policy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: time.Second})
	f.sender.setOffline(true)
	f.enqueue(t, "u", "create_story")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.queue.Run(ctx, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.sender.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.sender.callCount() < 2 {
		t.Fatalf("sender calls = %d, want a retry while offline", f.sender.callCount())
	}

	f.sender.setOffline(false)
	waitForDepth(t, f, 0)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if got := fmt.Sprint(f.sender.deliveredTypes()); got != "[create_story]" {
		t.Errorf("deliveries = %s", got)
	}
}

func TestReplayReport_OmitsZeroRetryAt(t *testing.T) {
	data, err := json.Marshal(ReplayReport{Sent: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != `{"sent":1,"failed":0,"remaining":0,"halted":false}` {
		t.Errorf("json = %s", got)
	}
}

func waitForDepth(t *testing.T, f *fixture, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.depth(t, "u") == want && len(f.sender.deliveredTypes()) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue depth did not reach %d", want)
}
