package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/goleak"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

func newTestScheduler(t *testing.T, store *docstore.Store) *Scheduler {
	t.Helper()
	s, err := New(Options{
		Store:       store,
		Workers:     3,
		MaxAttempts: 3,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	if err != nil {
		t.Fatalf("new scheduler failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("scheduler did not settle: %v", err)
	}
}

func createContact(t *testing.T, store *docstore.Store, name string) *docstore.Document {
	t.Helper()
	doc, err := store.Create(&docstore.Document{Doctype: docstore.DoctypeContacts, Attributes: json.RawMessage(`{"fn":"` + name + `"}`)})
	if err != nil {
		t.Fatalf("create contact failed: %v", err)
	}
	return doc
}

func TestEventTriggerRunsOneJobPerChangeInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := docstore.NewStore()
	s := newTestScheduler(t, store)

	var mu sync.Mutex
	var seen []string
	s.RegisterWorker("track", func(ctx context.Context, job Job) error {
		if job.Event == nil {
			return errors.New("expected an event")
		}
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		seen = append(seen, job.Event.ID)
		mu.Unlock()
		return nil
	})
	if _, err := s.AddTrigger(Trigger{ID: "track-s1", Type: TypeEvent, Worker: "track", Arguments: docstore.DoctypeContacts, Message: Message{SharingID: "s1"}}); err != nil {
		t.Fatalf("add trigger failed: %v", err)
	}
	s.Start()

	var want []string
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		want = append(want, createContact(t, store, name).ID)
	}
	waitIdle(t, s)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected job %d for %s, got %s", i, want[i], seen[i])
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestDebouncedTriggerCoalescesBurst(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := docstore.NewStore()
	s := newTestScheduler(t, store)

	var runs atomic.Int32
	s.RegisterWorker("replicate", func(ctx context.Context, job Job) error {
		if job.Message.SharingID != "s1" {
			t.Errorf("expected sharing s1, got %q", job.Message.SharingID)
		}
		runs.Add(1)
		return nil
	})
	if _, err := s.AddTrigger(Trigger{ID: "replicate-s1", Type: TypeEvent, Worker: "replicate", Arguments: docstore.DoctypeContacts, Debounce: "30ms", Message: Message{SharingID: "s1"}}); err != nil {
		t.Fatalf("add trigger failed: %v", err)
	}
	s.Start()
	for i := 0; i < 10; i++ {
		createContact(t, store, "burst")
	}
	waitIdle(t, s)
	if got := runs.Load(); got != 1 {
		t.Fatalf("expected one coalesced run, got %d", got)
	}
	_ = s.Close()
}

func TestCoalescableJobsFoldIntoOneTrailingRun(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := docstore.NewStore()
	s := newTestScheduler(t, store)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var runs atomic.Int32
	s.RegisterWorker("replicate", func(ctx context.Context, job Job) error {
		if runs.Add(1) == 1 {
			started <- struct{}{}
			<-release
		}
		return nil
	})
	if _, err := s.AddTrigger(Trigger{ID: "replicate-s1", Type: TypeWebhook, Worker: "replicate"}); err != nil {
		t.Fatalf("add trigger failed: %v", err)
	}
	s.Start()
	if err := s.FireTrigger("replicate-s1"); err != nil {
		t.Fatalf("fire failed: %v", err)
	}
	<-started
	for i := 0; i < 5; i++ {
		if err := s.FireTrigger("replicate-s1"); err != nil {
			t.Fatalf("fire failed: %v", err)
		}
	}
	// Let the extra jobs reach the dispatcher before releasing the first run.
	deadline := time.Now().Add(time.Second)
	for s.queue.Depth() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	waitIdle(t, s)
	if got := runs.Load(); got != 2 {
		t.Fatalf("expected the running job plus one trailing run, got %d", got)
	}
	_ = s.Close()
}

func TestFailingJobIsRetriedUntilSuccess(t *testing.T) {
	store := docstore.NewStore()
	s := newTestScheduler(t, store)

	var attempts atomic.Int32
	s.RegisterWorker("flaky", func(ctx context.Context, job Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("peer unavailable")
		}
		if job.Attempt != 3 {
			t.Errorf("expected attempt 3, got %d", job.Attempt)
		}
		return nil
	})
	if _, err := s.AddTrigger(Trigger{ID: "flaky", Type: TypeWebhook, Worker: "flaky"}); err != nil {
		t.Fatalf("add trigger failed: %v", err)
	}
	s.Start()
	if err := s.Webhook("flaky", json.RawMessage(`{"hello":"world"}`)); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}
	waitIdle(t, s)
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestPermanentErrorStopsRetries(t *testing.T) {
	store := docstore.NewStore()
	s := newTestScheduler(t, store)

	var attempts atomic.Int32
	s.RegisterWorker("revoked", func(ctx context.Context, job Job) error {
		attempts.Add(1)
		return Permanent(errors.New("sharing revoked"))
	})
	if _, err := s.AddTrigger(Trigger{ID: "revoked", Type: TypeWebhook, Worker: "revoked"}); err != nil {
		t.Fatalf("add trigger failed: %v", err)
	}
	s.Start()
	if err := s.FireTrigger("revoked"); err != nil {
		t.Fatalf("fire failed: %v", err)
	}
	waitIdle(t, s)
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestPanickingWorkerDoesNotKillPool(t *testing.T) {
	store := docstore.NewStore()
	s := newTestScheduler(t, store)

	var calls atomic.Int32
	s.RegisterWorker("boom", func(ctx context.Context, job Job) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	if _, err := s.AddTrigger(Trigger{ID: "boom", Type: TypeWebhook, Worker: "boom"}); err != nil {
		t.Fatalf("add trigger failed: %v", err)
	}
	s.Start()
	_ = s.FireTrigger("boom")
	waitIdle(t, s)
	_ = s.FireTrigger("boom")
	waitIdle(t, s)
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestAddTriggerIsIdempotentByID(t *testing.T) {
	store := docstore.NewStore()
	s := newTestScheduler(t, store)
	s.RegisterWorker("track", func(context.Context, Job) error { return nil })

	first, err := s.AddTrigger(Trigger{ID: "track-s1", Type: TypeEvent, Worker: "track", Arguments: docstore.DoctypeContacts})
	if err != nil {
		t.Fatalf("add trigger failed: %v", err)
	}
	second, err := s.AddTrigger(Trigger{ID: "track-s1", Type: TypeEvent, Worker: "track", Arguments: docstore.DoctypeFiles})
	if err != nil {
		t.Fatalf("second add failed: %v", err)
	}
	if second.Arguments != first.Arguments {
		t.Fatalf("expected existing trigger %q, got %q", first.Arguments, second.Arguments)
	}
	if got := len(s.ListTriggers()); got != 1 {
		t.Fatalf("expected 1 trigger, got %d", got)
	}
	if got := len(store.All(docstore.DoctypeTriggers)); got != 1 {
		t.Fatalf("expected 1 stored trigger, got %d", got)
	}
}

func TestAddTriggerValidation(t *testing.T) {
	store := docstore.NewStore()
	s := newTestScheduler(t, store)
	s.RegisterWorker("track", func(context.Context, Job) error { return nil })

	cases := []struct {
		name    string
		trigger Trigger
		want    error
	}{
		{"unknown worker", Trigger{Type: TypeWebhook, Worker: "nope"}, ErrUnknownWorker},
		{"missing doctypes", Trigger{Type: TypeEvent, Worker: "track"}, ErrInvalidInput},
		{"bad schedule", Trigger{Type: TypeCron, Worker: "track", Arguments: "every tuesday"}, ErrInvalidInput},
		{"bad debounce", Trigger{Type: TypeEvent, Worker: "track", Arguments: docstore.DoctypeFiles, Debounce: "soon"}, ErrInvalidInput},
		{"unknown type", Trigger{Type: "@in", Worker: "track"}, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.AddTrigger(tc.trigger); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDeleteTriggerStopsEvents(t *testing.T) {
	store := docstore.NewStore()
	s := newTestScheduler(t, store)
	var runs atomic.Int32
	s.RegisterWorker("track", func(context.Context, Job) error {
		runs.Add(1)
		return nil
	})
	if _, err := s.AddTrigger(Trigger{ID: "track-s1", Type: TypeEvent, Worker: "track", Arguments: docstore.DoctypeContacts}); err != nil {
		t.Fatalf("add trigger failed: %v", err)
	}
	s.Start()
	createContact(t, store, "before")
	waitIdle(t, s)
	if err := s.DeleteTrigger("track-s1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	createContact(t, store, "after")
	waitIdle(t, s)
	if got := runs.Load(); got != 1 {
		t.Fatalf("expected 1 run, got %d", got)
	}
	if err := s.DeleteTrigger("track-s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := s.GetTrigger("track-s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTriggersReloadFromStore(t *testing.T) {
	store := docstore.NewStore()
	first := newTestScheduler(t, store)
	first.RegisterWorker("track", func(context.Context, Job) error { return nil })
	if _, err := first.AddTrigger(Trigger{ID: "track-s1", Type: TypeEvent, Worker: "track", Arguments: docstore.DoctypeContacts, Message: Message{SharingID: "s1"}}); err != nil {
		t.Fatalf("add trigger failed: %v", err)
	}
	_ = first.Close()

	second := newTestScheduler(t, store)
	got, err := second.GetTrigger("track-s1")
	if err != nil {
		t.Fatalf("expected reloaded trigger, got %v", err)
	}
	if got.Message.SharingID != "s1" || !got.Listens(docstore.DoctypeContacts) {
		t.Fatalf("unexpected reloaded trigger %+v", got)
	}
}

func TestWebhookRequiresWebhookTrigger(t *testing.T) {
	store := docstore.NewStore()
	s := newTestScheduler(t, store)
	s.RegisterWorker("track", func(context.Context, Job) error { return nil })
	if _, err := s.AddTrigger(Trigger{ID: "track-s1", Type: TypeEvent, Worker: "track", Arguments: docstore.DoctypeContacts}); err != nil {
		t.Fatalf("add trigger failed: %v", err)
	}
	if err := s.Webhook("track-s1", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := s.Webhook("missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClosedSchedulerRejectsWork(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := docstore.NewStore()
	s := newTestScheduler(t, store)
	s.RegisterWorker("track", func(context.Context, Job) error { return nil })
	if _, err := s.AddTrigger(Trigger{ID: "webhook", Type: TypeWebhook, Worker: "track"}); err != nil {
		t.Fatalf("add trigger failed: %v", err)
	}
	s.Start()
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if err := s.FireTrigger("webhook"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.AddTrigger(Trigger{Type: TypeWebhook, Worker: "track"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
