package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/logging"
)

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 5
	idlePollInterval   = 5 * time.Millisecond
)

// WorkerFunc runs one job. Returning Permanent(err) stops the retries.
type WorkerFunc func(ctx context.Context, job Job) error

type Options struct {
	Store       *docstore.Store
	Queue       JobQueue
	Workers     int
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
	Logger      logging.Logger
}

// Permanent marks a worker error that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

type flight struct {
	backlog  []Job
	dirty    bool
	dirtyJob Job
}

// Scheduler owns the triggers of one instance and the pool of workers that
// run their jobs. Jobs sharing a trigger never run concurrently: event jobs
// queue behind the running one, debounced jobs fold into a single re-run.
type Scheduler struct {
	store       *docstore.Store
	queue       JobQueue
	workers     int
	maxAttempts int
	newBackOff  func() backoff.BackOff
	logger      logging.Logger
	now         func() time.Time

	mu       sync.Mutex
	handlers map[string]WorkerFunc
	triggers map[string]*Trigger
	timers   map[string]*time.Timer
	cronIDs  map[string]cron.EntryID
	running  map[string]*flight
	active   int
	started  bool
	closed   bool

	cron        *cron.Cron
	unsubscribe func()
	queueCtx    context.Context
	cancelQueue context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryJobQueue(1024)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	newBackOff := opts.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:       opts.Store,
		queue:       queue,
		workers:     workers,
		maxAttempts: maxAttempts,
		newBackOff:  newBackOff,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		handlers:    map[string]WorkerFunc{},
		triggers:    map[string]*Trigger{},
		timers:      map[string]*time.Timer{},
		cronIDs:     map[string]cron.EntryID{},
		running:     map[string]*flight{},
		cron:        cron.New(cron.WithParser(cronParser)),
		queueCtx:    ctx,
		cancelQueue: cancel,
	}
	for _, doc := range s.store.All(docstore.DoctypeTriggers) {
		t, err := triggerFromDocument(doc)
		if err != nil {
			cancel()
			return nil, err
		}
		if err := validateTrigger(t); err != nil {
			s.logger.Warn("skipping invalid trigger", "trigger", t.ID, "error", err)
			continue
		}
		s.triggers[t.ID] = t
		s.scheduleLocked(t)
	}
	s.active = queue.Depth()
	s.unsubscribe = s.store.Subscribe(s.onChange)
	return s, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.Multiplier = 2.0
	b.MaxElapsedTime = time.Minute
	return b
}

// RegisterWorker binds name to fn. Triggers naming an unregistered worker are
// rejected.
func (s *Scheduler) RegisterWorker(name string, fn WorkerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = fn
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.wg.Add(s.workers)
	s.mu.Unlock()
	for i := 0; i < s.workers; i++ {
		go s.runWorker()
	}
	s.cron.Start()
}

func (s *Scheduler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for id, timer := range s.timers {
			if timer.Stop() {
				s.active--
			}
			delete(s.timers, id)
		}
		s.mu.Unlock()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		<-s.cron.Stop().Done()
		s.cancelQueue()
		s.wg.Wait()
		err = s.queue.Close()
	})
	return err
}

func (s *Scheduler) AddTrigger(t Trigger) (*Trigger, error) {
	if err := validateTrigger(&t); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := s.handlers[t.Worker]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, t.Worker)
	}
	if existing, ok := s.triggers[t.ID]; ok && t.ID != "" {
		out := *existing
		s.mu.Unlock()
		return &out, nil
	}
	s.mu.Unlock()

	if t.ID == "" {
		t.ID = docstore.NewID()
	}
	t.CreatedAt = s.now()
	doc, err := triggerToDocument(&t)
	if err != nil {
		return nil, err
	}
	// The store publishes on this goroutine, so s.mu must not be held here.
	if _, err := s.store.Create(doc); err != nil {
		if !errors.Is(err, docstore.ErrRevisionConflict) {
			return nil, err
		}
		current, getErr := s.store.Get(docstore.DoctypeTriggers, t.ID)
		if getErr != nil {
			return nil, getErr
		}
		stored, decodeErr := triggerFromDocument(current)
		if decodeErr != nil {
			return nil, decodeErr
		}
		t = *stored
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.triggers[t.ID]; ok {
		out := *existing
		return &out, nil
	}
	stored := t
	s.triggers[t.ID] = &stored
	s.scheduleLocked(&stored)
	s.logger.Debug("trigger added", "trigger", t.ID, "type", t.Type, "worker", t.Worker)
	return &t, nil
}

func (s *Scheduler) GetTrigger(id string) (*Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

func (s *Scheduler) ListTriggers() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) DeleteTrigger(id string) error {
	doc, err := s.store.Get(docstore.DoctypeTriggers, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			s.mu.Lock()
			_, cached := s.triggers[id]
			s.forgetLocked(id)
			s.mu.Unlock()
			if cached {
				return nil
			}
			return ErrNotFound
		}
		return err
	}
	if _, err := s.store.Delete(docstore.DoctypeTriggers, id, doc.Rev); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	s.mu.Lock()
	s.forgetLocked(id)
	s.mu.Unlock()
	s.logger.Debug("trigger deleted", "trigger", id)
	return nil
}

func (s *Scheduler) forgetLocked(id string) {
	delete(s.triggers, id)
	if timer, ok := s.timers[id]; ok {
		if timer.Stop() {
			s.active--
		}
		delete(s.timers, id)
	}
	if entry, ok := s.cronIDs[id]; ok {
		s.cron.Remove(entry)
		delete(s.cronIDs, id)
	}
}

// FireTrigger queues one job of the trigger right away, ignoring its debounce.
func (s *Scheduler) FireTrigger(id string) error {
	return s.push(id, nil)
}

// Webhook queues a job of a @webhook trigger carrying payload.
func (s *Scheduler) Webhook(id string, payload json.RawMessage) error {
	t, err := s.GetTrigger(id)
	if err != nil {
		return err
	}
	if t.Type != TypeWebhook {
		return fmt.Errorf("%w: %s is not a webhook", ErrInvalidInput, id)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return s.push(id, payload)
}

func (s *Scheduler) push(id string, payload json.RawMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	t, ok := s.triggers[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	job := s.newJobLocked(t, nil)
	job.Payload = payload
	s.active++
	s.mu.Unlock()
	s.enqueue(job)
	return nil
}

// Idle reports whether no job is armed, queued or running.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	return active <= 0 && s.queue.Depth() == 0
}

// Wait blocks until the scheduler is idle or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		if s.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) scheduleLocked(t *Trigger) {
	if t.Type != TypeCron {
		return
	}
	id := t.ID
	entry, err := s.cron.AddFunc(t.Arguments, func() {
		if err := s.FireTrigger(id); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Warn("cron trigger failed", "trigger", id, "error", err)
		}
	})
	if err != nil {
		s.logger.Warn("cron schedule rejected", "trigger", id, "error", err)
		return
	}
	s.cronIDs[id] = entry
}

func (s *Scheduler) newJobLocked(t *Trigger, event *docstore.Change) Job {
	return Job{
		ID:        docstore.NewID(),
		TriggerID: t.ID,
		Worker:    t.Worker,
		Message:   t.Message,
		Event:     event,
		QueuedAt:  s.now(),
	}
}

func (s *Scheduler) onChange(change docstore.Change) {
	if change.Doctype == docstore.DoctypeTriggers {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(s.triggers))
	for id, t := range s.triggers {
		if t.Listens(change.Doctype) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var jobs []Job
	for _, id := range ids {
		t := s.triggers[id]
		if d := t.debounce(); d > 0 {
			if _, armed := s.timers[id]; armed {
				continue
			}
			s.active++
			triggerID := id
			s.timers[id] = time.AfterFunc(d, func() { s.fireDebounced(triggerID) })
			continue
		}
		event := change
		jobs = append(jobs, s.newJobLocked(t, &event))
		s.active++
	}
	s.mu.Unlock()
	for _, job := range jobs {
		s.enqueue(job)
	}
}

func (s *Scheduler) fireDebounced(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	t, ok := s.triggers[id]
	if !ok || s.closed {
		s.active--
		s.mu.Unlock()
		return
	}
	job := s.newJobLocked(t, nil)
	s.mu.Unlock()
	s.enqueue(job)
}

// enqueue hands job to the queue; the caller has already counted it active.
func (s *Scheduler) enqueue(job Job) {
	if s.queue.TryEnqueue(job) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.active--
		s.mu.Unlock()
		s.logger.Warn("job dropped on shutdown", "worker", job.Worker, "trigger", job.TriggerID)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		if !s.queue.Enqueue(s.queueCtx, job) {
			s.finish(1)
		}
	}()
}

func (s *Scheduler) finish(n int) {
	s.mu.Lock()
	s.active -= n
	s.mu.Unlock()
}

func (s *Scheduler) runWorker() {
	defer s.wg.Done()
	for {
		job, ok := s.queue.Dequeue(s.queueCtx)
		if !ok {
			return
		}
		s.dispatch(job)
	}
}

func (s *Scheduler) dispatch(job Job) {
	key := job.key()
	s.mu.Lock()
	if f, ok := s.running[key]; ok {
		switch {
		case !job.coalescable():
			f.backlog = append(f.backlog, job)
		case f.dirty:
			s.active--
		default:
			f.dirty = true
			f.dirtyJob = job
		}
		s.mu.Unlock()
		return
	}
	f := &flight{}
	s.running[key] = f
	s.mu.Unlock()

	for {
		s.execute(job)
		s.mu.Lock()
		s.active--
		if s.queueCtx.Err() != nil {
			s.active -= len(f.backlog)
			if f.dirty {
				s.active--
			}
			delete(s.running, key)
			s.mu.Unlock()
			return
		}
		if len(f.backlog) > 0 {
			job = f.backlog[0]
			f.backlog = f.backlog[1:]
			s.mu.Unlock()
			continue
		}
		if f.dirty {
			job = f.dirtyJob
			f.dirty = false
			f.dirtyJob = Job{}
			s.mu.Unlock()
			continue
		}
		delete(s.running, key)
		s.mu.Unlock()
		return
	}
}

func (s *Scheduler) execute(job Job) {
	s.mu.Lock()
	fn, ok := s.handlers[job.Worker]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("no worker for job", "worker", job.Worker, "trigger", job.TriggerID)
		return
	}
	b := backoff.WithMaxRetries(s.newBackOff(), uint64(s.maxAttempts-1))
	attempt := job.Attempt
	err := backoff.Retry(func() error {
		attempt++
		job.Attempt = attempt
		err := s.runSafely(fn, job)
		if err != nil && s.queueCtx.Err() == nil {
			s.logger.Debug("job attempt failed", "worker", job.Worker, "trigger", job.TriggerID, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(b, s.queueCtx))
	if err != nil && s.queueCtx.Err() == nil {
		s.logger.Error("job failed", "worker", job.Worker, "trigger", job.TriggerID, "sharing", job.Message.SharingID, "attempts", attempt, "error", err)
	}
}

func (s *Scheduler) runSafely(fn WorkerFunc, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = backoff.Permanent(fmt.Errorf("worker %s panicked: %v", job.Worker, r))
		}
	}()
	return fn(s.queueCtx, job)
}
