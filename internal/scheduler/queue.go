package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

// Job is one execution request of a worker.
type Job struct {
	ID        string           `json:"id"`
	TriggerID string           `json:"trigger_id,omitempty"`
	Worker    string           `json:"worker"`
	Message   Message          `json:"message"`
	Event     *docstore.Change `json:"event,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	QueuedAt  time.Time        `json:"queued_at"`
}

// key groups jobs that must not run concurrently.
func (j Job) key() string {
	if j.TriggerID != "" {
		return j.TriggerID
	}
	return j.Worker + "|" + j.Message.SharingID
}

// coalescable jobs carry no event of their own: running one after a burst
// is as good as running all of them.
func (j Job) coalescable() bool {
	return j.Event == nil && len(j.Payload) == 0
}

type JobQueue interface {
	TryEnqueue(job Job) bool
	Enqueue(ctx context.Context, job Job) bool
	Dequeue(ctx context.Context) (Job, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryJobQueue struct {
	ch chan Job
}

func NewInMemoryJobQueue(capacity int) JobQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryJobQueue{ch: make(chan Job, capacity)}
}

func (q *inMemoryJobQueue) TryEnqueue(job Job) bool {
	if q == nil || job.Worker == "" {
		return false
	}
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

func (q *inMemoryJobQueue) Enqueue(ctx context.Context, job Job) bool {
	if q == nil || job.Worker == "" {
		return false
	}
	select {
	case q.ch <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	if q == nil {
		return Job{}, false
	}
	select {
	case job := <-q.ch:
		return job, true
	case <-ctx.Done():
		return Job{}, false
	}
}

func (q *inMemoryJobQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryJobQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryJobQueue) Close() error {
	return nil
}
