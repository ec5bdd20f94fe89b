package scheduler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// journalEntry is one line of the queue journal: either a pushed job or the
// removal of the oldest pending one.
type journalEntry struct {
	Push *Job `json:"push,omitempty"`
	Pop  bool `json:"pop,omitempty"`
}

// fileJobQueue appends every push and pop to a JSON lines journal so pending
// jobs survive a restart. The journal is rewritten when pops dominate it.
type fileJobQueue struct {
	path     string
	capacity int

	mu      sync.Mutex
	items   []Job
	journal *os.File
	pops    int
	closed  bool

	ready chan struct{}
	space chan struct{}
}

func NewFileJobQueue(path string, capacity int) (JobQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileJobQueue{
		path:     path,
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
	if err := q.replay(); err != nil {
		return nil, err
	}
	if err := q.compactLocked(); err != nil {
		return nil, err
	}
	if len(q.items) > 0 {
		signal(q.ready)
	}
	return q, nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *fileJobQueue) TryEnqueue(job Job) bool {
	if job.Worker == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.capacity {
		return false
	}
	if err := q.appendLocked(journalEntry{Push: &job}); err != nil {
		return false
	}
	q.items = append(q.items, job)
	signal(q.ready)
	return true
}

func (q *fileJobQueue) Enqueue(ctx context.Context, job Job) bool {
	for {
		if q.TryEnqueue(job) {
			return true
		}
		if job.Worker == "" {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-q.space:
		}
	}
}

func (q *fileJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		if job, ok := q.pop(); ok {
			return job, true
		}
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-q.ready:
		}
	}
}

func (q *fileJobQueue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return Job{}, false
	}
	if err := q.appendLocked(journalEntry{Pop: true}); err != nil {
		return Job{}, false
	}
	job := q.items[0]
	q.items = q.items[1:]
	q.pops++
	if q.pops > 64 && q.pops > 2*len(q.items) {
		_ = q.compactLocked()
	}
	if len(q.items) > 0 {
		signal(q.ready)
	}
	signal(q.space)
	return job, true
}

func (q *fileJobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileJobQueue) Capacity() int {
	return q.capacity
}

func (q *fileJobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.journal == nil {
		return nil
	}
	return q.journal.Close()
}

// replay rebuilds the pending jobs from the journal. A torn last line, left
// by a crash during an append, is ignored.
func (q *fileJobQueue) replay() error {
	f, err := os.Open(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	var pending error
	for scanner.Scan() {
		line++
		if pending != nil {
			return pending
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			pending = fmt.Errorf("job journal %s line %d: %w", q.path, line, err)
			continue
		}
		switch {
		case entry.Push != nil:
			q.items = append(q.items, *entry.Push)
		case entry.Pop && len(q.items) > 0:
			q.items = q.items[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(q.items) > q.capacity {
		q.items = append([]Job(nil), q.items[len(q.items)-q.capacity:]...)
	}
	return nil
}

func (q *fileJobQueue) appendLocked(entry journalEntry) error {
	if q.journal == nil {
		if err := q.compactLocked(); err != nil {
			return err
		}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = q.journal.Write(append(data, '\n'))
	return err
}

// compactLocked rewrites the journal as the pushes of the pending jobs and
// reopens it for appends.
func (q *fileJobQueue) compactLocked() error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	for i := range q.items {
		if err := enc.Encode(journalEntry{Push: &q.items[i]}); err != nil {
			_ = out.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if q.journal != nil {
		_ = q.journal.Close()
		q.journal = nil
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return err
	}
	journal, err := os.OpenFile(q.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	q.journal = journal
	q.pops = 0
	return nil
}
