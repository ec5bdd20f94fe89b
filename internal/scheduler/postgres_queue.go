package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

const (
	postgresJobTableName      = "relayshare_jobs"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 25 * time.Millisecond
)

// PostgresJobQueue is a job queue shared by the worker pools of one instance
// key. Each push and claim is a single statement, so several processes can
// feed and drain the same queue.
type PostgresJobQueue struct {
	target       docstore.PostgresTarget
	tableName    string
	capacity     int
	pollInterval time.Duration

	mu sync.Mutex
	db *sql.DB
}

func NewPostgresJobQueue(dsn string, capacity int) (JobQueue, error) {
	target, err := docstore.ParsePostgresDSN(dsn)
	if err != nil {
		if errors.Is(err, docstore.ErrInvalidInput) {
			return nil, ErrInvalidInput
		}
		return nil, err
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresJobQueue{
		target:       target,
		tableName:    postgresJobTableName,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
	}, nil
}

func (q *PostgresJobQueue) conn() (*sql.DB, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db != nil {
		return q.db, nil
	}
	table := docstore.PostgresQuoteIdentifier(q.tableName)
	db, err := docstore.OpenPostgres(context.Background(), q.target.Conn,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				worker TEXT NOT NULL,
				payload JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			docstore.PostgresQuoteIdentifier(q.tableName+"_queue_key_id_idx"), table),
	)
	if err != nil {
		return nil, err
	}
	q.db = db
	return db, nil
}

// TryEnqueue inserts the job unless the queue is full. The advisory lock
// serializes the capacity check of concurrent producers.
func (q *PostgresJobQueue) TryEnqueue(job Job) bool {
	if job.Worker == "" {
		return false
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false
	}
	db, err := q.conn()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	table := docstore.PostgresQuoteIdentifier(q.tableName)
	query := fmt.Sprintf(`
		WITH guard AS (SELECT pg_advisory_xact_lock($4::bigint))
		INSERT INTO %[1]s (queue_key, worker, payload)
		SELECT $1::text, $2::text, $3::jsonb FROM guard
		WHERE (SELECT COUNT(*) FROM %[1]s WHERE queue_key = $1::text) < $5::bigint`, table)
	res, err := db.ExecContext(ctx, query, q.target.Instance, job.Worker, string(payload), queueLockKey(q.tableName, q.target.Instance), q.capacity)
	if err != nil {
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n == 1
}

func (q *PostgresJobQueue) Enqueue(ctx context.Context, job Job) bool {
	for {
		if q.TryEnqueue(job) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		if job, ok := q.claim(ctx); ok {
			return job, true
		}
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

// claim deletes the oldest row of the instance and returns it. Rows locked
// by another consumer are skipped.
func (q *PostgresJobQueue) claim(ctx context.Context) (Job, bool) {
	db, err := q.conn()
	if err != nil {
		return Job{}, false
	}
	table := docstore.PostgresQuoteIdentifier(q.tableName)
	query := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE queue_key = $1
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload`, table)
	var payload []byte
	if err := db.QueryRowContext(ctx, query, q.target.Instance).Scan(&payload); err != nil {
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, false
	}
	return job, true
}

func (q *PostgresJobQueue) Depth() int {
	db, err := q.conn()
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", docstore.PostgresQuoteIdentifier(q.tableName))
	if err := db.QueryRowContext(ctx, query, q.target.Instance).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresJobQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresJobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}

func queueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
