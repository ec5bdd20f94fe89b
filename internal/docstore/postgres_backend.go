package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
)

const (
	postgresStateTableName   = "relayshare_state"
	postgresOperationTimeout = 5 * time.Second
	postgresConnectAttempts  = 3
)

// ErrStaleSnapshot is returned by a save that would replace the snapshot of
// another process holding a higher sequence number.
var ErrStaleSnapshot = fmt.Errorf("%w: stale snapshot", ErrRevisionConflict)

// PostgresTarget is a postgres DSN split into the connection string and the
// instance key. The key comes from the "instance" query parameter, so several
// instances can share one database.
type PostgresTarget struct {
	Conn     string
	Instance string
}

func ParsePostgresDSN(dsn string) (PostgresTarget, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return PostgresTarget{}, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return PostgresTarget{}, err
	}
	query := parsed.Query()
	key := strings.TrimSpace(query.Get("instance"))
	if key == "" {
		key = "default"
	}
	query.Del("instance")
	parsed.RawQuery = query.Encode()
	return PostgresTarget{Conn: parsed.String(), Instance: key}, nil
}

// OpenPostgres opens a pool, waits for the server to answer and runs the
// schema statements in order.
func OpenPostgres(ctx context.Context, conn string, schema ...string) (*sql.DB, error) {
	db, err := sql.Open("postgres", conn)
	if err != nil {
		return nil, err
	}
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), postgresConnectAttempts), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	for _, stmt := range schema {
		execCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		_, err := db.ExecContext(execCtx, stmt)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func PostgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// PostgresStateBackend keeps one JSONB snapshot row per instance. Saves are
// fenced on the sequence number: a process that fell behind another one
// writing the same instance gets ErrStaleSnapshot instead of rolling the
// state back.
type PostgresStateBackend struct {
	target PostgresTarget
	table  string

	mu sync.Mutex
	db *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	target, err := ParsePostgresDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStateBackend{target: target, table: postgresStateTableName}, nil
}

// conn opens the pool on first use. A failed open is retried by the next
// call rather than cached.
func (b *PostgresStateBackend) conn() (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}
	table := PostgresQuoteIdentifier(b.table)
	db, err := OpenPostgres(context.Background(), b.target.Conn, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			instance_key TEXT PRIMARY KEY,
			seq BIGINT NOT NULL,
			snapshot JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, table))
	if err != nil {
		return nil, err
	}
	b.db = db
	return db, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE instance_key = $1", PostgresQuoteIdentifier(b.table))
	var payload []byte
	err = db.QueryRowContext(ctx, query, b.target.Instance).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: snapshot of %s: %v", ErrCorrupted, b.target.Instance, err)
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	db, err := b.conn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	table := PostgresQuoteIdentifier(b.table)
	query := fmt.Sprintf(`
		INSERT INTO %[1]s AS current (instance_key, seq, snapshot, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (instance_key) DO UPDATE
		SET seq = EXCLUDED.seq, snapshot = EXCLUDED.snapshot, updated_at = NOW()
		WHERE current.seq <= EXCLUDED.seq`, table)
	res, err := db.ExecContext(ctx, query, b.target.Instance, int64(state.Seq), string(payload))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s is past seq %d", ErrStaleSnapshot, b.target.Instance, state.Seq)
	}
	return nil
}

func (b *PostgresStateBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
