package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

// newIntegrationBackend returns a backend writing to a throwaway table that
// is dropped with the test.
func newIntegrationBackend(t *testing.T, instance string) *PostgresStateBackend {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYSHARE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYSHARE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	backend, err := NewPostgresStateBackend(dsn + sep + "instance=" + instance)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	pg.table = fmt.Sprintf("relayshare_state_it_%d_%d", time.Now().UnixNano(), n)
	t.Cleanup(func() {
		if db, err := pg.conn(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+PostgresQuoteIdentifier(pg.table))
			cancel()
		}
		_ = pg.Close()
	})
	return pg
}

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	backend := newIntegrationBackend(t, "it")

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	file, err := store.CreateFile(RootDirID, "pg.txt", "text/plain", []byte("postgres"))
	if err != nil {
		t.Fatalf("create file failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Seq != store.seq {
		t.Fatalf("expected seq %d, got %+v", store.seq, loaded)
	}
	files := loaded.Collections[DoctypeFiles]
	if files == nil || files.Docs[file.ID] == nil {
		t.Fatalf("expected persisted file %s", file.ID)
	}
}

func TestPostgresIntegrationRejectsStaleSnapshot(t *testing.T) {
	backend := newIntegrationBackend(t, "fence")

	if err := backend.Save(&persistedState{Seq: 10}); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := backend.Save(&persistedState{Seq: 10}); err != nil {
		t.Fatalf("expected a save at the same seq to pass, got %v", err)
	}
	if err := backend.Save(&persistedState{Seq: 4}); !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("expected ErrStaleSnapshot, got %v", err)
	}
	loaded, err := backend.Load()
	if err != nil || loaded == nil || loaded.Seq != 10 {
		t.Fatalf("expected the seq 10 snapshot to survive, got %+v %v", loaded, err)
	}
}
