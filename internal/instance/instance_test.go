package instance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/goleak"

	"github.com/agentworkforce/relayshare/internal/config"
	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/httpapi"
	"github.com/agentworkforce/relayshare/internal/replication"
	"github.com/agentworkforce/relayshare/internal/scheduler"
	"github.com/agentworkforce/relayshare/internal/sharing"
)

func testConfig(t *testing.T, dsn string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Domain = "alice.test"
	cfg.PublicURL = "http://alice.test"
	cfg.JWTSecret = "instance-secret"
	cfg.StateBackendDSN = dsn
	cfg.Sharing.ReplicateDebounce.Duration = 10 * time.Millisecond
	cfg.Sharing.UploadDebounce.Duration = 10 * time.Millisecond
	return cfg
}

func newTestInstance(t *testing.T, cfg *config.Config) *Instance {
	t.Helper()
	in, err := New(Options{
		Config:     cfg,
		LogOutput:  &bytes.Buffer{},
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	if err != nil {
		t.Fatalf("new instance failed: %v", err)
	}
	return in
}

func TestInstanceServesAndStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	in := newTestInstance(t, testConfig(t, "memory://"))
	in.Start()
	server := httptest.NewServer(in.Handler)

	token, err := httpapi.NewUserToken("instance-secret", "owner", []string{httpapi.ScopeFilesWrite}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/files/"+docstore.RootDirID+"?Type=directory&Name=Photos", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("create dir request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if _, ok := in.Store.ChildByName(docstore.RootDirID, "Photos"); !ok {
		t.Fatalf("expected the directory in the store")
	}

	server.CloseClientConnections()
	server.Close()
	if err := in.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestInstanceReloadsFileState(t *testing.T) {
	dsn := "file://" + filepath.Join(t.TempDir(), "state.json")
	first := newTestInstance(t, testConfig(t, dsn))
	dir, err := first.Store.CreateDir(docstore.RootDirID, "Kept")
	if err != nil {
		t.Fatalf("create dir: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second := newTestInstance(t, testConfig(t, dsn))
	defer second.Close()
	got, err := second.Store.Get(docstore.DoctypeFiles, dir.ID)
	if err != nil {
		t.Fatalf("expected the directory after restart, got %v", err)
	}
	if got.Name != "Kept" {
		t.Fatalf("expected name Kept, got %q", got.Name)
	}
}

func TestInstanceRegistersSharingWorkers(t *testing.T) {
	in := newTestInstance(t, testConfig(t, "memory://"))
	defer in.Close()
	for _, worker := range []string{sharing.WorkerTrack, sharing.WorkerReplicate, sharing.WorkerUpload} {
		_, err := in.Scheduler.AddTrigger(scheduler.Trigger{
			ID:        "probe-" + worker,
			Type:      scheduler.TypeEvent,
			Worker:    worker,
			Arguments: docstore.DoctypeContacts,
		})
		if err != nil {
			t.Fatalf("expected worker %s to be registered, got %v", worker, err)
		}
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t, "couchdb://localhost:5984")
	if _, err := New(Options{Config: cfg, LogOutput: &bytes.Buffer{}}); !errors.Is(err, docstore.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestJobErrorClassification(t *testing.T) {
	cases := []struct {
		err       error
		permanent bool
	}{
		{fmt.Errorf("%w: member 1", replication.ErrPermanent), true},
		{sharing.ErrNotFound, true},
		{fmt.Errorf("wrapped: %w", sharing.ErrRevoked), true},
		{replication.ErrPeerUnavailable, false},
		{context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		got := jobError(tc.err)
		var perm *backoff.PermanentError
		if errors.As(got, &perm) != tc.permanent {
			t.Fatalf("expected permanent=%v for %v, got %v", tc.permanent, tc.err, got)
		}
		if !errors.Is(got, tc.err) {
			t.Fatalf("expected %v to stay matchable, got %v", tc.err, got)
		}
	}
	if jobError(nil) != nil {
		t.Fatalf("expected nil to stay nil")
	}
}
