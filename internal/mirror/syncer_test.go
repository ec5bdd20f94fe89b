package mirror

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/httpapi"
)

type instance struct {
	store  *docstore.Store
	server *httptest.Server
	rootID string
}

func newInstance(t *testing.T) *instance {
	t.Helper()
	store := docstore.NewStore()
	root, err := store.CreateDir(docstore.RootDirID, "Shared")
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	server := httptest.NewServer(httpapi.NewServer(httpapi.Deps{Store: store}, httpapi.ServerConfig{JWTSecret: "mirror-secret"}))
	t.Cleanup(server.Close)
	return &instance{store: store, server: server, rootID: root.ID}
}

func (in *instance) syncer(t *testing.T, localDir string) *Syncer {
	t.Helper()
	token, err := httpapi.NewUserToken("mirror-secret", "mirror", []string{httpapi.ScopeFilesRead, httpapi.ScopeFilesWrite, httpapi.ScopeDataRead}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	client := NewHTTPClient(in.server.URL, token, in.server.Client())
	syncer, err := NewSyncer(client, SyncerOptions{RootID: in.rootID, LocalRoot: localDir})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	return syncer
}

func syncOnce(t *testing.T, s *Syncer) {
	t.Helper()
	if err := s.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
}

func readContent(t *testing.T, store *docstore.Store, doc *docstore.Document) string {
	t.Helper()
	current, err := store.Get(docstore.DoctypeFiles, doc.ID)
	if err != nil {
		t.Fatalf("get %s: %v", doc.ID, err)
	}
	content, err := store.Content(current.MD5Sum)
	if err != nil {
		t.Fatalf("content of %s: %v", doc.ID, err)
	}
	return string(content)
}

func TestSyncOncePullsRemoteAndPushesLocalEdits(t *testing.T) {
	in := newInstance(t)
	docs, err := in.store.CreateDir(in.rootID, "Docs")
	if err != nil {
		t.Fatalf("create dir: %v", err)
	}
	file, err := in.store.CreateFile(docs.ID, "A.md", "text/markdown", []byte("# A"))
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	localDir := t.TempDir()
	syncer := in.syncer(t, localDir)
	syncOnce(t, syncer)

	localFile := filepath.Join(localDir, "Docs", "A.md")
	data, err := os.ReadFile(localFile)
	if err != nil {
		t.Fatalf("read local mirrored file failed: %v", err)
	}
	if string(data) != "# A" {
		t.Fatalf("expected pulled content '# A', got %q", string(data))
	}

	if err := os.WriteFile(localFile, []byte("# A edited"), 0o644); err != nil {
		t.Fatalf("write local edit failed: %v", err)
	}
	syncOnce(t, syncer)
	if got := readContent(t, in.store, file); got != "# A edited" {
		t.Fatalf("expected remote content to update, got %q", got)
	}
}

func TestSyncOnceCreatesAndTrashesRemoteFiles(t *testing.T) {
	in := newInstance(t)
	localDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(localDir, "Docs", "Deep"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	localFile := filepath.Join(localDir, "Docs", "Deep", "New.md")
	if err := os.WriteFile(localFile, []byte("# New"), 0o644); err != nil {
		t.Fatalf("seed local file failed: %v", err)
	}
	syncer := in.syncer(t, localDir)
	syncOnce(t, syncer)

	docs, ok := in.store.ChildByName(in.rootID, "Docs")
	if !ok {
		t.Fatalf("expected remote Docs directory")
	}
	deep, ok := in.store.ChildByName(docs.ID, "Deep")
	if !ok {
		t.Fatalf("expected remote Deep directory")
	}
	created, ok := in.store.ChildByName(deep.ID, "New.md")
	if !ok {
		t.Fatalf("expected remote file to be created")
	}
	if created.Mime != "text/markdown" {
		t.Fatalf("expected text/markdown, got %q", created.Mime)
	}

	if err := os.Remove(localFile); err != nil {
		t.Fatalf("remove local file failed: %v", err)
	}
	syncOnce(t, syncer)
	trashed, err := in.store.Get(docstore.DoctypeFiles, created.ID)
	if err != nil {
		t.Fatalf("get trashed file: %v", err)
	}
	if !trashed.Trashed {
		t.Fatalf("expected remote file to be trashed")
	}
}

func TestSyncOncePreservesLocalBufferOnConflict(t *testing.T) {
	in := newInstance(t)
	file, err := in.store.CreateFile(in.rootID, "A.md", "text/markdown", []byte("# A"))
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	localDir := t.TempDir()
	syncer := in.syncer(t, localDir)
	syncOnce(t, syncer)

	if _, err := in.store.UpdateFileContent(file.ID, file.Rev, "text/markdown", []byte("# remote")); err != nil {
		t.Fatalf("remote edit: %v", err)
	}
	localFile := filepath.Join(localDir, "A.md")
	if err := os.WriteFile(localFile, []byte("# local"), 0o644); err != nil {
		t.Fatalf("write local edit failed: %v", err)
	}

	syncOnce(t, syncer)
	localAfterConflict, err := os.ReadFile(localFile)
	if err != nil {
		t.Fatalf("read local file after conflict failed: %v", err)
	}
	if string(localAfterConflict) != "# local" {
		t.Fatalf("expected local buffer to be preserved after conflict, got %q", string(localAfterConflict))
	}
	if got := readContent(t, in.store, file); got != "# remote" {
		t.Fatalf("expected remote content to remain remote during conflict cycle, got %q", got)
	}

	syncOnce(t, syncer)
	if got := readContent(t, in.store, file); got != "# local" {
		t.Fatalf("expected remote content to converge to local buffer after retry, got %q", got)
	}
}

func TestSyncOnceFollowsRemoteRenames(t *testing.T) {
	in := newInstance(t)
	docs, err := in.store.CreateDir(in.rootID, "Docs")
	if err != nil {
		t.Fatalf("create dir: %v", err)
	}
	file, err := in.store.CreateFile(docs.ID, "A.md", "text/markdown", []byte("# A"))
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	localDir := t.TempDir()
	syncer := in.syncer(t, localDir)
	syncOnce(t, syncer)

	name := "Notes"
	if _, err := in.store.PatchFile(docs.ID, docs.Rev, docstore.FilePatch{Name: &name}); err != nil {
		t.Fatalf("rename dir: %v", err)
	}
	syncOnce(t, syncer)
	if _, err := os.Stat(filepath.Join(localDir, "Notes", "A.md")); err != nil {
		t.Fatalf("expected the file under the renamed directory: %v", err)
	}
	if _, err := os.Stat(filepath.Join(localDir, "Docs")); !os.IsNotExist(err) {
		t.Fatalf("expected the old directory to be gone, got %v", err)
	}

	fileName := "B.md"
	if _, err := in.store.PatchFile(file.ID, "", docstore.FilePatch{Name: &fileName}); err != nil {
		t.Fatalf("rename file: %v", err)
	}
	syncOnce(t, syncer)
	data, err := os.ReadFile(filepath.Join(localDir, "Notes", "B.md"))
	if err != nil || string(data) != "# A" {
		t.Fatalf("expected the renamed file locally, got %q (%v)", string(data), err)
	}
	// nothing was pushed back: the file keeps its revision
	current, err := in.store.Get(docstore.DoctypeFiles, file.ID)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	syncOnce(t, syncer)
	after, err := in.store.Get(docstore.DoctypeFiles, file.ID)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if after.Rev != current.Rev {
		t.Fatalf("expected a quiet cycle, revision moved from %s to %s", current.Rev, after.Rev)
	}
}

func TestSyncOnceRemovesRemotelyTrashedFiles(t *testing.T) {
	in := newInstance(t)
	file, err := in.store.CreateFile(in.rootID, "old.txt", "text/plain", []byte("old"))
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	localDir := t.TempDir()
	syncer := in.syncer(t, localDir)
	syncOnce(t, syncer)

	if _, err := in.store.TrashFile(file.ID, file.Rev); err != nil {
		t.Fatalf("trash: %v", err)
	}
	syncOnce(t, syncer)
	if _, err := os.Stat(filepath.Join(localDir, "old.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected the local copy to be removed, got %v", err)
	}
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/data/io.cozy.files/_changes" || r.URL.Query().Get("since") != "7" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"seq":8,"doctype":"io.cozy.files","id":"f1","rev":"1-a","verb":"CREATED"}],"last_seq":8}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	client.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	feed, err := client.Changes(context.Background(), 7, 10)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if feed.LastSeq != 8 || len(feed.Results) != 1 {
		t.Fatalf("expected one change up to seq 8, got %+v", feed)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientReportsConflicts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Match") != "1-old" {
			t.Errorf("expected If-Match to be forwarded, got %q", r.Header.Get("If-Match"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"revision_conflict","message":"stale"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.Overwrite(context.Background(), "f1", "1-old", "text/plain", []byte("x"))
	if err == nil {
		t.Fatalf("expected a conflict")
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Code != "revision_conflict" {
		t.Fatalf("expected a revision conflict, got %v", err)
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
