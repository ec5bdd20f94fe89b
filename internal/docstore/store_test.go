package docstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCreateUpdateDeleteTracksRevisions(t *testing.T) {
	store := NewStore()
	created, err := store.Create(&Document{Doctype: DoctypeContacts, Attributes: json.RawMessage(`{"fn":"Ada"}`)})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if RevGeneration(created.Rev) != 1 || len(created.Revisions) != 1 {
		t.Fatalf("expected generation 1 with one history entry, got %s %v", created.Rev, created.Revisions)
	}

	next := created.Clone()
	next.Attributes = json.RawMessage(`{"fn":"Ada Lovelace"}`)
	updated, err := store.Update(next)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if RevGeneration(updated.Rev) != 2 || !updated.Knows(created.Rev) {
		t.Fatalf("expected child revision of %s, got %s %v", created.Rev, updated.Rev, updated.Revisions)
	}

	_, err = store.Update(next)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict error for stale revision, got %v", err)
	}
	if conflict.CurrentRevision != updated.Rev {
		t.Fatalf("expected current revision %s, got %s", updated.Rev, conflict.CurrentRevision)
	}
	if !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("expected ErrRevisionConflict, got %v", err)
	}

	if _, err := store.Delete(DoctypeContacts, created.ID, ""); !errors.Is(err, ErrMissingPrecondition) {
		t.Fatalf("expected missing precondition, got %v", err)
	}
	tomb, err := store.Delete(DoctypeContacts, created.ID, updated.Rev)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !tomb.Deleted || RevGeneration(tomb.Rev) != 3 {
		t.Fatalf("expected generation 3 tombstone, got %+v", tomb)
	}
	if _, err := store.Get(DoctypeContacts, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := store.GetWithDeleted(DoctypeContacts, created.ID); err != nil {
		t.Fatalf("expected tombstone to stay readable, got %v", err)
	}
}

func TestNextRevisionIsDeterministic(t *testing.T) {
	doc := &Document{ID: "a", Doctype: DoctypeFiles, Type: TypeFile, Name: "x.txt", DirID: RootDirID}
	first := NextRevision("1-abc", doc)
	second := NextRevision("1-abc", doc.Clone())
	if first != second {
		t.Fatalf("expected identical revisions, got %s and %s", first, second)
	}
	doc.Name = "y.txt"
	if NextRevision("1-abc", doc) == first {
		t.Fatalf("expected a different body to change the revision")
	}
}

func TestCompareRevisionsOrdersByGenerationThenHash(t *testing.T) {
	if CompareRevisions("2-aaa", "10-aaa") >= 0 {
		t.Fatalf("expected numeric generation ordering")
	}
	if CompareRevisions("3-bbb", "3-aaa") <= 0 {
		t.Fatalf("expected hash ordering on equal generation")
	}
	if CompareRevisions("3-abc", "3-abc") != 0 {
		t.Fatalf("expected equal revisions to compare equal")
	}
}

func TestMergeRevisionIgnoresArgumentOrder(t *testing.T) {
	a := MergeRevision("2-aaa", "3-bbb", "name:2-aaa")
	b := MergeRevision("3-bbb", "2-aaa", "name:2-aaa")
	if a != b {
		t.Fatalf("expected order independent merge revision, got %s and %s", a, b)
	}
	if RevGeneration(a) != 4 {
		t.Fatalf("expected generation 4, got %s", a)
	}
}

func TestTrimHistoryKeepsCreationRevision(t *testing.T) {
	history := make([]string, 0, maxRevisions+10)
	for i := 0; i < maxRevisions+10; i++ {
		history = append(history, NextRevision("", &Document{ID: "x", Name: string(rune('a' + i%26)), Size: int64(i)}))
	}
	trimmed := trimHistory(history)
	if len(trimmed) != maxRevisions {
		t.Fatalf("expected %d entries, got %d", maxRevisions, len(trimmed))
	}
	if trimmed[0] != history[0] {
		t.Fatalf("expected first revision to survive trimming")
	}
	if trimmed[len(trimmed)-1] != history[len(history)-1] {
		t.Fatalf("expected latest revision to survive trimming")
	}
}

func TestChangesReturnsLatestChangePerDocument(t *testing.T) {
	store := NewStore()
	doc, err := store.Create(&Document{Doctype: DoctypeContacts, Attributes: json.RawMessage(`{"n":1}`)})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	since := store.LastSeq(DoctypeContacts)
	for i := 2; i <= 4; i++ {
		next := doc.Clone()
		next.Attributes = json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`)
		doc, err = store.Update(next)
		if err != nil {
			t.Fatalf("update %d failed: %v", i, err)
		}
	}
	if _, err := store.Create(&Document{Doctype: DoctypeContacts, Attributes: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("second create failed: %v", err)
	}

	feed, err := store.Changes(DoctypeContacts, since, 1)
	if err != nil {
		t.Fatalf("changes failed: %v", err)
	}
	if len(feed.Results) != 1 || feed.Pending != 1 {
		t.Fatalf("expected one result and one pending, got %d results %d pending", len(feed.Results), feed.Pending)
	}
	if feed.Results[0].ID != doc.ID || feed.Results[0].Rev != doc.Rev {
		t.Fatalf("expected latest revision %s of %s, got %+v", doc.Rev, doc.ID, feed.Results[0])
	}
	rest, err := store.Changes(DoctypeContacts, feed.LastSeq, 10)
	if err != nil {
		t.Fatalf("changes failed: %v", err)
	}
	if len(rest.Results) != 1 || rest.Pending != 0 {
		t.Fatalf("expected remaining change, got %+v", rest)
	}
}

func TestPutReplicatedKeepsRemoteRevision(t *testing.T) {
	store := NewStore()
	remote := &Document{
		ID:         "c1",
		Doctype:    DoctypeContacts,
		Rev:        "2-bbb",
		Revisions:  []string{"1-aaa", "2-bbb"},
		Attributes: json.RawMessage(`{"fn":"Grace"}`),
	}
	stored, err := store.PutReplicated(remote, "")
	if err != nil {
		t.Fatalf("put replicated failed: %v", err)
	}
	if stored.Rev != "2-bbb" || len(stored.Revisions) != 2 {
		t.Fatalf("expected remote revision and history, got %s %v", stored.Rev, stored.Revisions)
	}
	if _, err := store.PutReplicated(remote, ""); !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("expected conflict when local revision changed, got %v", err)
	}
	next := remote.Clone()
	next.Rev = "3-ccc"
	next.Revisions = []string{"3-ccc"}
	stored, err = store.PutReplicated(next, "2-bbb")
	if err != nil {
		t.Fatalf("second put replicated failed: %v", err)
	}
	if !stored.Knows("1-aaa") || stored.FirstRevision() != "1-aaa" {
		t.Fatalf("expected ancestry to be merged, got %v", stored.Revisions)
	}
}

func TestSubscribeReceivesCommittedChanges(t *testing.T) {
	store := NewStore()
	var got []Change
	cancel := store.Subscribe(func(change Change) { got = append(got, change) })
	dir, err := store.CreateDir(RootDirID, "Photos")
	if err != nil {
		t.Fatalf("create dir failed: %v", err)
	}
	cancel()
	if _, err := store.CreateDir(RootDirID, "Music"); err != nil {
		t.Fatalf("create dir failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != dir.ID || got[0].Verb != VerbCreated {
		t.Fatalf("expected one created change for %s, got %+v", dir.ID, got)
	}
	if got[0].Doc == nil || got[0].Doc.Path != "/Photos" {
		t.Fatalf("expected change to carry the document path, got %+v", got[0].Doc)
	}
}

func TestJSONFileStateBackendReloadsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend := NewJSONFileStateBackend(path)
	store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	file, err := store.CreateFile(RootDirID, "notes.txt", "text/plain", []byte("hello"))
	if err != nil {
		t.Fatalf("create file failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewStoreWithOptions(StoreOptions{StateBackend: NewJSONFileStateBackend(path)})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	loaded, err := reopened.Get(DoctypeFiles, file.ID)
	if err != nil {
		t.Fatalf("get after reload failed: %v", err)
	}
	if loaded.Rev != file.Rev || loaded.Path != "/notes.txt" {
		t.Fatalf("expected reloaded file, got %+v", loaded)
	}
	content, err := reopened.Content(loaded.MD5Sum)
	if err != nil || string(content) != "hello" {
		t.Fatalf("expected reloaded content, got %q (%v)", content, err)
	}
	if reopened.LastSeq(DoctypeFiles) != store.LastSeq(DoctypeFiles) {
		t.Fatalf("expected sequence to survive reload")
	}
}

func TestCorruptedStateFailsStartup(t *testing.T) {
	backend := NewInMemoryStateBackend()
	backend.snapshot = []byte("{not json")
	if _, err := NewStoreWithOptions(StoreOptions{StateBackend: backend}); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected corrupted error, got %v", err)
	}
}

func TestBuildStateBackendFromDSN(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("memory://")
	if err != nil || backend == nil {
		t.Fatalf("expected memory backend, got %v %v", backend, err)
	}
	path := filepath.Join(t.TempDir(), "dsn-state.json")
	backend, err = BuildStateBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file backend failed: %v", err)
	}
	if fileBackend, ok := backend.(*JSONFileStateBackend); !ok || fileBackend.Path != path {
		t.Fatalf("expected file backend at %s, got %#v", path, backend)
	}
	backend, err = BuildStateBackendFromDSN("postgres://localhost/relayshare?sslmode=disable&instance=alice")
	if err != nil {
		t.Fatalf("expected postgres backend, got %v", err)
	}
	if pg, ok := backend.(*PostgresStateBackend); !ok || pg.target.Instance != "alice" {
		t.Fatalf("expected postgres backend keyed by instance, got %#v", backend)
	}
	if _, err := BuildStateBackendFromDSN("couchdb://localhost:5984"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for couchdb, got %v", err)
	}
	if backend, err := BuildStateBackendFromDSN(""); backend != nil || err != nil {
		t.Fatalf("expected nil backend for empty dsn")
	}
}

func TestRegisteredStateBackendFactoryWins(t *testing.T) {
	memory := NewInMemoryStateBackend()
	RegisterStateBackendFactory("testmem", func(string) (StateBackend, error) { return memory, nil })
	backend, err := BuildStateBackendFromDSN("testmem://x")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if backend != memory {
		t.Fatalf("expected registered factory backend")
	}
}

func TestApplyDeltaMergesDisjointFields(t *testing.T) {
	registry := NewRegistry()
	base := &Document{ID: "f", Doctype: DoctypeFiles, Type: TypeFile, Name: "a.txt", DirID: "d1", MD5Sum: "m1", Rev: "1-a"}
	mine := base.Clone()
	mine.Rev = "2-b"
	mine.Name = "b.txt"
	theirs := base.Clone()
	theirs.Rev = "2-c"
	theirs.DirID = "d2"

	local, err := registry.Wrap(mine)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	remote, _ := registry.Wrap(theirs)
	merged, sources := local.ApplyDelta(remote, base, false)
	if merged.Name != "b.txt" || merged.DirID != "d2" {
		t.Fatalf("expected both edits to survive, got name=%s dir=%s", merged.Name, merged.DirID)
	}
	if len(sources) == 0 {
		t.Fatalf("expected field sources")
	}

	conflicting := theirs.Clone()
	conflicting.Name = "c.txt"
	remote, _ = registry.Wrap(conflicting)
	merged, _ = local.ApplyDelta(remote, base, true)
	if merged.Name != "c.txt" {
		t.Fatalf("expected winning side name, got %s", merged.Name)
	}
	merged, _ = local.ApplyDelta(remote, base, false)
	if merged.Name != "b.txt" {
		t.Fatalf("expected local name when local wins, got %s", merged.Name)
	}
}

func TestRegistryValidate(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Validate(&Document{ID: "x", Doctype: "io.cozy.unknown"}); !errors.Is(err, ErrUnknownDoctype) {
		t.Fatalf("expected unknown doctype, got %v", err)
	}
	if err := registry.Validate(&Document{ID: "x", Doctype: DoctypeFiles, Type: TypeFile, Name: "a/b"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid name, got %v", err)
	}
	if err := registry.Validate(&Document{ID: "x", Doctype: DoctypeSharings}); err != nil {
		t.Fatalf("expected internal doctype to validate, got %v", err)
	}
	if !registry.Shareable(DoctypeAlbums) || registry.Shareable(DoctypeSharings) {
		t.Fatalf("unexpected shareable doctypes: %v", registry.Doctypes())
	}
}

func TestParsePostgresDSNStripsInstanceKey(t *testing.T) {
	target, err := ParsePostgresDSN(" postgres://u:p@db:5432/share?sslmode=disable&instance=bob ")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if target.Instance != "bob" || strings.Contains(target.Conn, "instance=") || !strings.Contains(target.Conn, "sslmode=disable") {
		t.Fatalf("expected instance bob and a clean connection string, got %+v", target)
	}
	if target, _ := ParsePostgresDSN("postgres://db/share"); target.Instance != "default" {
		t.Fatalf("expected the default instance key, got %q", target.Instance)
	}
	if _, err := ParsePostgresDSN("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for an empty dsn, got %v", err)
	}
	if got := PostgresQuoteIdentifier(`we"ird`); got != `"we""ird"` {
		t.Fatalf("expected doubled quotes, got %s", got)
	}
}

func TestJSONFileStateBackendFallsBackToBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend := NewJSONFileStateBackend(path)
	defer backend.Close()
	if err := backend.Save(&persistedState{Seq: 1}); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := backend.Save(&persistedState{Seq: 2}); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("corrupt state failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil || loaded == nil || loaded.Seq != 1 {
		t.Fatalf("expected the backup snapshot at seq 1, got %+v %v", loaded, err)
	}

	if err := os.Remove(path + ".bak"); err != nil {
		t.Fatalf("remove backup failed: %v", err)
	}
	if _, err := backend.Load(); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted without a backup, got %v", err)
	}
}

func TestSchemeTableNormalizesSchemes(t *testing.T) {
	var table SchemeTable[int]
	table.Register(" Custom ", 7)
	table.Register("", 9)
	if got, ok := table.Lookup("custom"); !ok || got != 7 {
		t.Fatalf("expected custom=7, got %d %v", got, ok)
	}
	if _, ok := table.Lookup(""); ok {
		t.Fatalf("expected an empty scheme to be ignored")
	}
}
