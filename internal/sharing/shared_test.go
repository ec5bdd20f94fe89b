package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

func mustRef(t *testing.T, store *docstore.Store, id string) *SharedRef {
	t.Helper()
	ref, err := LoadRef(store, docstore.DoctypeFiles, id)
	if err != nil {
		t.Fatalf("load ref: %v", err)
	}
	if ref == nil {
		t.Fatalf("expected a ref for %s", id)
	}
	return ref
}

func TestSplitRefID(t *testing.T) {
	doctype, id, ok := SplitRefID(RefID(docstore.DoctypeFiles, "abc"))
	if !ok || doctype != docstore.DoctypeFiles || id != "abc" {
		t.Fatalf("unexpected split: %q %q %v", doctype, id, ok)
	}
	for _, bad := range []string{"", "nope", "/abc", "io.cozy.files/"} {
		if _, _, ok := SplitRefID(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestTrackerFollowsMovesInAndOut(t *testing.T) {
	_, alice, _ := newPair(t)
	s, dir, file := shareFolder(t, alice)
	tracker := alice.manager.Tracker()
	ctx := context.Background()
	root := docstore.RootDirID

	moved, err := alice.store.PatchFile(file.ID, "", docstore.FilePatch{DirID: &root})
	if err != nil {
		t.Fatalf("move out: %v", err)
	}
	if err := tracker.Track(ctx, s.ID, docstore.Change{Doctype: docstore.DoctypeFiles, ID: file.ID}); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	ref := mustRef(t, alice.store, file.ID)
	if info, _ := ref.Info(s.ID); !info.Removed {
		t.Fatalf("expected the file to leave the sharing")
	}
	if last := ref.Revisions[len(ref.Revisions)-1]; last != moved.Rev {
		t.Fatalf("expected revision %s to be recorded, got %s", moved.Rev, last)
	}

	back := dir.ID
	if _, err := alice.store.PatchFile(file.ID, "", docstore.FilePatch{DirID: &back}); err != nil {
		t.Fatalf("move back: %v", err)
	}
	if err := tracker.Track(ctx, s.ID, docstore.Change{Doctype: docstore.DoctypeFiles, ID: file.ID}); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if info, _ := mustRef(t, alice.store, file.ID).Info(s.ID); info.Removed {
		t.Fatalf("expected the file to be shared again")
	}
}

func TestTrackerPullsInDescendantsOfEnteringDirectory(t *testing.T) {
	_, alice, _ := newPair(t)
	s, dir, _ := shareFolder(t, alice)
	outside, err := alice.store.CreateDir(docstore.RootDirID, "Outside")
	if err != nil {
		t.Fatalf("create dir: %v", err)
	}
	child, err := alice.store.CreateFile(outside.ID, "b.txt", "text/plain", []byte("b"))
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	if err := alice.manager.Tracker().Track(context.Background(), s.ID, docstore.Change{Doctype: docstore.DoctypeFiles, ID: child.ID}); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if ref, _ := LoadRef(alice.store, docstore.DoctypeFiles, child.ID); ref != nil {
		t.Fatalf("expected no ref for a document outside the sharing")
	}

	target := dir.ID
	movedDir, err := alice.store.PatchFile(outside.ID, "", docstore.FilePatch{DirID: &target})
	if err != nil {
		t.Fatalf("move in: %v", err)
	}
	changed, err := alice.manager.Tracker().TrackDoc(s, movedDir)
	if err != nil {
		t.Fatalf("track doc failed: %v", err)
	}
	if !changed {
		t.Fatalf("expected the directory ref to change")
	}
	info, ok := mustRef(t, alice.store, child.ID).Info(s.ID)
	if !ok || info.Removed || !info.Binary {
		t.Fatalf("expected the child to join the sharing, got %+v %v", info, ok)
	}
}

func TestTrackerIgnoresInactiveSharingAndTrashMarksRemoved(t *testing.T) {
	_, alice, _ := newPair(t)
	s, _, file := shareFolder(t, alice)
	ctx := context.Background()
	if _, err := alice.store.TrashFile(file.ID, ""); err != nil {
		t.Fatalf("trash: %v", err)
	}
	if err := alice.manager.Tracker().Track(ctx, s.ID, docstore.Change{Doctype: docstore.DoctypeFiles, ID: file.ID}); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if info, _ := mustRef(t, alice.store, file.ID).Info(s.ID); !info.Removed {
		t.Fatalf("expected a trashed file to be removed from the sharing")
	}

	other, err := alice.store.CreateFile(docstore.RootDirID, "c.txt", "text/plain", []byte("c"))
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	if _, err := Mutate(alice.store, s.ID, func(s *Sharing) error {
		s.Active = false
		return nil
	}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := alice.manager.Tracker().Track(ctx, s.ID, docstore.Change{Doctype: docstore.DoctypeFiles, ID: other.ID}); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if ref, _ := LoadRef(alice.store, docstore.DoctypeFiles, other.ID); ref != nil {
		t.Fatalf("expected an inactive sharing to track nothing")
	}
	if err := alice.manager.Tracker().Track(ctx, s.ID, docstore.Change{Doctype: docstore.DoctypeShared, ID: "x"}); err != nil {
		t.Fatalf("expected non shareable doctypes to be skipped, got %v", err)
	}
}

func TestRuleForSelectors(t *testing.T) {
	tracker := NewTracker(docstore.NewStore(), nil)
	s := &Sharing{Rules: []Rule{
		{Doctype: docstore.DoctypeContacts, Selector: "metadata.team", Values: []string{"core"}},
		{Doctype: docstore.DoctypeContacts, Selector: "age", Values: []string{"42"}},
		{Doctype: docstore.DoctypeContacts, Values: []string{"contact-1"}},
	}}
	cases := []struct {
		doc  *docstore.Document
		rule int
		ok   bool
	}{
		{&docstore.Document{ID: "a", Doctype: docstore.DoctypeContacts, Metadata: map[string]string{"team": "core"}}, 0, true},
		{&docstore.Document{ID: "b", Doctype: docstore.DoctypeContacts, Attributes: json.RawMessage(`{"age":42}`)}, 1, true},
		{&docstore.Document{ID: "contact-1", Doctype: docstore.DoctypeContacts}, 2, true},
		{&docstore.Document{ID: "c", Doctype: docstore.DoctypeContacts, Attributes: json.RawMessage(`{"age":7}`)}, -1, false},
		{&docstore.Document{ID: "contact-1", Doctype: docstore.DoctypeContacts, Deleted: true}, -1, false},
		{&docstore.Document{ID: "contact-1", Doctype: docstore.DoctypeFiles}, -1, false},
	}
	for i, tc := range cases {
		rule, ok := tracker.RuleFor(s, tc.doc)
		if rule != tc.rule || ok != tc.ok {
			t.Fatalf("case %d: expected rule %d ok=%v, got %d ok=%v", i, tc.rule, tc.ok, rule, ok)
		}
	}
}

func TestRecordExchangeKeepsBase(t *testing.T) {
	store := docstore.NewStore()
	file, err := store.CreateFile(docstore.RootDirID, "a.txt", "text/plain", []byte("a"))
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	if err := RecordExchange(store, "sharing-1", 0, file); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	ref := mustRef(t, store, file.ID)
	if ref.Base == nil || ref.Base.Rev != file.Rev || ref.Base.Path != "" {
		t.Fatalf("expected the exchanged body as base, got %+v", ref.Base)
	}
	if info, _ := ref.Info("sharing-1"); !info.Binary || info.Removed {
		t.Fatalf("unexpected info: %+v", info)
	}

	trashed, err := store.TrashFile(file.ID, "")
	if err != nil {
		t.Fatalf("trash: %v", err)
	}
	if err := RecordExchange(store, "sharing-1", 0, trashed); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	ref = mustRef(t, store, file.ID)
	if ref.Base != nil {
		t.Fatalf("expected no base for a removed document")
	}
	if info, _ := ref.Info("sharing-1"); !info.Removed {
		t.Fatalf("expected the ref to be marked removed")
	}
}

func TestDropSharingRefsKeepsOtherSharings(t *testing.T) {
	store := docstore.NewStore()
	file, err := store.CreateFile(docstore.RootDirID, "a.txt", "text/plain", []byte("a"))
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	for _, id := range []string{"sharing-1", "sharing-2"} {
		if err := RecordExchange(store, id, 0, file); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if err := DropSharingRefs(store, "sharing-1"); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	ref := mustRef(t, store, file.ID)
	if _, ok := ref.Info("sharing-1"); ok {
		t.Fatalf("expected sharing-1 to be dropped")
	}
	if _, ok := ref.Info("sharing-2"); !ok {
		t.Fatalf("expected sharing-2 to stay")
	}
}

func TestRefRevisionsAreCapped(t *testing.T) {
	ref := &SharedRef{}
	for i := 0; i < 150; i++ {
		addRefRevision(ref, fmt.Sprintf("%d-x", i+1))
	}
	if len(ref.Revisions) != 100 {
		t.Fatalf("expected 100 revisions, got %d", len(ref.Revisions))
	}
	if ref.Revisions[0] != "1-x" || ref.Revisions[99] != "150-x" {
		t.Fatalf("expected the first and latest revisions, got %s and %s", ref.Revisions[0], ref.Revisions[99])
	}
	if addRefRevision(ref, "150-x") || addRefRevision(ref, "") {
		t.Fatalf("expected known and empty revisions to be ignored")
	}
}

func TestValidateRequests(t *testing.T) {
	valid := []byte(`{"description":"d","rules":[{"title":"t","doctype":"io.cozy.files","values":["x"],"add":"sync"}],"recipients":[{"email":"a@b.c"}]}`)
	if err := ValidateCreateRequest(valid); err != nil {
		t.Fatalf("expected a valid request, got %v", err)
	}
	invalid := [][]byte{
		[]byte(`{"description":"","rules":[{"title":"t","doctype":"d","values":["x"]}]}`),
		[]byte(`{"description":"d","rules":[]}`),
		[]byte(`{"description":"d","rules":[{"title":"t","doctype":"d","values":[]}]}`),
		[]byte(`{"description":"d","rules":[{"title":"t","doctype":"d","values":["x"]}],"recipients":[{"read_only":"yes"}]}`),
	}
	for i, body := range invalid {
		if err := ValidateCreateRequest(body); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
	if err := ValidateMembersRequest([]byte(`{"recipients":[{"email":"a@b.c"}],"group":"g"}`)); err != nil {
		t.Fatalf("expected a valid members request, got %v", err)
	}
	if err := ValidateMembersRequest([]byte(`{"recipients":[{"email":3}]}`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
