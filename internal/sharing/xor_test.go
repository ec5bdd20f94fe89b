package sharing

import (
	"strings"
	"testing"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

func TestMakeXorKeyReturnsNibbles(t *testing.T) {
	key, err := MakeXorKey()
	if err != nil {
		t.Fatalf("make key failed: %v", err)
	}
	if len(key) != 16 {
		t.Fatalf("expected 16 nibbles, got %d", len(key))
	}
	for i, b := range key {
		if b > 0xf {
			t.Fatalf("expected a nibble at %d, got %#x", i, b)
		}
	}
}

func TestXorIDIsAnInvolution(t *testing.T) {
	key := []byte{0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7, 0x8, 0x9, 0xa, 0xb, 0xc, 0xd, 0xe, 0xf, 0x0}
	cases := []string{
		"0123456789abcdef0123456789abcdef",
		"4e8f2c70-1b3a-4d55-9e21-0f7a6b8c9d10",
		"ABCDEF",
	}
	for _, id := range cases {
		mapped := XorID(id, key)
		if len(mapped) != len(id) {
			t.Fatalf("expected length %d, got %d", len(id), len(mapped))
		}
		if mapped == id {
			t.Fatalf("expected %s to change", id)
		}
		if back := XorID(mapped, key); back != id {
			t.Fatalf("expected %s back, got %s", id, back)
		}
	}
	if got := XorID("ABCDEF", key); strings.ToUpper(got) != got {
		t.Fatalf("expected the letter case to be kept, got %s", got)
	}
	if got := XorID("4e8f-xyz", key); got[4] != '-' || got[5:] != "xyz" {
		t.Fatalf("expected non hex characters to be kept, got %s", got)
	}
	if got := XorID("abc", nil); got != "abc" {
		t.Fatalf("expected no key to keep the id, got %s", got)
	}
}

func TestMapperOnlyMapsOwnedFileIDs(t *testing.T) {
	key, err := MakeXorKey()
	if err != nil {
		t.Fatalf("make key failed: %v", err)
	}
	owned := &Sharing{
		Owner:       true,
		Members:     []Member{{Status: StatusOwner}, {Status: StatusReady}},
		Credentials: []Credentials{{XorKey: key}},
	}
	m := NewMapper(owned, 1)
	if m.Identity() {
		t.Fatalf("expected a keyed mapper")
	}
	id := "0123456789abcdef0123456789abcdef"
	if got := m.ID(docstore.DoctypeFiles, id); got != XorID(id, key) {
		t.Fatalf("expected %s, got %s", XorID(id, key), got)
	}
	for _, reserved := range []string{docstore.RootDirID, docstore.TrashDirID, docstore.SharedWithMeDirID} {
		if got := m.ID(docstore.DoctypeFiles, reserved); got != reserved {
			t.Fatalf("expected reserved id %s to be kept, got %s", reserved, got)
		}
	}
	if got := m.ID(docstore.DoctypeContacts, id); got != id {
		t.Fatalf("expected other doctypes to be kept, got %s", got)
	}

	doc := &docstore.Document{ID: id, Doctype: docstore.DoctypeFiles, DirID: docstore.RootDirID, Path: "/a", RestoreDirID: id}
	out := m.Document(doc)
	if out.ID != XorID(id, key) || out.DirID != docstore.RootDirID || out.Path != "" || out.RestoreDirID != "" {
		t.Fatalf("unexpected mapped document: %+v", out)
	}
	if doc.ID != id {
		t.Fatalf("expected the input document to be left alone")
	}

	recipient := &Sharing{Members: owned.Members, Credentials: []Credentials{{State: "s"}}}
	if !NewMapper(recipient, 0).Identity() {
		t.Fatalf("expected recipients to map nothing")
	}
	if !NewMapper(owned, 7).Identity() {
		t.Fatalf("expected an unknown member to map nothing")
	}
}
