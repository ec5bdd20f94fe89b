package docstore

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DoctypeFiles        = "io.cozy.files"
	DoctypeContacts     = "io.cozy.contacts"
	DoctypeAlbums       = "io.cozy.photos.albums"
	DoctypeShared       = "io.cozy.shared"
	DoctypeSharings     = "io.cozy.sharings"
	DoctypeTriggers     = "io.cozy.triggers"
	DoctypeOAuthClients = "io.cozy.oauth.clients"

	TypeFile      = "file"
	TypeDirectory = "directory"

	RootDirID         = "io.cozy.files.root-dir"
	TrashDirID        = "io.cozy.files.trash-dir"
	SharedWithMeDirID = "io.cozy.files.shared-with-me-dir"

	SharedWithMeDirName = "Shared with me"
	TrashDirName        = ".cozy_trash"

	maxRevisions = 1000
)

// Document is a versioned record. Files and directories use the typed file
// fields; other doctypes carry their body in Attributes.
type Document struct {
	ID           string            `json:"_id"`
	Rev          string            `json:"_rev,omitempty"`
	Revisions    []string          `json:"_revisions,omitempty"`
	Deleted      bool              `json:"_deleted,omitempty"`
	Doctype      string            `json:"doctype"`
	Type         string            `json:"type,omitempty"`
	Name         string            `json:"name,omitempty"`
	DirID        string            `json:"dir_id,omitempty"`
	Path         string            `json:"path,omitempty"`
	Trashed      bool              `json:"trashed,omitempty"`
	RestoreDirID string            `json:"restore_dir_id,omitempty"`
	MD5Sum       string            `json:"md5sum,omitempty"`
	Size         int64             `json:"size,omitempty"`
	Mime         string            `json:"mime,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Attributes   json.RawMessage   `json:"attributes,omitempty"`
	CreatedAt    time.Time         `json:"created_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at,omitempty"`
}

func (d *Document) IsDir() bool {
	return d != nil && d.Doctype == DoctypeFiles && d.Type == TypeDirectory
}

func (d *Document) IsFile() bool {
	return d != nil && d.Doctype == DoctypeFiles && d.Type == TypeFile
}

// Removed reports whether the document is trashed or tombstoned.
func (d *Document) Removed() bool {
	return d == nil || d.Deleted || d.Trashed
}

// FirstRevision is the creation revision. It is identical on every member
// holding the document.
func (d *Document) FirstRevision() string {
	if d == nil {
		return ""
	}
	if len(d.Revisions) > 0 {
		return d.Revisions[0]
	}
	return d.Rev
}

// Knows reports whether rev is the current revision or part of the history.
func (d *Document) Knows(rev string) bool {
	if d == nil || rev == "" {
		return false
	}
	if d.Rev == rev {
		return true
	}
	for _, known := range d.Revisions {
		if known == rev {
			return true
		}
	}
	return false
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Revisions != nil {
		clone.Revisions = append([]string(nil), d.Revisions...)
	}
	if d.Metadata != nil {
		clone.Metadata = make(map[string]string, len(d.Metadata))
		for key, value := range d.Metadata {
			clone.Metadata[key] = value
		}
	}
	if d.Attributes != nil {
		clone.Attributes = append(json.RawMessage(nil), d.Attributes...)
	}
	return &clone
}

// Tombstone keeps the identity fields only.
func (d *Document) Tombstone() *Document {
	return &Document{
		ID:        d.ID,
		Rev:       d.Rev,
		Revisions: append([]string(nil), d.Revisions...),
		Deleted:   true,
		Doctype:   d.Doctype,
		Type:      d.Type,
		Name:      d.Name,
		DirID:     d.DirID,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// SameContent compares the replicated body of two documents, ignoring
// identity, revisions and timestamps.
func SameContent(a, b *Document) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(bodyDigest(a), bodyDigest(b))
}

type digestBody struct {
	ID         string            `json:"id"`
	Doctype    string            `json:"doctype"`
	Type       string            `json:"type,omitempty"`
	Name       string            `json:"name,omitempty"`
	DirID      string            `json:"dir_id,omitempty"`
	Trashed    bool              `json:"trashed,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
	MD5Sum     string            `json:"md5sum,omitempty"`
	Size       int64             `json:"size,omitempty"`
	Mime       string            `json:"mime,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Attributes string            `json:"attributes,omitempty"`
}

func bodyDigest(d *Document) []byte {
	body := digestBody{
		ID:         d.ID,
		Doctype:    d.Doctype,
		Type:       d.Type,
		Name:       d.Name,
		DirID:      d.DirID,
		Trashed:    d.Trashed,
		Deleted:    d.Deleted,
		MD5Sum:     d.MD5Sum,
		Size:       d.Size,
		Mime:       d.Mime,
		Metadata:   d.Metadata,
		Attributes: compactJSON(d.Attributes),
	}
	data, _ := json.Marshal(body)
	return data
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// RevGeneration returns the generation counter of a "<gen>-<hash>" token.
func RevGeneration(rev string) int {
	idx := strings.IndexByte(rev, '-')
	if idx <= 0 {
		return 0
	}
	gen, err := strconv.Atoi(rev[:idx])
	if err != nil {
		return 0
	}
	return gen
}

func RevHash(rev string) string {
	idx := strings.IndexByte(rev, '-')
	if idx < 0 {
		return rev
	}
	return rev[idx+1:]
}

// CompareRevisions orders revisions by generation, then by hash. The greater
// revision wins a conflict.
func CompareRevisions(a, b string) int {
	genA, genB := RevGeneration(a), RevGeneration(b)
	switch {
	case genA < genB:
		return -1
	case genA > genB:
		return 1
	}
	return strings.Compare(RevHash(a), RevHash(b))
}

// NextRevision derives the child revision of parent for the given body. The
// same edit applied to the same parent always yields the same token.
func NextRevision(parent string, doc *Document) string {
	h := md5.New()
	_, _ = io.WriteString(h, parent)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(bodyDigest(doc))
	return fmt.Sprintf("%d-%s", RevGeneration(parent)+1, hex.EncodeToString(h.Sum(nil)))
}

// MergeRevision derives the revision of a document merging branches a and b.
// The inputs are order independent and never include member-local ids, so
// every member computing the same merge gets the same token.
func MergeRevision(a, b string, parts ...string) string {
	revs := []string{a, b}
	sort.Strings(revs)
	gen := RevGeneration(a)
	if other := RevGeneration(b); other > gen {
		gen = other
	}
	h := md5.New()
	for _, rev := range revs {
		_, _ = io.WriteString(h, rev)
		_, _ = h.Write([]byte{0})
	}
	for _, part := range parts {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%d-%s", gen+1, hex.EncodeToString(h.Sum(nil)))
}

// MergeHistory returns the union of two revision histories, keeping the order
// of a and appending unknown entries of b.
func MergeHistory(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, rev := range list {
			if rev == "" {
				continue
			}
			if _, ok := seen[rev]; ok {
				continue
			}
			seen[rev] = struct{}{}
			out = append(out, rev)
		}
	}
	return trimHistory(out)
}

func appendRevision(history []string, rev string) []string {
	for _, known := range history {
		if known == rev {
			return trimHistory(history)
		}
	}
	return trimHistory(append(history, rev))
}

// trimHistory bounds the history, always keeping the creation revision.
func trimHistory(history []string) []string {
	if len(history) <= maxRevisions {
		return history
	}
	out := make([]string, 0, maxRevisions)
	out = append(out, history[0])
	out = append(out, history[len(history)-maxRevisions+1:]...)
	return out
}

func ContentMD5(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

func IsReservedID(id string) bool {
	return strings.HasPrefix(id, "io.cozy.")
}

// SplitExt splits a file name into base and extension. Dot files and names
// without extension have an empty extension.
func SplitExt(name string) (string, string) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return name, ""
	}
	return name[:idx], name[idx:]
}
