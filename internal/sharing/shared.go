package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/logging"
)

// SharedInfo records how one sharing tracks a document.
type SharedInfo struct {
	Rule    int  `json:"rule"`
	Removed bool `json:"removed,omitempty"`
	Binary  bool `json:"binary,omitempty"`
}

// SharedRef is the io.cozy.shared entry of a document that belongs, or
// belonged, to at least one sharing. Its change feed drives replication.
type SharedRef struct {
	ID        string                `json:"-"`
	Rev       string                `json:"-"`
	Revisions []string              `json:"revisions"`
	Infos     map[string]SharedInfo `json:"infos"`
	// Base is the last body exchanged with peers, in local ids.
	Base *docstore.Document `json:"base,omitempty"`
}

func RefID(doctype, id string) string {
	return doctype + "/" + id
}

func SplitRefID(refID string) (string, string, bool) {
	idx := strings.LastIndexByte(refID, '/')
	if idx <= 0 || idx == len(refID)-1 {
		return "", "", false
	}
	return refID[:idx], refID[idx+1:], true
}

// Doctype and DocID split the ref id.
func (r *SharedRef) Doctype() string {
	doctype, _, _ := SplitRefID(r.ID)
	return doctype
}

func (r *SharedRef) DocID() string {
	_, id, _ := SplitRefID(r.ID)
	return id
}

func (r *SharedRef) Info(sharingID string) (SharedInfo, bool) {
	if r == nil || r.Infos == nil {
		return SharedInfo{}, false
	}
	info, ok := r.Infos[sharingID]
	return info, ok
}

// ParseRef decodes an io.cozy.shared document.
func ParseRef(doc *docstore.Document) (*SharedRef, error) {
	ref := &SharedRef{}
	if len(doc.Attributes) > 0 {
		if err := json.Unmarshal(doc.Attributes, ref); err != nil {
			return nil, fmt.Errorf("%w: shared ref %s: %v", docstore.ErrCorrupted, doc.ID, err)
		}
	}
	ref.ID = doc.ID
	ref.Rev = doc.Rev
	if ref.Infos == nil {
		ref.Infos = map[string]SharedInfo{}
	}
	return ref, nil
}

// LoadRef returns nil without error when the document was never shared.
func LoadRef(store *docstore.Store, doctype, id string) (*SharedRef, error) {
	doc, err := store.Get(docstore.DoctypeShared, RefID(doctype, id))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ParseRef(doc)
}

// UpdateRef loads (or starts) the ref of a document, lets fn modify it and
// saves it when fn reports a change. Concurrent writers are retried.
func UpdateRef(store *docstore.Store, doctype, id string, fn func(ref *SharedRef) bool) (*SharedRef, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		ref, err := LoadRef(store, doctype, id)
		if err != nil {
			return nil, err
		}
		if ref == nil {
			ref = &SharedRef{ID: RefID(doctype, id), Infos: map[string]SharedInfo{}}
		}
		if !fn(ref) {
			return ref, nil
		}
		body, err := json.Marshal(ref)
		if err != nil {
			return nil, err
		}
		doc := &docstore.Document{ID: ref.ID, Rev: ref.Rev, Doctype: docstore.DoctypeShared, Attributes: body}
		var saved *docstore.Document
		if ref.Rev == "" {
			saved, err = store.Create(doc)
		} else {
			saved, err = store.Update(doc)
		}
		if err != nil {
			if errors.Is(err, docstore.ErrRevisionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		ref.Rev = saved.Rev
		return ref, nil
	}
	return nil, lastErr
}

func addRefRevision(ref *SharedRef, rev string) bool {
	if rev == "" {
		return false
	}
	for _, known := range ref.Revisions {
		if known == rev {
			return false
		}
	}
	ref.Revisions = append(ref.Revisions, rev)
	if len(ref.Revisions) > 100 {
		ref.Revisions = append(ref.Revisions[:1], ref.Revisions[len(ref.Revisions)-99:]...)
	}
	return true
}

// RecordExchange stores doc as the base of its ref and marks it tracked by
// the sharing. It is called after a revision was sent to or received from a
// peer.
func RecordExchange(store *docstore.Store, sharingID string, rule int, doc *docstore.Document) error {
	_, err := UpdateRef(store, doc.Doctype, doc.ID, func(ref *SharedRef) bool {
		info := ref.Infos[sharingID]
		info.Rule = rule
		info.Removed = doc.Removed()
		info.Binary = doc.IsFile()
		ref.Infos[sharingID] = info
		addRefRevision(ref, doc.Rev)
		if doc.Removed() {
			ref.Base = nil
		} else {
			base := doc.Clone()
			base.Path = ""
			ref.Base = base
		}
		return true
	})
	return err
}

// DropSharingRefs removes the infos of a sharing from every ref.
func DropSharingRefs(store *docstore.Store, sharingID string) error {
	docs := store.All(docstore.DoctypeShared)
	for _, doc := range docs {
		ref, err := ParseRef(doc)
		if err != nil {
			return err
		}
		if _, ok := ref.Infos[sharingID]; !ok {
			continue
		}
		doctype, id, ok := SplitRefID(ref.ID)
		if !ok {
			continue
		}
		if _, err := UpdateRef(store, doctype, id, func(ref *SharedRef) bool {
			if _, ok := ref.Infos[sharingID]; !ok {
				return false
			}
			delete(ref.Infos, sharingID)
			return true
		}); err != nil {
			return err
		}
	}
	return nil
}

// Tracker keeps the io.cozy.shared refs of a sharing up to date with local
// document changes.
type Tracker struct {
	store  *docstore.Store
	logger logging.Logger
}

func NewTracker(store *docstore.Store, logger logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Tracker{store: store, logger: logger}
}

// Track handles one change of the local store for a sharing.
func (t *Tracker) Track(ctx context.Context, sharingID string, change docstore.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.store.Registry().Shareable(change.Doctype) {
		return nil
	}
	s, err := Load(t.store, sharingID)
	if err != nil {
		return err
	}
	if !s.Active {
		return nil
	}
	doc := change.Doc
	if doc == nil {
		doc, err = t.store.GetWithDeleted(change.Doctype, change.ID)
		if err != nil {
			return err
		}
	}
	_, err = t.TrackDoc(s, doc)
	return err
}

// TrackDoc updates the ref of doc for s. It reports whether the ref changed.
// A directory entering the shared set pulls its descendants in with it.
func (t *Tracker) TrackDoc(s *Sharing, doc *docstore.Document) (bool, error) {
	rule, matched := t.RuleFor(s, doc)
	enteredSet := false
	changed := false
	_, err := UpdateRef(t.store, doc.Doctype, doc.ID, func(ref *SharedRef) bool {
		changed = trackRef(s.ID, ref, doc, rule, matched, &enteredSet)
		return changed
	})
	if err != nil {
		return false, err
	}
	if matched && enteredSet && doc.IsDir() {
		for _, child := range t.store.Descendants(doc.ID) {
			if _, err := t.TrackDoc(s, child); err != nil {
				return changed, err
			}
		}
	}
	return changed, nil
}

func trackRef(sharingID string, ref *SharedRef, doc *docstore.Document, rule int, matched bool, enteredSet *bool) bool {
	info, known := ref.Infos[sharingID]
	if !matched {
		if !known {
			return false
		}
		changed := addRefRevision(ref, doc.Rev)
		if !info.Removed {
			info.Removed = true
			ref.Infos[sharingID] = info
			changed = true
		}
		return changed
	}
	*enteredSet = !known || info.Removed
	changed := addRefRevision(ref, doc.Rev)
	next := SharedInfo{Rule: rule, Binary: doc.IsFile()}
	if !known || info != next {
		ref.Infos[sharingID] = next
		changed = true
	}
	return changed
}

// InitialIndex creates the refs of every document matching the rules of s and
// returns how many documents were indexed.
func (t *Tracker) InitialIndex(s *Sharing) (int, error) {
	count := 0
	for i, rule := range s.Rules {
		for _, doc := range t.candidates(rule) {
			if matchedRule, ok := t.RuleFor(s, doc); !ok || matchedRule != i {
				continue
			}
			if _, err := UpdateRef(t.store, doc.Doctype, doc.ID, func(ref *SharedRef) bool {
				addRefRevision(ref, doc.Rev)
				ref.Infos[s.ID] = SharedInfo{Rule: i, Binary: doc.IsFile()}
				return true
			}); err != nil {
				return count, err
			}
			count++
		}
	}
	t.logger.Info("sharing indexed", "sharing", s.ID, "documents", count)
	return count, nil
}

func (t *Tracker) candidates(rule Rule) []*docstore.Document {
	if root, ok := rule.FilesRoot(); ok {
		if doc, err := t.store.Get(docstore.DoctypeFiles, root); err == nil && doc.IsFile() {
			return []*docstore.Document{doc}
		}
		return t.store.Descendants(root)
	}
	return t.store.Find(rule.Doctype, func(doc *docstore.Document) bool { return !doc.Deleted })
}

// RuleFor returns the first rule of s matching doc. Removed documents match
// nothing, and the shared root directory is not itself replicated.
func (t *Tracker) RuleFor(s *Sharing, doc *docstore.Document) (int, bool) {
	if doc == nil || doc.Removed() {
		return -1, false
	}
	for i, rule := range s.Rules {
		if rule.Doctype != doc.Doctype {
			continue
		}
		if t.matches(rule, doc) {
			return i, true
		}
	}
	return -1, false
}

func (t *Tracker) matches(rule Rule, doc *docstore.Document) bool {
	if rule.Doctype == docstore.DoctypeFiles && rule.Selector == "" {
		for _, value := range rule.Values {
			if doc.ID == value {
				return doc.IsFile()
			}
			if t.store.IsUnder(doc.ID, value) {
				return true
			}
		}
		return false
	}
	if rule.Selector == "" || rule.Selector == "id" || rule.Selector == "_id" {
		return containsString(rule.Values, doc.ID)
	}
	value, ok := selectorValue(doc, rule.Selector)
	return ok && containsString(rule.Values, value)
}

func selectorValue(doc *docstore.Document, selector string) (string, bool) {
	if strings.HasPrefix(selector, "metadata.") {
		value, ok := doc.Metadata[strings.TrimPrefix(selector, "metadata.")]
		return value, ok
	}
	if value, ok := doc.Metadata[selector]; ok {
		return value, true
	}
	if len(doc.Attributes) == 0 {
		return "", false
	}
	var attrs map[string]any
	if err := json.Unmarshal(doc.Attributes, &attrs); err != nil {
		return "", false
	}
	switch value := attrs[selector].(type) {
	case string:
		return value, true
	case float64, bool:
		return fmt.Sprint(value), true
	}
	return "", false
}

func containsString(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
