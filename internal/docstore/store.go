package docstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayshare/internal/logging"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrRevisionConflict    = errors.New("revision conflict")
	ErrMissingPrecondition = errors.New("missing precondition")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidState        = errors.New("invalid state")
	ErrNotImplemented      = errors.New("not implemented")
	ErrNameConflict        = errors.New("name conflict")
	ErrUnknownDoctype      = errors.New("unknown doctype")
	ErrContentPending      = errors.New("content not yet available")
	ErrCorrupted           = errors.New("store corrupted")
)

type ConflictError struct {
	ExpectedRevision string
	CurrentRevision  string
}

func (e *ConflictError) Error() string {
	return "revision conflict"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

type Verb string

const (
	VerbCreated Verb = "CREATED"
	VerbUpdated Verb = "UPDATED"
	VerbDeleted Verb = "DELETED"
)

type Change struct {
	Seq     uint64    `json:"seq"`
	Doctype string    `json:"doctype"`
	ID      string    `json:"id"`
	Rev     string    `json:"rev"`
	Deleted bool      `json:"deleted,omitempty"`
	Verb    Verb      `json:"verb"`
	Doc     *Document `json:"doc,omitempty"`
}

type ChangesFeed struct {
	Results []Change `json:"results"`
	LastSeq uint64   `json:"last_seq"`
	Pending int      `json:"pending"`
}

type StoreOptions struct {
	StateBackend StateBackend
	Registry     *Registry
	Clock        func() time.Time
	Logger       logging.Logger
}

type Store struct {
	mu           sync.RWMutex
	collections  map[string]*collection
	blobs        map[string][]byte
	seq          uint64
	registry     *Registry
	stateBackend StateBackend
	now          func() time.Time
	logger       logging.Logger

	subMu       sync.RWMutex
	subscribers map[int]func(Change)
	subCounter  int
	closeOnce   sync.Once
}

type collection struct {
	Docs map[string]*Document `json:"docs"`
	Seqs map[string]uint64    `json:"seqs"`
}

type persistedState struct {
	Seq         uint64                 `json:"seq"`
	Collections map[string]*collection `json:"collections"`
	Blobs       map[string][]byte      `json:"blobs"`
}

func NewStore() *Store {
	store, _ := NewStoreWithOptions(StoreOptions{})
	return store
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Store{
		collections:  map[string]*collection{},
		blobs:        map[string][]byte{},
		registry:     registry,
		stateBackend: opts.StateBackend,
		now:          clock,
		logger:       logger,
		subscribers:  map[int]func(Change){},
	}
	if err := s.loadFromBackend(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	s.mu.Lock()
	changes := s.ensureFileRootsLocked()
	var saveErr error
	if len(changes) > 0 {
		saveErr = s.saveLocked()
	}
	s.mu.Unlock()
	if saveErr != nil {
		return nil, saveErr
	}
	return s, nil
}

func (s *Store) Registry() *Registry {
	return s.registry
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if closer, ok := s.stateBackend.(stateBackendCloser); ok {
			err = closer.Close()
		}
	})
	return err
}

// Subscribe registers fn for every committed change. Listeners run after the
// store lock is released, in commit order for a single writer.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	s.subCounter++
	id := s.subCounter
	s.subscribers[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.subMu.RLock()
	listeners := make([]func(Change), 0, len(s.subscribers))
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, s.subscribers[id])
	}
	s.subMu.RUnlock()
	for _, change := range changes {
		for _, listener := range listeners {
			listener(change)
		}
	}
}

func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Store) Get(doctype, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := s.lookupLocked(doctype, id)
	if doc == nil || doc.Deleted {
		return nil, ErrNotFound
	}
	return s.presentLocked(doc), nil
}

// GetWithDeleted also returns tombstones.
func (s *Store) GetWithDeleted(doctype, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := s.lookupLocked(doctype, id)
	if doc == nil {
		return nil, ErrNotFound
	}
	return s.presentLocked(doc), nil
}

// All returns the live documents of a doctype sorted by id.
func (s *Store) All(doctype string) []*Document {
	return s.Find(doctype, nil)
}

func (s *Store) Find(doctype string, match func(*Document) bool) []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[doctype]
	if !ok {
		return []*Document{}
	}
	out := make([]*Document, 0, len(coll.Docs))
	for _, doc := range coll.Docs {
		if doc.Deleted {
			continue
		}
		if match != nil && !match(doc) {
			continue
		}
		out = append(out, s.presentLocked(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Create(doc *Document) (*Document, error) {
	return s.create(doc, nil)
}

// create inserts doc after check passes under the write lock.
func (s *Store) create(doc *Document, check func() error) (*Document, error) {
	if doc == nil || strings.TrimSpace(doc.Doctype) == "" {
		return nil, ErrInvalidInput
	}
	doc = doc.Clone()
	if doc.ID == "" {
		doc.ID = NewID()
	}
	doc.Deleted = false
	if err := s.registry.Validate(doc); err != nil {
		return nil, err
	}

	s.mu.Lock()
	existing := s.lookupLocked(doc.Doctype, doc.ID)
	if existing != nil && !existing.Deleted {
		s.mu.Unlock()
		return nil, &ConflictError{ExpectedRevision: "", CurrentRevision: existing.Rev}
	}
	if check != nil {
		if err := check(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	var history []string
	parent := ""
	if existing != nil {
		history = existing.Revisions
		parent = existing.Rev
	}
	now := s.now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.Path = ""
	doc.Rev = NextRevision(parent, doc)
	doc.Revisions = appendRevision(append([]string(nil), history...), doc.Rev)
	change := s.writeLocked(doc, VerbCreated)
	err := s.saveLocked()
	out := s.presentLocked(doc)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.publish([]Change{change})
	return out, nil
}

// Update replaces a live document. doc.Rev must be the current revision.
func (s *Store) Update(doc *Document) (*Document, error) {
	if doc == nil || doc.Doctype == "" || doc.ID == "" {
		return nil, ErrInvalidInput
	}
	if doc.Rev == "" {
		return nil, ErrMissingPrecondition
	}
	doc = doc.Clone()
	if err := s.registry.Validate(doc); err != nil {
		return nil, err
	}
	s.mu.Lock()
	existing := s.lookupLocked(doc.Doctype, doc.ID)
	if existing == nil || existing.Deleted {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if existing.Rev != doc.Rev {
		s.mu.Unlock()
		return nil, &ConflictError{ExpectedRevision: doc.Rev, CurrentRevision: existing.Rev}
	}
	if existing.Type != doc.Type {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: type of %s cannot change", ErrInvalidInput, doc.ID)
	}
	change, out, err := s.commitEditLocked(existing, doc)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.publish(change)
	return out, nil
}

func (s *Store) Delete(doctype, id, rev string) (*Document, error) {
	if rev == "" {
		return nil, ErrMissingPrecondition
	}
	s.mu.Lock()
	existing := s.lookupLocked(doctype, id)
	if existing == nil || existing.Deleted {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if existing.Rev != rev {
		s.mu.Unlock()
		return nil, &ConflictError{ExpectedRevision: rev, CurrentRevision: existing.Rev}
	}
	tomb := existing.Tombstone()
	change, out, err := s.commitEditLocked(existing, tomb)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.publish(change)
	return out, nil
}

// PutReplicated stores a revision produced elsewhere, keeping its token and
// ancestry. expectedRev is the revision the caller based its decision on ("" when
// the document was absent); a concurrent local write yields a ConflictError.
func (s *Store) PutReplicated(doc *Document, expectedRev string) (*Document, error) {
	if doc == nil || doc.ID == "" || doc.Doctype == "" || doc.Rev == "" {
		return nil, ErrInvalidInput
	}
	doc = doc.Clone()
	if err := s.registry.Validate(doc); err != nil {
		return nil, err
	}
	s.mu.Lock()
	existing := s.lookupLocked(doc.Doctype, doc.ID)
	currentRev := ""
	if existing != nil {
		currentRev = existing.Rev
	}
	if currentRev != expectedRev {
		s.mu.Unlock()
		return nil, &ConflictError{ExpectedRevision: expectedRev, CurrentRevision: currentRev}
	}
	if existing != nil && !existing.Deleted && !doc.Deleted && existing.Type != doc.Type {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: type of %s cannot change", ErrInvalidInput, doc.ID)
	}
	now := s.now()
	verb := VerbUpdated
	if existing == nil || existing.Deleted {
		verb = VerbCreated
		doc.CreatedAt = now
	} else {
		doc.CreatedAt = existing.CreatedAt
		doc.Revisions = MergeHistory(existing.Revisions, doc.Revisions)
	}
	if doc.Deleted {
		verb = VerbDeleted
	}
	doc.Revisions = appendRevision(doc.Revisions, doc.Rev)
	doc.UpdatedAt = now
	doc.Path = ""
	change := s.writeLocked(doc, verb)
	err := s.saveLocked()
	out := s.presentLocked(doc)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.publish([]Change{change})
	return out, nil
}

// Changes lists the latest change of every document of doctype modified after
// since, in sequence order.
func (s *Store) Changes(doctype string, since uint64, limit int) (ChangesFeed, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.collections[doctype]
	if !ok {
		return ChangesFeed{Results: []Change{}, LastSeq: since}, nil
	}
	type entry struct {
		id  string
		seq uint64
	}
	entries := make([]entry, 0)
	for id, seq := range coll.Seqs {
		if seq > since {
			entries = append(entries, entry{id: id, seq: seq})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	feed := ChangesFeed{Results: []Change{}, LastSeq: since}
	for i, e := range entries {
		if i >= limit {
			feed.Pending = len(entries) - limit
			break
		}
		doc := coll.Docs[e.id]
		if doc == nil {
			continue
		}
		verb := VerbUpdated
		if doc.Deleted {
			verb = VerbDeleted
		}
		feed.Results = append(feed.Results, Change{
			Seq:     e.seq,
			Doctype: doctype,
			ID:      e.id,
			Rev:     doc.Rev,
			Deleted: doc.Deleted,
			Verb:    verb,
			Doc:     s.presentLocked(doc),
		})
		feed.LastSeq = e.seq
	}
	return feed, nil
}

// LastSeq is the highest sequence of doctype.
func (s *Store) LastSeq(doctype string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last uint64
	if coll, ok := s.collections[doctype]; ok {
		for _, seq := range coll.Seqs {
			if seq > last {
				last = seq
			}
		}
	}
	return last
}

func (s *Store) PutContent(content []byte) string {
	sum := ContentMD5(content)
	s.mu.Lock()
	if _, ok := s.blobs[sum]; !ok {
		s.blobs[sum] = append([]byte(nil), content...)
		if err := s.saveLocked(); err != nil {
			s.logger.Warn("persist blob failed", "md5sum", sum, "error", err)
		}
	}
	s.mu.Unlock()
	return sum
}

func (s *Store) HasContent(sum string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[sum]
	return ok
}

func (s *Store) Content(sum string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[sum]
	if !ok {
		return nil, ErrContentPending
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) lookupLocked(doctype, id string) *Document {
	coll, ok := s.collections[doctype]
	if !ok {
		return nil
	}
	return coll.Docs[id]
}

func (s *Store) collectionLocked(doctype string) *collection {
	coll, ok := s.collections[doctype]
	if !ok {
		coll = &collection{Docs: map[string]*Document{}, Seqs: map[string]uint64{}}
		s.collections[doctype] = coll
	}
	return coll
}

// commitEditLocked writes next as the child revision of existing and persists.
func (s *Store) commitEditLocked(existing, next *Document) ([]Change, *Document, error) {
	change := s.reviseLocked(existing, next)
	if err := s.saveLocked(); err != nil {
		return nil, nil, err
	}
	return []Change{change}, s.presentLocked(next), nil
}

func (s *Store) reviseLocked(existing, next *Document) Change {
	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = s.now()
	next.Path = ""
	next.Rev = NextRevision(existing.Rev, next)
	next.Revisions = appendRevision(append([]string(nil), existing.Revisions...), next.Rev)
	verb := VerbUpdated
	if next.Deleted {
		verb = VerbDeleted
	}
	return s.writeLocked(next, verb)
}

func (s *Store) writeLocked(doc *Document, verb Verb) Change {
	coll := s.collectionLocked(doc.Doctype)
	s.seq++
	coll.Docs[doc.ID] = doc
	coll.Seqs[doc.ID] = s.seq
	return Change{
		Seq:     s.seq,
		Doctype: doc.Doctype,
		ID:      doc.ID,
		Rev:     doc.Rev,
		Deleted: doc.Deleted,
		Verb:    verb,
		Doc:     s.presentLocked(doc),
	}
}

// presentLocked returns a copy decorated with derived fields.
func (s *Store) presentLocked(doc *Document) *Document {
	out := doc.Clone()
	if out.Doctype == DoctypeFiles && !out.Deleted {
		if path, err := s.pathLocked(out.ID); err == nil {
			out.Path = path
		}
	}
	return out
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	if snapshot.Collections != nil {
		s.collections = snapshot.Collections
		for _, coll := range s.collections {
			if coll.Docs == nil {
				coll.Docs = map[string]*Document{}
			}
			if coll.Seqs == nil {
				coll.Seqs = map[string]uint64{}
			}
		}
	}
	if snapshot.Blobs != nil {
		s.blobs = snapshot.Blobs
	}
	s.seq = snapshot.Seq
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := persistedState{
		Seq:         s.seq,
		Collections: s.collections,
		Blobs:       s.blobs,
	}
	return s.stateBackend.Save(&snapshot)
}
