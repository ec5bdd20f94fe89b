package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relayshare/internal/conflict"
	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/logging"
	"github.com/agentworkforce/relayshare/internal/sharing"
)

const defaultFeedBatch = 100

// Lifecycle is the part of the sharing manager the engine relies on.
type Lifecycle interface {
	Target(s *sharing.Sharing, index int) (sharing.Target, error)
	SelfReadOnly(s *sharing.Sharing) bool
	Halt(sharingID, reason string) error
	FireUpload(s *sharing.Sharing)
}

type Options struct {
	Store     *docstore.Store
	Lifecycle Lifecycle
	Peer      Peer
	Resolver  *conflict.Resolver
	Logger    logging.Logger
	FeedBatch int
}

// Result counts the documents of a pass. Dropped documents were refused by
// the collision or permission checks.
type Result struct {
	Applied int `json:"applied"`
	Dropped int `json:"dropped"`
}

func (r *Result) add(other Result) {
	r.Applied += other.Applied
	r.Dropped += other.Dropped
}

type Engine struct {
	store     *docstore.Store
	lifecycle Lifecycle
	peer      Peer
	resolver  *conflict.Resolver
	logger    logging.Logger
	feedBatch int
	locks     keyedMutex
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Lifecycle == nil || opts.Peer == nil {
		return nil, fmt.Errorf("%w: store, lifecycle and peer are required", sharing.ErrInvalidInput)
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = conflict.NewResolver(opts.Store.Registry())
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	batch := opts.FeedBatch
	if batch <= 0 {
		batch = defaultFeedBatch
	}
	return &Engine{
		store:     opts.Store,
		lifecycle: opts.Lifecycle,
		peer:      opts.Peer,
		resolver:  resolver,
		logger:    logger,
		feedBatch: batch,
	}, nil
}

// Replicate pushes the pending changes of a sharing to every peer, one
// goroutine per member.
func (e *Engine) Replicate(ctx context.Context, sharingID string) (Result, error) {
	s, err := sharing.Load(e.store, sharingID)
	if err != nil {
		return Result{}, err
	}
	if !s.Active || s.Flags.ReplicationHalted {
		return Result{}, nil
	}
	var (
		mu    sync.Mutex
		total Result
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, member := range s.Peers() {
		member := member
		g.Go(func() error {
			result, err := e.replicateMember(gctx, sharingID, member)
			mu.Lock()
			total.add(result)
			mu.Unlock()
			if err != nil {
				return e.classify(sharingID, member, err)
			}
			return nil
		})
	}
	err = g.Wait()
	return total, err
}

// classify turns a peer failure into a retryable or a permanent error. An
// auth failure from a member that has meanwhile been revoked is expected and
// ignored; any other one halts the sharing.
func (e *Engine) classify(sharingID string, member int, err error) error {
	if !isPermanent(err) {
		return err
	}
	s, loadErr := sharing.Load(e.store, sharingID)
	if loadErr == nil {
		if !s.Active || member >= len(s.Members) || s.Members[member].Status == sharing.StatusRevoked {
			return nil
		}
	}
	if haltErr := e.lifecycle.Halt(sharingID, err.Error()); haltErr != nil {
		e.logger.Warn("halt not recorded", "sharing", sharingID, "error", haltErr)
	}
	return fmt.Errorf("%w: member %d: %v", ErrPermanent, member, err)
}

func (e *Engine) replicateMember(ctx context.Context, sharingID string, member int) (Result, error) {
	unlock := e.locks.lock(sharingID + "/" + fmt.Sprint(member))
	defer unlock()
	s, err := sharing.Load(e.store, sharingID)
	if err != nil {
		return Result{}, err
	}
	var total Result
	for rule := range s.Rules {
		result, err := e.replicateRuleLocked(ctx, sharingID, rule, member)
		total.add(result)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReplicateRule sends the changes of one rule to one member since the last
// sequence that member acknowledged.
func (e *Engine) ReplicateRule(ctx context.Context, sharingID string, rule, member int) (Result, error) {
	unlock := e.locks.lock(sharingID + "/" + fmt.Sprint(member))
	defer unlock()
	return e.replicateRuleLocked(ctx, sharingID, rule, member)
}

type outbound struct {
	local *docstore.Document
	wire  *docstore.Document
	depth int
}

func (e *Engine) replicateRuleLocked(ctx context.Context, sharingID string, ruleIndex, member int) (Result, error) {
	s, err := sharing.Load(e.store, sharingID)
	if err != nil {
		return Result{}, err
	}
	if ruleIndex < 0 || ruleIndex >= len(s.Rules) {
		return Result{}, fmt.Errorf("%w: rule %d", sharing.ErrInvalidInput, ruleIndex)
	}
	if !s.Active || s.Flags.ReplicationHalted {
		return Result{}, nil
	}
	rule := s.Rules[ruleIndex]
	creds, err := s.CredentialsFor(member)
	if err != nil {
		return Result{}, err
	}
	since := creds.Seqs[ruleIndex]
	initial := s.Owner && since == 0
	if s.Owner && s.Members[member].Status != sharing.StatusReady {
		return Result{}, nil
	}
	if !initial && !s.CanSend(rule, member, e.lifecycle.SelfReadOnly(s)) {
		return Result{}, nil
	}
	target, err := e.lifecycle.Target(s, member)
	if err != nil {
		return Result{}, err
	}

	refs, last, err := e.pendingRefs(s.ID, ruleIndex, since)
	if err != nil {
		return Result{}, err
	}
	mapper := sharing.NewMapper(s, member)
	var batch []outbound
	for _, ref := range refs {
		local, err := e.store.GetWithDeleted(ref.Doctype(), ref.DocID())
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			return Result{}, err
		}
		info, _ := ref.Info(s.ID)
		removed := info.Removed || local.Removed()
		if initial && removed {
			continue
		}
		if !initial && !rule.Allows(operation(local, removed), s.Owner) {
			continue
		}
		item := outbound{local: local}
		if removed {
			item.wire = &docstore.Document{
				ID:        mapper.ID(local.Doctype, local.ID),
				Rev:       local.Rev,
				Revisions: append([]string(nil), local.Revisions...),
				Deleted:   true,
				Trashed:   !local.Deleted,
				Doctype:   local.Doctype,
				Type:      local.Type,
				Name:      local.Name,
			}
			item.depth = -1
		} else {
			item.wire = mapper.Document(local)
			item.depth = e.depth(local)
		}
		batch = append(batch, item)
	}
	if len(batch) == 0 {
		return Result{}, e.acknowledge(s.ID, member, ruleIndex, last, 0)
	}

	revs := make(map[string][]string, len(batch))
	for _, item := range batch {
		revs[item.wire.ID] = []string{item.wire.Rev}
	}
	missing, err := e.peer.RevsDiff(ctx, target, revs)
	if err != nil {
		return Result{}, err
	}
	send := make([]outbound, 0, len(missing))
	for _, item := range batch {
		if _, ok := missing[item.wire.ID]; ok {
			send = append(send, item)
			continue
		}
		if err := e.refreshBase(s.ID, ruleIndex, item.local); err != nil {
			return Result{}, err
		}
	}
	orderForSend(send)

	var result Result
	if len(send) > 0 {
		docs := make([]*docstore.Document, len(send))
		for i, item := range send {
			docs[i] = item.wire
		}
		reply, err := e.peer.BulkDocs(ctx, target, ruleIndex, docs)
		if err != nil {
			return Result{}, err
		}
		stored := make(map[string]bool, len(reply.Stored))
		for _, id := range reply.Stored {
			stored[id] = true
		}
		// a revision the peer refused keeps the previous base, so its own
		// winner is seen as a concurrent edit when it comes back
		for _, item := range send {
			if !stored[item.wire.ID] {
				continue
			}
			if err := sharing.RecordExchange(e.store, s.ID, ruleIndex, item.local); err != nil {
				return result, err
			}
		}
		result.Applied = len(send)
		if len(reply.Missing) > 0 {
			if err := e.queueBlobs(s.ID, member, reply.Missing); err != nil {
				return result, err
			}
		}
	}
	if err := e.acknowledge(s.ID, member, ruleIndex, last, result.Applied); err != nil {
		return result, err
	}
	e.logger.Info("rule replicated", "sharing", s.ID, "member", member, "rule", ruleIndex, "sent", result.Applied, "since", since, "seq", last)
	return result, nil
}

func operation(local *docstore.Document, removed bool) string {
	switch {
	case removed:
		return sharing.OpRemove
	case local.FirstRevision() == local.Rev:
		return sharing.OpAdd
	default:
		return sharing.OpUpdate
	}
}

// pendingRefs reads the io.cozy.shared feed after since and keeps the refs
// of one rule of the sharing, in feed order.
func (e *Engine) pendingRefs(sharingID string, ruleIndex int, since uint64) ([]*sharing.SharedRef, uint64, error) {
	var refs []*sharing.SharedRef
	last := since
	for {
		feed, err := e.store.Changes(docstore.DoctypeShared, last, e.feedBatch)
		if err != nil {
			return nil, since, err
		}
		for _, change := range feed.Results {
			if change.Deleted || change.Doc == nil {
				continue
			}
			ref, err := sharing.ParseRef(change.Doc)
			if err != nil {
				return nil, since, err
			}
			if info, ok := ref.Info(sharingID); ok && info.Rule == ruleIndex {
				refs = append(refs, ref)
			}
		}
		last = feed.LastSeq
		if feed.Pending == 0 || len(feed.Results) == 0 {
			return refs, last, nil
		}
	}
}

func (e *Engine) depth(doc *docstore.Document) int {
	if doc.Doctype != docstore.DoctypeFiles {
		return 0
	}
	path, err := e.store.Path(doc.ID)
	if err != nil {
		return 0
	}
	return strings.Count(strings.Trim(path, "/"), "/")
}

// orderForSend puts live directories first, parents before children, then
// files and other documents, then removals.
func orderForSend(items []outbound) {
	rank := func(item outbound) int {
		switch {
		case item.wire.Deleted:
			return 2
		case item.local.IsDir():
			return 0
		default:
			return 1
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := rank(items[i]), rank(items[j])
		if ri != rj {
			return ri < rj
		}
		if ri == 0 {
			return items[i].depth < items[j].depth
		}
		return false
	})
}

// refreshBase records a revision the peer already holds as the common base,
// unless it is already recorded.
func (e *Engine) refreshBase(sharingID string, ruleIndex int, local *docstore.Document) error {
	ref, err := sharing.LoadRef(e.store, local.Doctype, local.ID)
	if err != nil {
		return err
	}
	if local.Removed() {
		return nil
	}
	if ref != nil && ref.Base != nil && ref.Base.Rev == local.Rev {
		return nil
	}
	return sharing.RecordExchange(e.store, sharingID, ruleIndex, local)
}

func (e *Engine) acknowledge(sharingID string, member, ruleIndex int, last uint64, sent int) error {
	_, err := sharing.Mutate(e.store, sharingID, func(s *sharing.Sharing) error {
		creds, err := s.CredentialsFor(member)
		if err != nil {
			return err
		}
		if creds.Seqs == nil {
			creds.Seqs = map[int]uint64{}
		}
		if last > creds.Seqs[ruleIndex] {
			creds.Seqs[ruleIndex] = last
		}
		if s.Owner && s.InitialFiles > 0 {
			s.InitialFiles -= sent
			if s.InitialFiles < 0 {
				s.InitialFiles = 0
			}
		}
		return nil
	})
	return err
}

func (e *Engine) queueBlobs(sharingID string, member int, blobs []string) error {
	s, err := sharing.Mutate(e.store, sharingID, func(s *sharing.Sharing) error {
		creds, err := s.CredentialsFor(member)
		if err != nil {
			return err
		}
		for _, sum := range blobs {
			if !containsString(creds.PendingBlobs, sum) {
				creds.PendingBlobs = append(creds.PendingBlobs, sum)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.lifecycle.FireUpload(s)
	return nil
}

// Upload pushes the file contents peers asked for. Contents not yet
// available locally stay queued.
func (e *Engine) Upload(ctx context.Context, sharingID string) (int, error) {
	s, err := sharing.Load(e.store, sharingID)
	if err != nil {
		return 0, err
	}
	if !s.Active || s.Flags.ReplicationHalted {
		return 0, nil
	}
	uploaded := 0
	var pending error
	for _, member := range s.Peers() {
		n, err := e.uploadMember(ctx, sharingID, member)
		uploaded += n
		if err != nil {
			if isPermanent(err) {
				return uploaded, e.classify(sharingID, member, err)
			}
			pending = err
		}
	}
	return uploaded, pending
}

func (e *Engine) uploadMember(ctx context.Context, sharingID string, member int) (int, error) {
	unlock := e.locks.lock(sharingID + "/" + fmt.Sprint(member) + "/upload")
	defer unlock()
	s, err := sharing.Load(e.store, sharingID)
	if err != nil {
		return 0, err
	}
	creds, err := s.CredentialsFor(member)
	if err != nil {
		return 0, err
	}
	if len(creds.PendingBlobs) == 0 {
		return 0, nil
	}
	target, err := e.lifecycle.Target(s, member)
	if err != nil {
		return 0, err
	}
	var done []string
	var failure error
	for _, sum := range creds.PendingBlobs {
		content, err := e.store.Content(sum)
		if err != nil {
			failure = fmt.Errorf("%w: content %s not available yet", ErrPeerUnavailable, sum)
			continue
		}
		if err := e.peer.PutContent(ctx, target, sum, content); err != nil {
			failure = err
			if isPermanent(err) || ctx.Err() != nil {
				break
			}
			continue
		}
		done = append(done, sum)
	}
	if len(done) > 0 {
		if _, err := sharing.Mutate(e.store, sharingID, func(s *sharing.Sharing) error {
			creds, err := s.CredentialsFor(member)
			if err != nil {
				return err
			}
			kept := creds.PendingBlobs[:0]
			for _, sum := range creds.PendingBlobs {
				if !containsString(done, sum) {
					kept = append(kept, sum)
				}
			}
			creds.PendingBlobs = kept
			return nil
		}); err != nil {
			return len(done), err
		}
		e.logger.Info("contents uploaded", "sharing", sharingID, "member", member, "count", len(done))
	}
	return len(done), failure
}

func containsString(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
