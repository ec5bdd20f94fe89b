package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/relayshare/internal/conflict"
	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/sharing"
)

const maxApplyAttempts = 3

// inboundSharing loads a sharing and checks that member from may send
// replicated documents to this instance.
func (e *Engine) inboundSharing(sharingID string, from int) (*sharing.Sharing, error) {
	s, err := sharing.Load(e.store, sharingID)
	if err != nil {
		return nil, err
	}
	if !s.Active {
		if s.Accepting() {
			return nil, fmt.Errorf("%w: sharing %s is being accepted", sharing.ErrPeerNotReady, sharingID)
		}
		return nil, fmt.Errorf("%w: sharing %s is not active", sharing.ErrRevoked, sharingID)
	}
	if s.Owner {
		if from <= 0 || from >= len(s.Members) || s.Members[from].Status != sharing.StatusReady {
			return nil, fmt.Errorf("%w: member %d cannot replicate", sharing.ErrForbidden, from)
		}
		if s.Members[from].ReadOnly {
			return nil, fmt.Errorf("%w: member %d is read-only", sharing.ErrForbidden, from)
		}
		return s, nil
	}
	if from != 0 {
		return nil, fmt.Errorf("%w: recipients only replicate with the owner", sharing.ErrForbidden)
	}
	return s, nil
}

// RevsDiff answers which of the offered revisions are unknown locally. Ids
// are in the sender's space. Ids colliding with a local document outside the
// sharing are reported as known so the sender never pushes them.
func (e *Engine) RevsDiff(_ context.Context, sharingID string, from int, revs map[string][]string) (map[string][]string, error) {
	s, err := e.inboundSharing(sharingID, from)
	if err != nil {
		return nil, err
	}
	mapper := sharing.NewMapper(s, from)
	doctypes := ruleDoctypes(s)
	missing := map[string][]string{}
	for wireID, offered := range revs {
		var local *docstore.Document
		var doctype string
		for _, candidate := range doctypes {
			doc, err := e.store.GetWithDeleted(candidate, mapper.ID(candidate, wireID))
			if err == nil {
				local, doctype = doc, candidate
				break
			}
		}
		if local != nil && !e.tracked(s.ID, doctype, local.ID) {
			continue
		}
		for _, rev := range offered {
			if local == nil || !local.Knows(rev) {
				missing[wireID] = append(missing[wireID], rev)
			}
		}
	}
	return missing, nil
}

func ruleDoctypes(s *sharing.Sharing) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(s.Rules))
	for _, rule := range s.Rules {
		if !seen[rule.Doctype] {
			seen[rule.Doctype] = true
			out = append(out, rule.Doctype)
		}
	}
	return out
}

func (e *Engine) tracked(sharingID, doctype, id string) bool {
	ref, err := sharing.LoadRef(e.store, doctype, id)
	if err != nil || ref == nil {
		return false
	}
	_, ok := ref.Info(sharingID)
	return ok
}

// applied remembers what one inbound document became locally.
type applied struct {
	doc *docstore.Document
	// taken is false when the local revision won and the inbound one was
	// not absorbed.
	taken bool
}

// ApplyBulkDocs stores revisions sent by member from for one rule of the
// sharing. The reply names the contents it now waits for and the revisions
// it absorbed.
func (e *Engine) ApplyBulkDocs(ctx context.Context, sharingID string, from, ruleIndex int, docs []*docstore.Document) (BulkReply, Result, error) {
	unlock := e.locks.lock(sharingID + "/inbound")
	defer unlock()

	s, err := e.inboundSharing(sharingID, from)
	if err != nil {
		return BulkReply{}, Result{}, err
	}
	if ruleIndex < 0 || ruleIndex >= len(s.Rules) {
		return BulkReply{}, Result{}, fmt.Errorf("%w: rule %d", sharing.ErrInvalidInput, ruleIndex)
	}
	rule := s.Rules[ruleIndex]
	mapper := sharing.NewMapper(s, from)
	readOnly := e.lifecycle.SelfReadOnly(s)

	pending := make([]*docstore.Document, 0, len(docs))
	inBatch := map[string]bool{}
	sentAs := make(map[string]string, len(docs))
	var reply BulkReply
	var result Result
	for _, wire := range docs {
		if wire == nil || wire.ID == "" || wire.Rev == "" || wire.Doctype != rule.Doctype {
			result.Dropped++
			continue
		}
		doc := wire.Clone()
		doc.ID = mapper.ID(doc.Doctype, wire.ID)
		doc.DirID = mapper.ID(doc.Doctype, wire.DirID)
		doc.Path = ""
		doc.RestoreDirID = ""
		if docstore.IsReservedID(doc.ID) {
			result.Dropped++
			continue
		}
		pending = append(pending, doc)
		inBatch[doc.ID] = true
		sentAs[doc.ID] = wire.ID
	}

	var written []*docstore.Document
	destroyed := map[string]bool{}
	done := map[string]bool{}
	for len(pending) > 0 {
		var deferred []*docstore.Document
		for _, doc := range pending {
			if err := ctx.Err(); err != nil {
				return BulkReply{}, result, err
			}
			if !doc.Deleted && inBatch[doc.DirID] && !done[doc.DirID] && !e.exists(doc.DirID) {
				deferred = append(deferred, doc)
				continue
			}
			out, ok, err := e.applyOne(s, ruleIndex, rule, doc, readOnly)
			done[doc.ID] = true
			if err != nil {
				return BulkReply{}, result, err
			}
			if !ok {
				result.Dropped++
				continue
			}
			if out.taken {
				reply.Stored = append(reply.Stored, sentAs[doc.ID])
			}
			if out.doc != nil {
				result.Applied++
				written = append(written, out.doc)
				if out.doc.Deleted && out.doc.IsDir() {
					destroyed[out.doc.ID] = true
				}
			}
		}
		if len(deferred) == len(pending) {
			// parents never arrive in this batch; apply anyway and let the
			// fixups re-parent
			for _, doc := range deferred {
				done[doc.DirID] = true
			}
		}
		pending = deferred
	}

	if rule.Doctype == docstore.DoctypeFiles {
		if err := e.fixTree(s, rule, written, destroyed); err != nil {
			return BulkReply{}, result, err
		}
	}

	for _, doc := range written {
		if doc.IsFile() && !doc.Deleted && doc.MD5Sum != "" && !e.store.HasContent(doc.MD5Sum) && !containsString(reply.Missing, doc.MD5Sum) {
			reply.Missing = append(reply.Missing, doc.MD5Sum)
		}
	}
	if result.Dropped > 0 {
		e.logger.Warn("inbound documents dropped", "sharing", s.ID, "member", from, "rule", ruleIndex, "dropped", result.Dropped)
	}
	e.logger.Info("inbound batch applied", "sharing", s.ID, "member", from, "rule", ruleIndex, "applied", result.Applied, "missing_contents", len(reply.Missing))
	return reply, result, nil
}

func (e *Engine) exists(id string) bool {
	doc, err := e.store.Get(docstore.DoctypeFiles, id)
	return err == nil && doc != nil
}

// applyOne resolves one inbound revision against the local state. It reports
// false when the document is refused.
func (e *Engine) applyOne(s *sharing.Sharing, ruleIndex int, rule sharing.Rule, doc *docstore.Document, readOnly bool) (applied, bool, error) {
	for attempt := 1; ; attempt++ {
		local, err := e.store.GetWithDeleted(doc.Doctype, doc.ID)
		if err != nil {
			if !errors.Is(err, docstore.ErrNotFound) {
				return applied{}, false, err
			}
			local = nil
		}
		ref, err := sharing.LoadRef(e.store, doc.Doctype, doc.ID)
		if err != nil {
			return applied{}, false, err
		}
		if local != nil {
			if ref == nil {
				return applied{}, false, nil
			}
			if _, ok := ref.Info(s.ID); !ok {
				return applied{}, false, nil
			}
			if !local.Deleted && !doc.Deleted && local.Type != doc.Type {
				return applied{}, false, nil
			}
		}
		if s.Owner && !rule.Allows(inboundOperation(local, doc), false) {
			return applied{}, false, nil
		}

		remote := e.localView(s, rule, local, doc)
		var base *docstore.Document
		if ref != nil {
			base = ref.Base
		}
		var decision conflict.Decision
		if readOnly {
			decision = adopt(local, remote)
		} else {
			decision, err = e.resolver.Decide(local, remote, base)
			if err != nil {
				return applied{}, false, err
			}
		}

		out, err := e.write(s, ruleIndex, local, decision)
		if err == nil {
			return out, true, nil
		}
		if !errors.Is(err, docstore.ErrRevisionConflict) || attempt >= maxApplyAttempts {
			return applied{}, false, err
		}
	}
}

func inboundOperation(local, doc *docstore.Document) string {
	switch {
	case doc.Deleted:
		return sharing.OpRemove
	case local == nil || local.Deleted:
		return sharing.OpAdd
	default:
		return sharing.OpUpdate
	}
}

// localView turns a wire document into the revision to compare with local.
// A trashed removal keeps the local body and moves it to the trash. The
// parent of a single shared file is not replicated: each member keeps its
// own placement.
func (e *Engine) localView(s *sharing.Sharing, rule sharing.Rule, local, doc *docstore.Document) *docstore.Document {
	if doc.Deleted {
		if doc.Trashed && local != nil && !local.Deleted {
			out := local.Clone()
			out.Rev = doc.Rev
			out.Revisions = append([]string(nil), doc.Revisions...)
			if !local.Trashed {
				out.RestoreDirID = local.DirID
				out.DirID = docstore.TrashDirID
				out.Trashed = true
			}
			return out
		}
		tomb := &docstore.Document{
			ID:        doc.ID,
			Rev:       doc.Rev,
			Revisions: append([]string(nil), doc.Revisions...),
			Deleted:   true,
			Doctype:   doc.Doctype,
			Type:      doc.Type,
			Name:      doc.Name,
		}
		if local != nil {
			tomb.DirID = local.DirID
			if tomb.Type == "" {
				tomb.Type = local.Type
			}
		}
		return tomb
	}
	remote := doc.Clone()
	remote.Trashed = false
	if root, ok := rule.FilesRoot(); ok && root == remote.ID && remote.IsFile() {
		switch {
		case local != nil && !local.Deleted && !local.Trashed:
			remote.DirID = local.DirID
		case s.Owner:
			remote.DirID = docstore.RootDirID
		default:
			remote.DirID = docstore.SharedWithMeDirID
		}
	}
	return remote
}

// adopt is the decision of a read-only recipient: the owner's revision always
// replaces the local one.
func adopt(local, remote *docstore.Document) conflict.Decision {
	if local != nil && local.Knows(remote.Rev) {
		return conflict.Decision{Action: conflict.ActionSkip}
	}
	next := remote.Clone()
	if local != nil {
		next.Revisions = docstore.MergeHistory(local.Revisions, remote.Revisions)
	}
	return conflict.Decision{Action: conflict.ActionFastForward, Doc: next}
}

func (e *Engine) write(s *sharing.Sharing, ruleIndex int, local *docstore.Document, decision conflict.Decision) (applied, error) {
	expected := ""
	if local != nil {
		expected = local.Rev
	}
	switch decision.Action {
	case conflict.ActionSkip:
		return applied{taken: true}, nil
	case conflict.ActionKeepLocal:
		return applied{}, nil
	case conflict.ActionFastForward, conflict.ActionRestore, conflict.ActionMerge:
		stored, err := e.store.PutReplicated(decision.Doc, expected)
		if err != nil {
			return applied{}, err
		}
		if err := sharing.RecordExchange(e.store, s.ID, ruleIndex, stored); err != nil {
			return applied{}, err
		}
		return applied{doc: stored, taken: true}, nil
	case conflict.ActionContentConflict:
		stored, err := e.store.PutReplicated(decision.Doc, expected)
		if err != nil {
			return applied{}, err
		}
		if err := sharing.RecordExchange(e.store, s.ID, ruleIndex, stored); err != nil {
			return applied{}, err
		}
		if err := e.keepCopy(decision.Copy); err != nil {
			return applied{}, err
		}
		return applied{doc: stored, taken: true}, nil
	default:
		return applied{}, fmt.Errorf("%w: unknown action %s", sharing.ErrInvalidState, decision.Action)
	}
}

// keepCopy creates the conflict copy holding the losing content. The copy id
// derives from the losing revision, so a replayed conflict finds it.
func (e *Engine) keepCopy(copyDoc *docstore.Document) error {
	if copyDoc == nil {
		return nil
	}
	if _, err := e.store.GetWithDeleted(copyDoc.Doctype, copyDoc.ID); err == nil {
		return nil
	}
	if !e.exists(copyDoc.DirID) {
		copyDoc.DirID = docstore.RootDirID
	}
	copyDoc.Name = e.store.FreeName(copyDoc.DirID, copyDoc.Name, "")
	created, err := e.store.Create(copyDoc)
	if err != nil {
		if errors.Is(err, docstore.ErrRevisionConflict) {
			return nil
		}
		return err
	}
	e.logger.Info("conflict copy created", "id", created.ID, "name", created.Name)
	return nil
}

// fixTree repairs the local tree after a batch with real local edits, so
// every member converges on the same result: live documents whose parent is
// gone go to the rule root, and the later-created of two same-named siblings
// is renamed.
func (e *Engine) fixTree(s *sharing.Sharing, rule sharing.Rule, written []*docstore.Document, destroyed map[string]bool) error {
	root, ok := rule.FilesRoot()
	if !ok || !e.exists(root) {
		root = ""
	}
	candidates := make([]*docstore.Document, 0, len(written))
	for _, doc := range written {
		if !doc.Deleted && !doc.Trashed {
			candidates = append(candidates, doc)
		}
	}
	for dirID := range destroyed {
		for _, child := range e.store.Children(dirID) {
			if !child.Deleted && !child.Trashed {
				candidates = append(candidates, child)
			}
		}
	}

	touched := map[string]bool{}
	for _, doc := range candidates {
		current, err := e.store.Get(docstore.DoctypeFiles, doc.ID)
		if err != nil || current.Trashed {
			continue
		}
		if root != "" && current.ID != root && e.orphaned(current) {
			name := e.store.FreeName(root, current.Name, current.ID)
			if _, err := e.store.PatchFile(current.ID, current.Rev, docstore.FilePatch{DirID: &root, Name: &name}); err != nil {
				if errors.Is(err, docstore.ErrRevisionConflict) {
					continue
				}
				return err
			}
			e.logger.Info("orphan re-parented", "sharing", s.ID, "id", current.ID, "root", root)
		}
		touched[current.ID] = true
	}

	for id := range touched {
		current, err := e.store.Get(docstore.DoctypeFiles, id)
		if err != nil || current.Trashed {
			continue
		}
		for _, sibling := range e.store.Children(current.DirID) {
			if sibling.ID == current.ID || sibling.Name != current.Name || sibling.Trashed || sibling.Deleted {
				continue
			}
			loser := conflict.CollisionLoser(current, sibling)
			name := e.store.FreeName(loser.DirID, loser.Name, loser.ID)
			if _, err := e.store.PatchFile(loser.ID, loser.Rev, docstore.FilePatch{Name: &name}); err != nil {
				if errors.Is(err, docstore.ErrRevisionConflict) {
					continue
				}
				return err
			}
			e.logger.Info("name collision renamed", "sharing", s.ID, "id", loser.ID, "name", name)
			if loser.ID == current.ID {
				break
			}
		}
	}
	return nil
}

func (e *Engine) orphaned(doc *docstore.Document) bool {
	if doc.DirID == "" || docstore.IsReservedID(doc.DirID) {
		return false
	}
	parent, err := e.store.GetWithDeleted(docstore.DoctypeFiles, doc.DirID)
	if err != nil {
		return true
	}
	return parent.Deleted || parent.Trashed || parent.DirID == docstore.TrashDirID
}

// ReceiveContent stores a file content pushed by a peer. The owner then
// forwards it to the other members waiting for it.
func (e *Engine) ReceiveContent(_ context.Context, sharingID string, from int, md5sum string, content []byte) error {
	s, err := e.inboundSharing(sharingID, from)
	if err != nil {
		return err
	}
	if docstore.ContentMD5(content) != md5sum {
		return fmt.Errorf("%w: content does not match %s", sharing.ErrInvalidInput, md5sum)
	}
	e.store.PutContent(content)
	if s.Owner {
		e.lifecycle.FireUpload(s)
	}
	return nil
}
