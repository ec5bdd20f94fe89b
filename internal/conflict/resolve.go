package conflict

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

// Action is the outcome of comparing a local document against an inbound
// replicated revision. The caller performs the writes.
type Action int

const (
	// ActionSkip means the inbound revision is already known locally.
	ActionSkip Action = iota

	// ActionFastForward means the inbound revision replaces the local one.
	// Either the document is new, the local revision is an ancestor of the
	// inbound one, or the inbound branch won a concurrent edit with the same
	// resulting body.
	ActionFastForward

	// ActionKeepLocal means the local branch wins. Nothing is written and the
	// inbound revision is not absorbed, so the peer still sees the conflict
	// when the local revision reaches it.
	ActionKeepLocal

	// ActionRestore means the local side removed the document while the peer
	// updated it. The update wins and the document comes back.
	ActionRestore

	// ActionMerge means both sides changed disjoint or conflicting fields.
	// Decision.Doc holds the merged body with a revision every member
	// computes identically.
	ActionMerge

	// ActionContentConflict means both sides changed the file content. The
	// inbound winner is adopted and Decision.Copy preserves the local content.
	ActionContentConflict
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionFastForward:
		return "fast-forward"
	case ActionKeepLocal:
		return "keep-local"
	case ActionRestore:
		return "restore"
	case ActionMerge:
		return "merge"
	case ActionContentConflict:
		return "content-conflict"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

type Decision struct {
	Action Action
	// Doc is the revision to store for FastForward, Restore, Merge and
	// ContentConflict.
	Doc *docstore.Document
	// Copy is the new document keeping the losing local content.
	Copy *docstore.Document
}

// Resolver decides how inbound revisions combine with local state. It does no
// I/O.
type Resolver struct {
	registry *docstore.Registry
}

func NewResolver(registry *docstore.Registry) *Resolver {
	if registry == nil {
		registry = docstore.NewRegistry()
	}
	return &Resolver{registry: registry}
}

// Decide compares local (nil when absent) with remote. base is the body last
// exchanged with the peer, or nil when unknown. Removed documents (trashed or
// tombstoned) are compared by their removal state only.
func (r *Resolver) Decide(local, remote, base *docstore.Document) (Decision, error) {
	if remote == nil || remote.Rev == "" {
		return Decision{}, docstore.ErrInvalidInput
	}
	if local == nil {
		return Decision{Action: ActionFastForward, Doc: remote.Clone()}, nil
	}
	if local.Knows(remote.Rev) {
		return Decision{Action: ActionSkip}, nil
	}
	if remote.Knows(local.Rev) {
		return Decision{Action: ActionFastForward, Doc: remote.Clone()}, nil
	}

	remoteWins := docstore.CompareRevisions(remote.Rev, local.Rev) > 0
	switch {
	case local.Removed() && remote.Removed():
		if remoteWins {
			return Decision{Action: ActionFastForward, Doc: remote.Clone()}, nil
		}
		return Decision{Action: ActionKeepLocal}, nil
	case local.Removed():
		return Decision{Action: ActionRestore, Doc: remote.Clone()}, nil
	case remote.Removed():
		return Decision{Action: ActionKeepLocal}, nil
	}

	if contentDiverged(local, remote, base) {
		if !remoteWins {
			return Decision{Action: ActionKeepLocal}, nil
		}
		return Decision{
			Action: ActionContentConflict,
			Doc:    remote.Clone(),
			Copy:   ConflictCopy(local),
		}, nil
	}

	mine, err := r.registry.Wrap(local)
	if err != nil {
		return Decision{}, err
	}
	theirs, err := r.registry.Wrap(remote)
	if err != nil {
		return Decision{}, err
	}
	merged, sources := mine.ApplyDelta(theirs, base, remoteWins)
	sameAsRemote := docstore.SameContent(merged, remote)
	sameAsLocal := docstore.SameContent(merged, local)
	switch {
	case sameAsRemote && (remoteWins || !sameAsLocal):
		return Decision{Action: ActionFastForward, Doc: remote.Clone()}, nil
	case sameAsLocal:
		return Decision{Action: ActionKeepLocal}, nil
	}
	merged.Rev = docstore.MergeRevision(local.Rev, remote.Rev, sources...)
	merged.Revisions = docstore.MergeHistory(local.Revisions, remote.Revisions)
	merged.Revisions = append(merged.Revisions, merged.Rev)
	return Decision{Action: ActionMerge, Doc: merged}, nil
}

// contentDiverged reports whether both sides changed the binary of a file
// since base.
func contentDiverged(local, remote, base *docstore.Document) bool {
	if !local.IsFile() || !remote.IsFile() || local.MD5Sum == remote.MD5Sum {
		return false
	}
	if base == nil || base.MD5Sum == "" {
		return true
	}
	return local.MD5Sum != base.MD5Sum && remote.MD5Sum != base.MD5Sum
}

// ConflictCopy returns a new file holding the content of loser, named
// "<name>-conflict-<suffix>.<ext>" in the same directory. Its id derives from
// the loser id and revision, so replaying the same conflict never creates a
// second copy.
func ConflictCopy(loser *docstore.Document) *docstore.Document {
	return &docstore.Document{
		ID:       CopyID(loser.ID, loser.Rev),
		Doctype:  loser.Doctype,
		Type:     loser.Type,
		Name:     ConflictName(loser.Name, loser.Rev),
		DirID:    loser.DirID,
		MD5Sum:   loser.MD5Sum,
		Size:     loser.Size,
		Mime:     loser.Mime,
		Metadata: loser.Clone().Metadata,
	}
}

func ConflictName(name, loserRev string) string {
	suffix := docstore.RevHash(loserRev)
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	base, ext := docstore.SplitExt(name)
	return base + "-conflict-" + suffix + ext
}

func CopyID(id, rev string) string {
	sum := md5.Sum([]byte(id + "\x00" + rev))
	return hex.EncodeToString(sum[:])
}

// Disambiguate returns name when free, or "base (N).ext" with the smallest
// N >= 2 for which taken reports false.
func Disambiguate(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	base, ext := docstore.SplitExt(name)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}

// CollisionLoser picks which of two distinct documents sharing a name and a
// parent gets renamed. The creation revision travels unchanged with every
// replicated copy, so all members rename the same document: the one created
// later in revision order.
func CollisionLoser(a, b *docstore.Document) *docstore.Document {
	ra, rb := a.FirstRevision(), b.FirstRevision()
	if cmp := docstore.CompareRevisions(ra, rb); cmp != 0 {
		if cmp > 0 {
			return a
		}
		return b
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return a
	}
	return b
}
