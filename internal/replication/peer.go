package replication

import (
	"context"
	"errors"

	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/sharing"
)

var (
	// ErrPeerUnavailable is a transient failure; the scheduler retries it.
	ErrPeerUnavailable = sharing.ErrPeerNotReady
	// ErrPermanent wraps failures that halt the replication of a sharing.
	ErrPermanent = errors.New("permanent replication failure")
)

// Peer is the replication transport towards one member.
type Peer interface {
	// RevsDiff returns, per document id, the revisions the peer lacks.
	RevsDiff(ctx context.Context, target sharing.Target, revs map[string][]string) (map[string][]string, error)
	// BulkDocs stores replicated revisions on the peer.
	BulkDocs(ctx context.Context, target sharing.Target, rule int, docs []*docstore.Document) (BulkReply, error)
	PutContent(ctx context.Context, target sharing.Target, md5sum string, content []byte) error
}

// BulkReply is the answer to a batch of replicated revisions.
type BulkReply struct {
	// Missing lists the md5 sums of the file contents the receiver still
	// needs.
	Missing []string
	// Stored lists the ids, as sent, of the revisions the receiver now
	// holds. A revision that lost to a local edit is not in it.
	Stored []string
}

func isPermanent(err error) bool {
	return errors.Is(err, sharing.ErrForbidden) || errors.Is(err, sharing.ErrRevoked)
}
