package scheduler

import (
	"fmt"
	"strings"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

type JobQueueFactory func(dsn string, capacity int) (JobQueue, error)

var jobQueueFactories docstore.SchemeTable[JobQueueFactory]

// RegisterJobQueueFactory plugs a queue implementation for a DSN scheme.
func RegisterJobQueueFactory(scheme string, factory JobQueueFactory) {
	if factory != nil {
		jobQueueFactories.Register(scheme, factory)
	}
}

// BuildJobQueueFromDSN returns nil for an empty DSN; the scheduler then uses
// an in-memory queue.
func BuildJobQueueFromDSN(dsn string, capacity int) (JobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	scheme, parsed, err := docstore.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if factory, ok := jobQueueFactories.Lookup(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, err := docstore.DSNPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileJobQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryJobQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresJobQueue(dsn, capacity)
	case "redis", "rediss", "nats", "amqp":
		return nil, fmt.Errorf("%w: job queue backend %s", docstore.ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported job queue scheme: %s", scheme)
	}
}
