package instance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentworkforce/relayshare/internal/config"
	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/httpapi"
	"github.com/agentworkforce/relayshare/internal/logging"
	"github.com/agentworkforce/relayshare/internal/peer"
	"github.com/agentworkforce/relayshare/internal/realtime"
	"github.com/agentworkforce/relayshare/internal/replication"
	"github.com/agentworkforce/relayshare/internal/scheduler"
	"github.com/agentworkforce/relayshare/internal/sharing"
)

type Options struct {
	Config *config.Config
	// LogOutput defaults to stderr.
	LogOutput io.Writer
	Logger    logging.Logger
	// HTTPClient carries the calls to the other instances.
	HTTPClient *http.Client
	Mailer     sharing.Mailer
	// NewBackOff replaces the retry policy of jobs and peer calls.
	NewBackOff func() backoff.BackOff
}

// Instance is one relayshare node: its store, its sharing state machine,
// its replication engine and the HTTP API serving them.
type Instance struct {
	Config    *config.Config
	Logger    logging.Logger
	Store     *docstore.Store
	Tokens    *sharing.TokenIssuer
	Sharings  *sharing.Manager
	Engine    *replication.Engine
	Scheduler *scheduler.Scheduler
	Hub       *realtime.Hub
	Peer      *peer.Client
	Handler   http.Handler

	unsubscribe func()
	closeOnce   sync.Once
}

func New(opts Options) (*Instance, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		out := opts.LogOutput
		if out == nil {
			out = os.Stderr
		}
		logger = logging.New(out, cfg.Domain, cfg.LogLevel)
	}

	stateBackend, err := docstore.BuildStateBackendFromDSN(cfg.StateBackendDSN)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	store, err := docstore.NewStoreWithOptions(docstore.StoreOptions{
		StateBackend: stateBackend,
		Logger:       logging.With(logger, "component", "store"),
	})
	if err != nil {
		return nil, err
	}
	queue, err := scheduler.BuildJobQueueFromDSN(cfg.JobQueueDSN, cfg.JobQueueSize)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("job queue: %w", err)
	}
	jobs, err := scheduler.New(scheduler.Options{
		Store:       store,
		Queue:       queue,
		Workers:     cfg.Jobs.Workers,
		MaxAttempts: cfg.Jobs.MaxAttempts,
		NewBackOff:  opts.NewBackOff,
		Logger:      logging.With(logger, "component", "scheduler"),
	})
	if err != nil {
		if queue != nil {
			_ = queue.Close()
		}
		_ = store.Close()
		return nil, err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Peer.Timeout.Duration}
	}
	peerClient := peer.NewClient(peer.Options{
		HTTPClient: httpClient,
		NewBackOff: opts.NewBackOff,
		Logger:     logging.With(logger, "component", "peer"),
	})
	tokens := sharing.NewTokenIssuer(store, []byte(cfg.JWTSecretOrDefault()), cfg.PublicURL)
	tracker := sharing.NewTracker(store, logging.With(logger, "component", "tracker"))
	manager, err := sharing.NewManager(sharing.ManagerOptions{
		Store:               store,
		Tokens:              tokens,
		Tracker:             tracker,
		Peer:                peerClient,
		Triggers:            jobs,
		Mailer:              opts.Mailer,
		Logger:              logging.With(logger, "component", "sharing"),
		InstanceURL:         cfg.PublicURL,
		PublicName:          cfg.PublicName,
		ReplicateDebounce:   cfg.Sharing.ReplicateDebounce.Duration,
		UploadDebounce:      cfg.Sharing.UploadDebounce.Duration,
		DiscoveryRetryDelay: cfg.Sharing.DiscoveryRetryDelay.Duration,
	})
	if err != nil {
		_ = jobs.Close()
		_ = store.Close()
		return nil, err
	}
	engine, err := replication.NewEngine(replication.Options{
		Store:     store,
		Lifecycle: manager,
		Peer:      peerClient,
		Logger:    logging.With(logger, "component", "replication"),
	})
	if err != nil {
		_ = jobs.Close()
		_ = store.Close()
		return nil, err
	}

	hub := realtime.NewHub(logging.With(logger, "component", "realtime"))
	unsubscribe := store.Subscribe(hub.Publish)
	ws := realtime.NewHandler(realtime.HandlerOptions{
		Hub:          hub,
		Authenticate: httpapi.RealtimeAuthenticator(cfg.JWTSecretOrDefault()),
		Logger:       logging.With(logger, "component", "realtime"),
	})
	server := httpapi.NewServer(httpapi.Deps{
		Store:     store,
		Sharings:  manager,
		Tokens:    tokens,
		Engine:    engine,
		Scheduler: jobs,
		Realtime:  ws,
		Logger:    logging.With(logger, "component", "http"),
	}, httpapi.ServerConfig{
		JWTSecret:      cfg.JWTSecretOrDefault(),
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	})

	in := &Instance{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Tokens:      tokens,
		Sharings:    manager,
		Engine:      engine,
		Scheduler:   jobs,
		Hub:         hub,
		Peer:        peerClient,
		Handler:     server,
		unsubscribe: unsubscribe,
	}
	in.registerWorkers(tracker)
	return in, nil
}

func (in *Instance) registerWorkers(tracker *sharing.Tracker) {
	in.Scheduler.RegisterWorker(sharing.WorkerTrack, func(ctx context.Context, job scheduler.Job) error {
		if job.Event == nil {
			return nil
		}
		return jobError(tracker.Track(ctx, job.Message.SharingID, *job.Event))
	})
	in.Scheduler.RegisterWorker(sharing.WorkerReplicate, func(ctx context.Context, job scheduler.Job) error {
		result, err := in.Engine.Replicate(ctx, job.Message.SharingID)
		if result.Applied > 0 || result.Dropped > 0 {
			in.Logger.Debug("replication pass", "sharing", job.Message.SharingID, "applied", result.Applied, "dropped", result.Dropped)
		}
		return jobError(err)
	})
	in.Scheduler.RegisterWorker(sharing.WorkerUpload, func(ctx context.Context, job scheduler.Job) error {
		_, err := in.Engine.Upload(ctx, job.Message.SharingID)
		return jobError(err)
	})
}

// jobError stops the retries of failures a later attempt cannot fix.
func jobError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, replication.ErrPermanent),
		errors.Is(err, sharing.ErrNotFound),
		errors.Is(err, docstore.ErrNotFound),
		errors.Is(err, sharing.ErrForbidden),
		errors.Is(err, sharing.ErrRevoked):
		return scheduler.Permanent(err)
	default:
		return err
	}
}

// Start runs the background workers.
func (in *Instance) Start() {
	in.Scheduler.Start()
	in.Logger.Info("instance started", "url", in.Config.PublicURL)
}

// Wait blocks until no job is armed, queued or running.
func (in *Instance) Wait(ctx context.Context) error {
	return in.Scheduler.Wait(ctx)
}

func (in *Instance) Close() error {
	var err error
	in.closeOnce.Do(func() {
		err = errors.Join(in.Scheduler.Close())
		if in.unsubscribe != nil {
			in.unsubscribe()
		}
		in.Hub.Close()
		err = errors.Join(err, in.Store.Close())
	})
	return err
}
