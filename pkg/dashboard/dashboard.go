package dashboard

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/manu5703/concurrent-analytics-system/pkg/api"
	"github.com/manu5703/concurrent-analytics-system/pkg/logging"
	"github.com/manu5703/concurrent-analytics-system/pkg/metrics"
	"github.com/manu5703/concurrent-analytics-system/pkg/models"
	"github.com/manu5703/concurrent-analytics-system/pkg/orchestrator"
	"github.com/manu5703/concurrent-analytics-system/pkg/retry"
	"github.com/manu5703/concurrent-analytics-system/pkg/session"
	"github.com/manu5703/concurrent-analytics-system/pkg/store"
	"github.com/manu5703/concurrent-analytics-system/pkg/tracing"
	"github.com/manu5703/concurrent-analytics-system/pkg/transport"
)

var ErrNotStarted = errors.New("dashboard not started")

// Config configures a Dashboard
type Config struct {
	ServerURL      string
	PushURL        string // derived from ServerURL when empty
	UserID         string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	PerFileCost    time.Duration
	QueueSize      int
	Reconnect      retry.Config
	HTTPClient     *http.Client
	TLSConfig      *tls.Config // used for https and wss URLs

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.Provider
}

// Dashboard is one user's client: a single push channel session, the job
// state it feeds, and the orchestrator submitting files against it.
type Dashboard struct {
	userID string
	logger *logging.Logger

	store     *store.JobStore
	queue     *session.EventQueue
	session   *session.Manager
	transport *transport.Client
	client    *api.Client
	orch      *orchestrator.Orchestrator

	cancel        context.CancelFunc
	transportDone chan struct{}
	transportErr  error
}

// New wires the components; nothing runs until Start
func New(cfg Config) (*Dashboard, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}

	pushURL := cfg.PushURL
	if pushURL == "" {
		u, err := transport.PushURL(cfg.ServerURL)
		if err != nil {
			return nil, err
		}
		pushURL = u
	}

	st := store.NewJobStore()
	queue := session.NewEventQueue(st, cfg.QueueSize, cfg.Logger, cfg.Metrics)
	mgr := session.NewManager(cfg.UserID, queue, cfg.Logger, cfg.Metrics)

	tc := transport.NewClient(transport.Config{
		URL:              pushURL,
		HandshakeTimeout: cfg.ConnectTimeout,
		TLSConfig:        cfg.TLSConfig,
		Reconnect:        cfg.Reconnect,
	}, mgr, cfg.Logger)
	mgr.SetAnnouncer(tc)

	opts := []api.Option{api.WithLogger(cfg.Logger)}
	if cfg.HTTPClient != nil {
		opts = append(opts, api.WithHTTPClient(cfg.HTTPClient))
	} else if cfg.TLSConfig != nil {
		opts = append(opts, api.WithTLSConfig(cfg.TLSConfig))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, api.WithTimeout(cfg.RequestTimeout))
	}
	if cfg.Tracer != nil {
		opts = append(opts, api.WithTracer(cfg.Tracer))
	}
	client := api.NewClient(cfg.ServerURL, opts...)

	orch := orchestrator.New(client, st, mgr, orchestrator.Config{
		UserID:      cfg.UserID,
		PerFileCost: cfg.PerFileCost,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		Tracer:      cfg.Tracer,
	})

	return &Dashboard{
		userID:    cfg.UserID,
		logger:    cfg.Logger.Named("dashboard"),
		store:     st,
		queue:     queue,
		session:   mgr,
		transport: tc,
		client:    client,
		orch:      orch,
	}, nil
}

// Start runs the push channel until ctx is done or Close is called. The
// event queue consumer ignores ctx cancellation and stops only once Close
// has drained it, so no received update is lost.
func (d *Dashboard) Start(ctx context.Context) {
	go d.queue.Run(context.WithoutCancel(ctx))

	pushCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.transportDone = make(chan struct{})

	go func() {
		defer close(d.transportDone)
		if err := d.transport.Run(pushCtx); err != nil {
			d.logger.Error("Push channel stopped", map[string]interface{}{"error": err.Error()})
			d.transportErr = err
		}
	}()
}

// WaitConnected blocks until the session has an identity. It fails early
// when the push channel gives up reconnecting.
func (d *Dashboard) WaitConnected(ctx context.Context) (string, error) {
	if d.transportDone == nil {
		return "", ErrNotStarted
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.transportDone:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	id, err := d.session.WaitConnected(waitCtx)
	if err != nil {
		select {
		case <-d.transportDone:
			if d.transportErr != nil {
				return "", fmt.Errorf("push channel unavailable: %w", d.transportErr)
			}
		default:
		}
		return "", err
	}
	return id, nil
}

// SubmitConcurrent submits files without waiting for each other
func (d *Dashboard) SubmitConcurrent(ctx context.Context, files []models.File) (*orchestrator.BatchResult, error) {
	return d.orch.SubmitConcurrent(ctx, files)
}

// SubmitSequential analyzes files one by one, blocking on each
func (d *Dashboard) SubmitSequential(ctx context.Context, files []models.File) (*orchestrator.BatchResult, error) {
	return d.orch.SubmitSequential(ctx, files)
}

// WaitSettled blocks until every job in ids reached a terminal status
func (d *Dashboard) WaitSettled(ctx context.Context, ids []string) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if d.settled(ids) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d job(s) to settle: %w", len(ids), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (d *Dashboard) settled(ids []string) bool {
	for _, id := range ids {
		rec, ok := d.store.Get(id)
		if !ok || !models.IsTerminalState(rec.Status) {
			return false
		}
	}
	return true
}

// Snapshot returns the display-ordered job records
func (d *Dashboard) Snapshot() []models.JobRecord {
	return d.store.Snapshot()
}

// Store exposes the job store
func (d *Dashboard) Store() *store.JobStore {
	return d.store
}

// Session exposes the session manager
func (d *Dashboard) Session() *session.Manager {
	return d.session
}

// ServerURL returns the analysis service address
func (d *Dashboard) ServerURL() string {
	return d.client.BaseURL()
}

// UserID returns the user of this dashboard
func (d *Dashboard) UserID() string {
	return d.userID
}

// Close stops the push channel, then merges the updates still queued
func (d *Dashboard) Close() error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	<-d.transportDone
	d.queue.Close()
	<-d.queue.Done()
	return nil
}
