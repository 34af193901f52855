package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/target/loadrun-api/internal/core"
	"github.com/target/loadrun-api/internal/domain/model"
	"github.com/target/loadrun-api/internal/envelope"
	"github.com/target/loadrun-api/internal/observability/statsd"
)

// ReconcilerOptions groups dependencies for the Reconciler.
type ReconcilerOptions struct {
	Records *RecordService
	Writers WriterProvider
	Pending core.PendingJobs
	Logger  *slog.Logger
	Metrics statsd.Sink

	// Tracker tuning; zero values take the tracker defaults.
	Tracker TrackerTuning
}

// TrackerTuning carries the per-tracker retry and grace budgets.
type TrackerTuning struct {
	MarkRetryInterval time.Duration
	MarkRetryAttempts uint
	TeardownGrace     time.Duration
	Waiter            *core.ConsistencyWaiter
}

// Reconciler is the connection-lifecycle manager. It owns the connection
// state registry and one Tracker per attached connection, normalizes raw bus
// payloads, and routes them to the connection's tracker. It is the sole
// entry point collaborators call per inbound event.
type Reconciler struct {
	records    *RecordService
	writers    WriterProvider
	pending    core.PendingJobs
	logger     *slog.Logger
	metrics    statsd.Sink
	tuning     TrackerTuning
	normalizer *envelope.Normalizer
	registry   *core.Registry

	mu       sync.RWMutex
	trackers map[string]*Tracker
}

// NewReconciler constructs a Reconciler.
func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Records == nil {
		return nil, fmt.Errorf("record service is required")
	}
	if opts.Pending == nil {
		return nil, fmt.Errorf("pending jobs cache is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	normalizer, err := envelope.NewNormalizer()
	if err != nil {
		return nil, fmt.Errorf("build normalizer: %w", err)
	}
	return &Reconciler{
		records:    opts.Records,
		writers:    opts.Writers,
		pending:    opts.Pending,
		logger:     logger,
		metrics:    opts.Metrics,
		tuning:     opts.Tracker,
		normalizer: normalizer,
		registry:   core.NewRegistry(),
		trackers:   make(map[string]*Tracker),
	}, nil
}

// Attach registers a connection tracking a job, subscribes to the job's
// update channel, and starts consuming its events. Reattaching a connection
// replaces its previous tracking.
func (r *Reconciler) Attach(ctx context.Context, connID, jobID string, scope model.RecordScope) (*Tracker, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record scope: %w", err)
	}

	state := r.registry.Attach(connID, jobID, scope)

	sub, err := r.pending.Subscribe(ctx, jobID)
	if err != nil {
		r.registry.Detach(connID)
		return nil, fmt.Errorf("subscribe job %s: %w", jobID, err)
	}

	tracker, err := NewTracker(TrackerOptions{
		ConnID:            connID,
		State:             state,
		Records:           r.records,
		Writers:           r.writers,
		Pending:           r.pending,
		Subscription:      sub,
		Waiter:            r.tuning.Waiter,
		Logger:            r.logger,
		Metrics:           r.metrics,
		MarkRetryInterval: r.tuning.MarkRetryInterval,
		MarkRetryAttempts: r.tuning.MarkRetryAttempts,
		TeardownGrace:     r.tuning.TeardownGrace,
		OnTeardown:        func(id string) { r.remove(id) },
	})
	if err != nil {
		_ = sub.Close()
		r.registry.Detach(connID)
		return nil, err
	}

	r.mu.Lock()
	r.trackers[connID] = tracker
	r.mu.Unlock()

	// The subscription outlives the attach call, whose context is often
	// request-scoped. It stops when the subscription closes, on terminal
	// teardown or Disconnect.
	go r.consume(context.WithoutCancel(ctx), tracker, sub)

	r.logger.InfoContext(ctx, "connection attached to job",
		"conn_id", connID, "job_id", jobID, "agent", string(scope.Agent))
	return tracker, nil
}

// consume feeds the subscription's raw payloads through normalization into
// the tracker until the subscription closes.
func (r *Reconciler) consume(ctx context.Context, tracker *Tracker, sub core.JobSubscription) {
	for raw := range sub.Events() {
		if err := r.dispatch(ctx, tracker, raw); err != nil {
			r.logger.ErrorContext(ctx, "dispatch event failed",
				"conn_id", tracker.connID, "error", err)
		}
	}
}

// HandleRaw normalizes one raw payload and routes it to the connection's
// tracker. Malformed envelopes are discarded: no record mutation occurs.
func (r *Reconciler) HandleRaw(ctx context.Context, connID string, raw []byte) error {
	r.mu.RLock()
	tracker := r.trackers[connID]
	r.mu.RUnlock()
	if tracker == nil {
		return fmt.Errorf("no tracked connection %q", connID)
	}
	return r.dispatch(ctx, tracker, raw)
}

func (r *Reconciler) dispatch(ctx context.Context, tracker *Tracker, raw []byte) error {
	event, err := r.normalizer.Normalize(raw)
	if err != nil {
		r.logger.WarnContext(ctx, "malformed envelope discarded",
			"conn_id", tracker.connID, "error", err)
		return nil
	}
	return tracker.Handle(ctx, event)
}

// Disconnect abandons a connection's job tracking: in-flight retries are
// abandoned and the writer channel is closed.
func (r *Reconciler) Disconnect(connID string) {
	tracker := r.remove(connID)
	if tracker == nil {
		return
	}
	if tracker.sub != nil {
		_ = tracker.sub.Close()
	}
	if ch := tracker.state.Channel(); ch != nil {
		_ = ch.Close()
	}
}

// remove drops the tracker and state for a connection, returning the
// tracker if one existed.
func (r *Reconciler) remove(connID string) *Tracker {
	r.mu.Lock()
	tracker := r.trackers[connID]
	delete(r.trackers, connID)
	r.mu.Unlock()
	r.registry.Detach(connID)
	return tracker
}

// Live reports how many connections are currently tracked.
func (r *Reconciler) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trackers)
}

// Shutdown drains all trackers' background work.
func (r *Reconciler) Shutdown() {
	r.mu.RLock()
	trackers := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		trackers = append(trackers, t)
	}
	r.mu.RUnlock()
	for _, t := range trackers {
		t.Drain()
	}
}
