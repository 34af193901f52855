package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/target/loadrun-api/internal/core"
	"github.com/target/loadrun-api/internal/domain/model"
	apperrors "github.com/target/loadrun-api/internal/errors"
	"github.com/target/loadrun-api/internal/observability/metrics"
	"github.com/target/loadrun-api/internal/observability/statsd"
)

// Tracker timing defaults. The mark retry narrows the race between a
// MarkedResponse arriving before the event that reveals the test kind; the
// teardown grace lets in-flight writes land before the connection state is
// destroyed.
const (
	DefaultMarkRetryInterval = 50 * time.Millisecond
	DefaultMarkRetryAttempts = 20
	DefaultTeardownGrace     = 5 * time.Second
)

// WriterProvider lazily resolves the writer channel for a connection,
// reusing the memoized channel when one is already open.
type WriterProvider interface {
	Get(ctx context.Context, st *core.ConnectionJobState) (core.WriterChannel, error)
}

// TrackerOptions groups dependencies for a Tracker.
type TrackerOptions struct {
	ConnID       string
	State        *core.ConnectionJobState
	Records      *RecordService
	Writers      WriterProvider
	Pending      core.PendingJobs
	Subscription core.JobSubscription
	Waiter       *core.ConsistencyWaiter
	Logger       *slog.Logger
	Metrics      statsd.Sink

	MarkRetryInterval time.Duration
	MarkRetryAttempts uint
	TeardownGrace     time.Duration

	// OnTeardown runs after the grace delay following a terminal status.
	OnTeardown func(connID string)
}

// Tracker is the per-connection job state machine. Handle is called once per
// inbound event, sequentially per connection: events for one connection
// never interleave, though many trackers run concurrently.
type Tracker struct {
	connID  string
	state   *core.ConnectionJobState
	records *RecordService
	writers WriterProvider
	pending core.PendingJobs
	sub     core.JobSubscription
	waiter  *core.ConsistencyWaiter
	logger  *slog.Logger
	metrics statsd.Sink

	markInterval time.Duration
	markAttempts uint
	grace        time.Duration
	onTeardown   func(string)

	background sync.WaitGroup
	terminal   atomic.Bool
}

// NewTracker constructs a Tracker for one connection tracking one job.
func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.State == nil {
		return nil, fmt.Errorf("connection state is required")
	}
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
	waiter := opts.Waiter
	if waiter == nil {
		waiter = core.NewConsistencyWaiter(logger)
	}
	markInterval := opts.MarkRetryInterval
	if markInterval <= 0 {
		markInterval = DefaultMarkRetryInterval
	}
	markAttempts := opts.MarkRetryAttempts
	if markAttempts == 0 {
		markAttempts = DefaultMarkRetryAttempts
	}
	grace := opts.TeardownGrace
	if grace <= 0 {
		grace = DefaultTeardownGrace
	}
	return &Tracker{
		connID:       opts.ConnID,
		state:        opts.State,
		records:      opts.Records,
		writers:      opts.Writers,
		pending:      opts.Pending,
		sub:          opts.Subscription,
		waiter:       waiter,
		logger:       logger,
		metrics:      opts.Metrics,
		markInterval: markInterval,
		markAttempts: markAttempts,
		grace:        grace,
		onTeardown:   opts.OnTeardown,
	}, nil
}

// State exposes the tracked connection state.
func (t *Tracker) State() *core.ConnectionJobState {
	return t.state
}

// Handle dispatches one inbound event. Events for other jobs and events
// after a terminal status are ignored.
func (t *Tracker) Handle(ctx context.Context, ev model.JobEvent) error {
	if ev.JobID != t.state.JobID() {
		t.logger.DebugContext(ctx, "event for untracked job dropped",
			"conn_id", t.connID, "job_id", ev.JobID)
		return nil
	}
	if t.terminal.Load() {
		return nil
	}

	// The first event carrying a job root determines the test kind.
	t.state.ResolveKind(model.KindFromJobRoot(ev.Message))

	if err := t.ensureChannel(ctx); err != nil {
		return err
	}
	if err := t.records.EnsureRecordExists(ctx, t.state); err != nil {
		return fmt.Errorf("ensure record exists: %w", err)
	}

	switch ev.MessageType {
	case model.MessageTypeOptions:
		return t.handleOptions(ctx, ev)
	case model.MessageTypeMark:
		return t.handleMark(ctx, ev)
	case model.MessageTypeStatus:
		return t.handleStatus(ctx, ev)
	case model.MessageTypeInterval, model.MessageTypeThreshold:
		t.state.AppendMetricSample(ev.Message)
	case model.MessageTypeConsole:
		t.state.AppendConsoleLine(ev.Message)
	case model.MessageTypeError:
		t.state.MarkAbortedEarly()
		t.logger.WarnContext(ctx, "executor reported error",
			"job_id", ev.JobID, "sender", string(ev.Sender))
	case model.MessageTypeMessage,
		model.MessageTypeCollectionVariables,
		model.MessageTypeEnvironmentVariables,
		model.MessageTypeLocalhostFile:
		t.logger.DebugContext(ctx, "event ignored",
			"job_id", ev.JobID, "message_type", string(ev.MessageType))
	}
	return nil
}

// ensureChannel lazily opens the writer channel and memoizes it on state.
func (t *Tracker) ensureChannel(ctx context.Context) error {
	if t.state.Channel() != nil || t.writers == nil {
		return nil
	}
	ch, err := t.writers.Get(ctx, t.state)
	if err != nil {
		return fmt.Errorf("open writer channel: %w", err)
	}
	t.state.SetChannel(ch)
	return nil
}

func (t *Tracker) handleOptions(ctx context.Context, ev model.JobEvent) error {
	var opts model.ExecutionOptions
	if err := json.Unmarshal(ev.Message, &opts); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "decode options event")
	}
	t.state.SetOptions(opts)

	// The record lookup inside AddOptions can poll for a while; it must not
	// stall the connection's event loop, and the caller's context can be
	// request-scoped and end the moment Handle returns.
	bg := context.WithoutCancel(ctx)
	t.background.Add(1)
	go func() {
		defer t.background.Done()
		if err := t.records.AddOptions(bg, t.state, opts); err != nil {
			t.logger.ErrorContext(bg, "add options failed",
				"job_id", ev.JobID, "error", err)
		}
	}()
	return nil
}

func (t *Tracker) handleMark(ctx context.Context, ev model.JobEvent) error {
	switch ev.Mark {
	case model.MarkTestInfoStoreReceipt:
		receipt, err := ev.StoreReceipt()
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeValidation, "decode test info receipt")
		}
		t.state.SetTestInfoReceipt(receipt)
		return nil

	case model.MarkMarkedResponse:
		if t.state.Kind() == model.TestKindSingleRequest {
			t.state.SetMarkedResponse(ev.Message)
			return nil
		}
		// The mark can outrun the event that reveals the kind. Retry the
		// kind check briefly; give up silently if it never resolves. The
		// retry is detached from the caller's context, which may end when
		// Handle returns.
		bg := context.WithoutCancel(ctx)
		t.background.Add(1)
		go func() {
			defer t.background.Done()
			err := retry.Do(
				func() error {
					if !t.state.Kind().Resolved() {
						return apperrors.NotFound("test kind unresolved")
					}
					return nil
				},
				retry.Context(bg),
				retry.Attempts(t.markAttempts),
				retry.Delay(t.markInterval),
				retry.DelayType(retry.FixedDelay),
				retry.LastErrorOnly(true),
			)
			if err != nil {
				return
			}
			if t.state.Kind() == model.TestKindSingleRequest {
				t.state.SetMarkedResponse(ev.Message)
			}
		}()
		return nil

	default:
		t.logger.DebugContext(ctx, "unknown mark ignored",
			"job_id", ev.JobID, "mark", string(ev.Mark))
		return nil
	}
}

func (t *Tracker) handleStatus(ctx context.Context, ev model.JobEvent) error {
	status, err := ev.Status()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "decode status event")
	}

	if !status.Terminal() {
		fields := map[string]string{
			"status": string(status),
			"time":   ev.Time,
		}
		if err := t.pending.Refresh(ctx, ev.JobID, fields); err != nil {
			t.logger.ErrorContext(ctx, "refresh pending job failed",
				"job_id", ev.JobID, "error", err)
		}
		return nil
	}

	// Single winner: a second terminal status racing in must not finalize
	// twice.
	if !t.terminal.CompareAndSwap(false, true) {
		return nil
	}
	if err := t.pending.Remove(ctx, ev.JobID); err != nil {
		t.logger.ErrorContext(ctx, "remove pending job failed",
			"job_id", ev.JobID, "error", err)
	}
	if t.sub != nil {
		if err := t.sub.Close(); err != nil {
			t.logger.DebugContext(ctx, "unsubscribe failed",
				"job_id", ev.JobID, "error", err)
		}
	}

	waitStart := time.Now()
	verdict := t.waiter.Wait(ctx, t.state, status)
	metrics.EmitWaiter(t.metrics, metrics.WaiterMetric{
		Kind:     string(verdict.State.Kind),
		Complete: verdict.Complete,
		Duration: time.Since(waitStart),
	})

	if err := t.finalize(ctx, status, verdict); err != nil {
		t.logger.ErrorContext(ctx, "finalize record failed",
			"job_id", ev.JobID, "error", err)
	}

	t.scheduleTeardown(ev.JobID)
	return nil
}

// finalize picks the terminal path from the waiter's verdict. The failure
// path runs for incomplete state regardless of the reported status: a job
// whose fields never arrived is shown as failed with whatever partial data
// exists.
func (t *Tracker) finalize(ctx context.Context, status model.ExecStatus, verdict core.Verdict) error {
	snap := verdict.State
	if status != model.ExecStatusCompletedSuccess || !verdict.Complete {
		return t.records.FinalizeFailure(ctx, snap)
	}
	if snap.Kind == model.TestKindSingleRequest && snap.Options != nil &&
		snap.Options.ExecutionMode == model.ModeHTTPSingle {
		return t.records.FinalizeSuccessSingle(ctx, snap)
	}
	return t.records.FinalizeSuccessMultiple(ctx, snap)
}

// scheduleTeardown destroys the connection's tracking after the grace
// delay, re-clearing the pending-jobs entry in case a late refresh recreated
// it.
func (t *Tracker) scheduleTeardown(jobID string) {
	t.background.Add(1)
	time.AfterFunc(t.grace, func() {
		defer t.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := t.pending.Remove(ctx, jobID); err != nil {
			t.logger.DebugContext(ctx, "teardown pending cleanup failed",
				"job_id", jobID, "error", err)
		}
		if ch := t.state.Channel(); ch != nil {
			if err := ch.Close(); err != nil {
				t.logger.DebugContext(ctx, "close writer channel failed",
					"job_id", jobID, "error", err)
			}
		}
		if t.onTeardown != nil {
			t.onTeardown(t.connID)
		}
	})
}

// Drain blocks until background work (options annotation, mark retries,
// scheduled teardown) has finished. Used on shutdown and in tests.
func (t *Tracker) Drain() {
	t.background.Wait()
}
