package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/target/loadrun-api/internal/domain/model"
)

// Waiter defaults. 15 polls at 500ms give the writer-channel callbacks a
// 7.5s budget to land after the event stream reports a terminal status.
const (
	DefaultWaitInterval = 500 * time.Millisecond
	DefaultWaitAttempts = 15
)

// Verdict is the outcome of a consistency wait. The caller always proceeds
// to finalize, choosing the success or failure path based on Complete.
type Verdict struct {
	Complete bool
	State    StateSnapshot
}

// ConsistencyWaiter bridges the race between the job-event stream, which
// learns of terminal status first, and the writer-channel callbacks, which
// populate record identity. It polls the connection state until the required
// fields are present or the retry budget is exhausted.
type ConsistencyWaiter struct {
	Interval time.Duration
	Attempts uint
	Logger   *slog.Logger
}

// NewConsistencyWaiter builds a waiter with the default budget.
func NewConsistencyWaiter(logger *slog.Logger) *ConsistencyWaiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsistencyWaiter{
		Interval: DefaultWaitInterval,
		Attempts: DefaultWaitAttempts,
		Logger:   logger,
	}
}

var (
	errStateIncomplete = errors.New("connection state incomplete")
	errFailedMinimal   = errors.New("failed job reached minimal state")
)

// StateSource yields point-in-time snapshots of a connection's state.
// *ConnectionJobState is the production implementation.
type StateSource interface {
	Snapshot() StateSnapshot
}

// Wait polls the state every Interval, up to Attempts times. It never
// returns an error: an exhausted budget yields an Incomplete verdict with
// whatever partial state exists. When terminal is COMPLETED_FAILURE the wait
// exits as soon as the minimal failure fields are present, since a failed
// job will never receive the rest.
func (w *ConsistencyWaiter) Wait(ctx context.Context, st StateSource, terminal model.ExecStatus) Verdict {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	attempts := w.Attempts
	if attempts == 0 {
		attempts = DefaultWaitAttempts
	}

	var last StateSnapshot
	err := retry.Do(
		func() error {
			last = st.Snapshot()
			if complete(last) {
				return nil
			}
			if terminal == model.ExecStatusCompletedFailure && minimalFailure(last) {
				return retry.Unrecoverable(errFailedMinimal)
			}
			return errStateIncomplete
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		w.Logger.DebugContext(ctx, "consistency wait ended incomplete",
			"job_id", last.JobID, "terminal_status", string(terminal), "reason", err)
		return Verdict{Complete: false, State: last}
	}
	return Verdict{Complete: true, State: last}
}

// complete reports whether every field finalize needs has been populated.
// For httpSingle single-request jobs the marked response is also required.
func complete(s StateSnapshot) bool {
	if s.TestInfoReceipt == "" || s.Options == nil || s.RecordID == "" || s.Channel == nil {
		return false
	}
	if s.Kind == model.TestKindSingleRequest && s.Options.ExecutionMode == model.ModeHTTPSingle {
		return len(s.MarkedResponse) > 0
	}
	return true
}

// minimalFailure reports whether a failed job has the fields a Failure
// record can be written from.
func minimalFailure(s StateSnapshot) bool {
	return s.TestInfoReceipt != "" && s.Channel != nil
}
