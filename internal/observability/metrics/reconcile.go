// Package metrics emits standardised reconciliation lifecycle metrics.
package metrics

import (
	"time"

	apperrors "github.com/target/loadrun-api/internal/errors"
	"github.com/target/loadrun-api/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// ReconcileMetric captures details about a record lifecycle transition for
// metric emission.
type ReconcileMetric struct {
	Kind       string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitReconcile emits counters and timings for a record lifecycle
// transition. A nil sink is a no-op.
func EmitReconcile(sink statsd.Sink, in ReconcileMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"kind":       in.Kind,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if code := apperrors.GetCode(in.Err); code != "" {
			tags["error_class"] = string(code)
		}
	}

	sink.Count("record.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("record.duration", in.Duration, cloneTags(tags))
	}
}

// WaiterMetric captures a consistency-wait outcome.
type WaiterMetric struct {
	Kind     string
	Complete bool
	Duration time.Duration
}

// EmitWaiter emits counters and timings for a consistency-wait verdict.
func EmitWaiter(sink statsd.Sink, in WaiterMetric) {
	if sink == nil {
		return
	}
	verdict := "incomplete"
	if in.Complete {
		verdict = "complete"
	}
	tags := map[string]string{"kind": in.Kind, "verdict": verdict}
	sink.Count("waiter.verdict", 1, tags)
	if in.Duration > 0 {
		sink.Timing("waiter.duration", in.Duration, cloneTags(tags))
	}
}

func cloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
