package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/loadrun-api/internal/domain/model"
)

func newFastWaiter() *ConsistencyWaiter {
	w := NewConsistencyWaiter(nil)
	w.Interval = time.Millisecond
	w.Attempts = 5
	return w
}

func completeState(mode model.ExecutionMode) *ConnectionJobState {
	st := NewConnectionJobState("job-1", testScope())
	st.ResolveKind(model.TestKindSingleRequest)
	st.SetChannel(noopChannel{})
	st.ConfirmCreated("rec-1", model.TestKindSingleRequest)
	st.SetTestInfoReceipt("blob/test-info/abc")
	st.SetOptions(model.ExecutionOptions{ExecutionMode: mode})
	return st
}

func TestConsistencyWaiter_CompleteImmediately(t *testing.T) {
	st := completeState(model.ModeHTTPMultiple)

	verdict := newFastWaiter().Wait(context.Background(), st, model.ExecStatusCompletedSuccess)
	assert.True(t, verdict.Complete)
	assert.Equal(t, "rec-1", verdict.State.RecordID)
}

func TestConsistencyWaiter_SingleRequestNeedsMarkedResponse(t *testing.T) {
	st := completeState(model.ModeHTTPSingle)

	verdict := newFastWaiter().Wait(context.Background(), st, model.ExecStatusCompletedSuccess)
	assert.False(t, verdict.Complete)

	st.SetMarkedResponse([]byte(`{"status": 200, "size": 512, "duration": 45}`))
	verdict = newFastWaiter().Wait(context.Background(), st, model.ExecStatusCompletedSuccess)
	assert.True(t, verdict.Complete)
}

func TestConsistencyWaiter_FieldsArriveDuringWait(t *testing.T) {
	st := completeState(model.ModeHTTPMultiple)
	st.SetTestInfoReceipt("")

	w := NewConsistencyWaiter(nil)
	w.Interval = 5 * time.Millisecond
	w.Attempts = 50

	go func() {
		time.Sleep(15 * time.Millisecond)
		st.SetTestInfoReceipt("blob/test-info/late")
	}()

	verdict := w.Wait(context.Background(), st, model.ExecStatusCompletedSuccess)
	assert.True(t, verdict.Complete)
	assert.Equal(t, "blob/test-info/late", verdict.State.TestInfoReceipt)
}

func TestConsistencyWaiter_ExhaustedBudget(t *testing.T) {
	st := NewConnectionJobState("job-1", testScope())
	st.ResolveKind(model.TestKindFolderGroup)

	start := time.Now()
	verdict := newFastWaiter().Wait(context.Background(), st, model.ExecStatusCompletedSuccess)
	assert.False(t, verdict.Complete)
	assert.Equal(t, "job-1", verdict.State.JobID)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConsistencyWaiter_FailureExitsOnMinimalState(t *testing.T) {
	st := NewConnectionJobState("job-1", testScope())
	st.SetChannel(noopChannel{})
	st.SetTestInfoReceipt("blob/test-info/abc")

	w := NewConsistencyWaiter(nil)
	w.Interval = time.Hour
	w.Attempts = 1000

	done := make(chan Verdict, 1)
	go func() {
		done <- w.Wait(context.Background(), st, model.ExecStatusCompletedFailure)
	}()

	select {
	case verdict := <-done:
		// The minimal-failure check short-circuits on the first poll, so
		// the hour-long interval is never slept.
		assert.False(t, verdict.Complete)
		assert.Equal(t, "blob/test-info/abc", verdict.State.TestInfoReceipt)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not exit early for failed job")
	}
}

func TestConsistencyWaiter_SuccessIgnoresMinimalState(t *testing.T) {
	// The same partial state must keep polling when the terminal status is
	// success, since success finalize needs the full field set.
	st := NewConnectionJobState("job-1", testScope())
	st.SetChannel(noopChannel{})
	st.SetTestInfoReceipt("blob/test-info/abc")

	verdict := newFastWaiter().Wait(context.Background(), st, model.ExecStatusCompletedSuccess)
	assert.False(t, verdict.Complete)
}

// countingState counts how many times the waiter polled.
type countingState struct {
	st    *ConnectionJobState
	polls int
}

func (c *countingState) Snapshot() StateSnapshot {
	c.polls++
	return c.st.Snapshot()
}

func TestConsistencyWaiter_PollsExactlyAttempts(t *testing.T) {
	st := NewConnectionJobState("job-1", testScope())
	st.ResolveKind(model.TestKindFolderGroup)
	counter := &countingState{st: st}

	w := NewConsistencyWaiter(nil)
	w.Interval = time.Millisecond
	w.Attempts = 15

	verdict := w.Wait(context.Background(), counter, model.ExecStatusCompletedSuccess)
	assert.False(t, verdict.Complete)
	assert.Equal(t, 15, counter.polls)
}

func TestConsistencyWaiter_ContextCanceled(t *testing.T) {
	st := NewConnectionJobState("job-1", testScope())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewConsistencyWaiter(nil)
	w.Interval = time.Hour
	w.Attempts = 1000

	verdict := w.Wait(ctx, st, model.ExecStatusCompletedSuccess)
	require.False(t, verdict.Complete)
}
