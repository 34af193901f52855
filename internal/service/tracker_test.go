package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/loadrun-api/internal/core"
	"github.com/target/loadrun-api/internal/data"
	"github.com/target/loadrun-api/internal/domain/model"
	"github.com/target/loadrun-api/internal/testutil"
)

type trackerFixture struct {
	tracker *Tracker
	state   *core.ConnectionJobState
	docs    *data.MemoryDocumentStore
	writers *stubWriters
	pending *stubPending
	sub     *stubSubscription

	tornDown chan string
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()

	docs := data.NewMemoryDocumentStore()
	records, err := NewRecordService(RecordServiceOptions{
		Documents:            docs,
		OptionsRetryInterval: time.Millisecond,
		OptionsRetryAttempts: 200,
	})
	require.NoError(t, err)
	writers := newStubWriters()
	pending := newStubPending()
	sub := newStubSubscription()
	state := core.NewConnectionJobState("job-1", testutil.TestScope())

	waiter := core.NewConsistencyWaiter(nil)
	waiter.Interval = time.Millisecond
	waiter.Attempts = 10

	tornDown := make(chan string, 1)
	tracker, err := NewTracker(TrackerOptions{
		ConnID:            "conn-1",
		State:             state,
		Records:           records,
		Writers:           writers,
		Pending:           pending,
		Subscription:      sub,
		Waiter:            waiter,
		MarkRetryInterval: time.Millisecond,
		MarkRetryAttempts: 5,
		TeardownGrace:     5 * time.Millisecond,
		OnTeardown:        func(connID string) { tornDown <- connID },
	})
	require.NoError(t, err)

	return &trackerFixture{
		tracker:  tracker,
		state:    state,
		docs:     docs,
		writers:  writers,
		pending:  pending,
		sub:      sub,
		tornDown: tornDown,
	}
}

func (f *trackerFixture) handle(t *testing.T, raw []byte) {
	t.Helper()
	f.handleCtx(t, context.Background(), raw)
}

func (f *trackerFixture) handleCtx(t *testing.T, ctx context.Context, raw []byte) {
	t.Helper()
	require.NoError(t, f.tracker.Handle(ctx, parseEvent(t, raw)))
}

func parseEvent(t *testing.T, raw []byte) model.JobEvent {
	t.Helper()
	var ev model.JobEvent
	require.NoError(t, json.Unmarshal(raw, &ev))
	// Raw envelopes from the builder carry no senderVariant; derive it the
	// way normalization does.
	if ev.Sender == "" {
		if ev.WorkerID != "" {
			ev.Sender = model.SenderWorker
		} else {
			ev.Sender = model.SenderOrchestrator
		}
	}
	return ev
}

func (f *trackerFixture) channel() *stubChannel {
	return f.writers.channelFor(f.state)
}

func singleRequestRoot() map[string]any {
	return map[string]any{"request": map[string]any{"url": "https://example.test/checkout"}}
}

func collectionRoot() map[string]any {
	return map[string]any{"collection": map[string]any{"id": "c-1"}}
}

func TestTracker_SingleRequestSuccess(t *testing.T) {
	f := newTrackerFixture(t)

	f.handle(t, testutil.NewEvent("job-1").WithMessage(singleRequestRoot()).Build())
	require.Equal(t, model.TestKindSingleRequest, f.state.Kind())
	require.Equal(t, core.ExistenceCreated, f.state.Existence())

	f.handle(t, testutil.NewEvent("job-1").
		WithMark(model.MarkTestInfoStoreReceipt).
		WithMessageString("blob/test-info/abc").
		Build())

	f.handle(t, testutil.NewEvent("job-1").
		WithType(model.MessageTypeOptions).
		WithMessage(map[string]any{"executionMode": "httpSingle"}).
		Build())

	f.handle(t, testutil.NewEvent("job-1").
		WithMark(model.MarkMarkedResponse).
		WithMessage(map[string]any{"status": 201, "size": 4096, "duration": 120}).
		Build())

	f.handle(t, testutil.StatusEvent("job-1", model.ExecStatusRunning))
	assert.Equal(t, "RUNNING", f.pending.entry("job-1")["status"])

	f.handle(t, testutil.StatusEvent("job-1", model.ExecStatusCompletedSuccess))
	f.tracker.Drain()

	record := loadRecord(t, f.docs, f.state)
	assert.Equal(t, model.SubtypeSuccessSingle, record.Subtype)
	assert.Equal(t, 201, record.StatusCode)
	assert.Equal(t, int64(4096), record.ResponseSize)
	assert.Equal(t, int64(120), record.DurationMS)
	require.NotNil(t, record.TestInfo)
	assert.Equal(t, "blob/test-info/abc", record.TestInfo.StoreReceipt)
	require.NotNil(t, record.Options)
	assert.Equal(t, model.ModeHTTPSingle, record.Options.ExecutionMode)

	// The pending entry is gone, the subscription closed, the channel shut.
	assert.Contains(t, f.pending.removedJobs(), "job-1")
	assert.True(t, f.sub.isClosed())
	assert.True(t, f.channel().closed)
	assert.Equal(t, "conn-1", <-f.tornDown)
}

func TestTracker_CollectionSuccessMultiple(t *testing.T) {
	f := newTrackerFixture(t)

	f.handle(t, testutil.NewEvent("job-1").WithMessage(collectionRoot()).Build())
	require.Equal(t, model.TestKindCollectionGroup, f.state.Kind())

	f.handle(t, testutil.NewEvent("job-1").
		WithMark(model.MarkTestInfoStoreReceipt).
		WithMessageString("blob/test-info/abc").
		Build())

	f.handle(t, testutil.NewEvent("job-1").
		WithType(model.MessageTypeOptions).
		WithMessage(map[string]any{"executionMode": "httpMultiple", "vus": 25}).
		Build())

	f.handle(t, testutil.NewEvent("job-1").
		WithType(model.MessageTypeInterval).
		WithWorker("worker-1").
		WithMessage(map[string]any{"http_reqs": 130}).
		Build())
	f.handle(t, testutil.NewEvent("job-1").
		WithType(model.MessageTypeConsole).
		WithMessage(map[string]any{"msg": "iteration done"}).
		Build())

	f.handle(t, testutil.StatusEvent("job-1", model.ExecStatusCompletedSuccess))
	f.tracker.Drain()

	record := loadRecord(t, f.docs, f.state)
	assert.Equal(t, model.SubtypeSuccessMultiple, record.Subtype)
	assert.False(t, record.AbortedEarly)
	require.NotNil(t, record.Receipts)

	require.Len(t, f.channel().successMultiple, 1)
}

func TestTracker_FailurePath(t *testing.T) {
	f := newTrackerFixture(t)

	f.handle(t, testutil.NewEvent("job-1").WithMessage(singleRequestRoot()).Build())
	f.handle(t, testutil.NewEvent("job-1").
		WithMark(model.MarkTestInfoStoreReceipt).
		WithMessageString("blob/test-info/abc").
		Build())

	// No OPTIONS event ever arrives; the failed record still lands with an
	// explicit null options field.
	f.handle(t, testutil.StatusEvent("job-1", model.ExecStatusCompletedFailure))
	f.tracker.Drain()

	snap := f.state.Snapshot()
	path, err := snap.Scope.RecordPath(snap.Kind, snap.RecordID)
	require.NoError(t, err)
	raw, err := f.docs.Get(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, raw)

	var shape map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &shape))
	assert.Equal(t, "null", string(shape["options"]))

	record := loadRecord(t, f.docs, f.state)
	assert.Equal(t, model.SubtypeFailure, record.Subtype)
	require.Len(t, f.channel().failures, 1)
}

func TestTracker_SuccessStatusWithIncompleteStateFailsRecord(t *testing.T) {
	f := newTrackerFixture(t)

	f.handle(t, testutil.NewEvent("job-1").WithMessage(singleRequestRoot()).Build())
	f.handle(t, testutil.NewEvent("job-1").
		WithMark(model.MarkTestInfoStoreReceipt).
		WithMessageString("blob/test-info/abc").
		Build())

	// Reported success, but the options and marked response never arrived.
	f.handle(t, testutil.StatusEvent("job-1", model.ExecStatusCompletedSuccess))
	f.tracker.Drain()

	record := loadRecord(t, f.docs, f.state)
	assert.Equal(t, model.SubtypeFailure, record.Subtype)
}

func TestTracker_ErrorEventMarksAbortedEarly(t *testing.T) {
	f := newTrackerFixture(t)

	f.handle(t, testutil.NewEvent("job-1").WithMessage(collectionRoot()).Build())
	f.handle(t, testutil.NewEvent("job-1").
		WithMark(model.MarkTestInfoStoreReceipt).
		WithMessageString("blob/test-info/abc").
		Build())
	f.handle(t, testutil.NewEvent("job-1").
		WithType(model.MessageTypeOptions).
		WithMessage(map[string]any{"executionMode": "httpMultiple"}).
		Build())

	f.handle(t, testutil.NewEvent("job-1").
		WithType(model.MessageTypeError).
		WithWorker("worker-2").
		WithMessage(map[string]any{"error": "iteration aborted"}).
		Build())

	f.handle(t, testutil.StatusEvent("job-1", model.ExecStatusCompletedSuccess))
	f.tracker.Drain()

	record := loadRecord(t, f.docs, f.state)
	assert.Equal(t, model.SubtypeSuccessMultiple, record.Subtype)
	assert.True(t, record.AbortedEarly)
}

func TestTracker_MarkOutrunsKindResolution(t *testing.T) {
	f := newTrackerFixture(t)

	// The marked response arrives before any event reveals the job shape.
	f.handle(t, testutil.NewEvent("job-1").
		WithMark(model.MarkMarkedResponse).
		WithMessage(map[string]any{"status": 200, "size": 1, "duration": 1}).
		Build())
	require.Empty(t, f.state.Snapshot().MarkedResponse)

	f.handle(t, testutil.NewEvent("job-1").WithMessage(singleRequestRoot()).Build())

	// The buffered mark retries until the kind resolves.
	require.Eventually(t, func() bool {
		return len(f.state.Snapshot().MarkedResponse) > 0
	}, time.Second, time.Millisecond)
}

func TestTracker_MarkRetrySurvivesCanceledCaller(t *testing.T) {
	f := newTrackerFixture(t)

	// The ingest request's context ends the moment Handle returns; the
	// buffered mark must still land once the kind resolves.
	ctx, cancel := context.WithCancel(context.Background())
	f.handleCtx(t, ctx, testutil.NewEvent("job-1").
		WithMark(model.MarkMarkedResponse).
		WithMessage(map[string]any{"status": 200, "size": 1, "duration": 1}).
		Build())
	cancel()
	require.Empty(t, f.state.Snapshot().MarkedResponse)

	time.Sleep(2 * time.Millisecond)
	f.handle(t, testutil.NewEvent("job-1").WithMessage(singleRequestRoot()).Build())

	require.Eventually(t, func() bool {
		return len(f.state.Snapshot().MarkedResponse) > 0
	}, time.Second, time.Millisecond)
}

func TestTracker_OptionsAnnotationSurvivesCanceledCaller(t *testing.T) {
	f := newTrackerFixture(t)

	// The options event arrives before the record exists, so the annotation
	// polls in the background while its originating request is already gone.
	ctx, cancel := context.WithCancel(context.Background())
	f.handleCtx(t, ctx, testutil.NewEvent("job-1").
		WithType(model.MessageTypeOptions).
		WithMessage(map[string]any{"executionMode": "httpSingle"}).
		Build())
	cancel()

	f.handle(t, testutil.NewEvent("job-1").WithMessage(singleRequestRoot()).Build())
	f.tracker.Drain()

	record := loadRecord(t, f.docs, f.state)
	require.NotNil(t, record.Options)
	assert.Equal(t, model.ModeHTTPSingle, record.Options.ExecutionMode)
	require.Len(t, f.channel().options, 1)
}

func TestTracker_ConcurrentFeeders(t *testing.T) {
	f := newTrackerFixture(t)

	f.handle(t, testutil.NewEvent("job-1").WithMessage(collectionRoot()).Build())
	f.handle(t, testutil.NewEvent("job-1").
		WithMark(model.MarkTestInfoStoreReceipt).
		WithMessageString("blob/test-info/abc").
		Build())
	f.handle(t, testutil.NewEvent("job-1").
		WithType(model.MessageTypeOptions).
		WithMessage(map[string]any{"executionMode": "httpMultiple"}).
		Build())
	f.tracker.Drain()

	intervals := make([]model.JobEvent, 25)
	for i := range intervals {
		intervals[i] = parseEvent(t, testutil.NewEvent("job-1").
			WithType(model.MessageTypeInterval).
			WithWorker("worker-1").
			WithMessage(map[string]any{"http_reqs": i}).
			Build())
	}
	terminal := parseEvent(t, testutil.StatusEvent("job-1", model.ExecStatusCompletedSuccess))

	// The subscription pump and the HTTP ingest path can feed the same
	// tracker at once; a terminal status racing metric samples must finalize
	// exactly once.
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for _, ev := range intervals {
			assert.NoError(t, f.tracker.Handle(context.Background(), ev))
		}
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, f.tracker.Handle(context.Background(), terminal))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, f.tracker.Handle(context.Background(), terminal))
	}()
	wg.Wait()
	f.tracker.Drain()

	record := loadRecord(t, f.docs, f.state)
	assert.Equal(t, model.SubtypeSuccessMultiple, record.Subtype)
	assert.Len(t, f.channel().successMultiple, 1)
}

func TestTracker_IgnoresForeignAndPostTerminalEvents(t *testing.T) {
	f := newTrackerFixture(t)

	f.handle(t, testutil.NewEvent("job-other").WithMessage(singleRequestRoot()).Build())
	assert.Equal(t, model.TestKindUndetermined, f.state.Kind())
	assert.Equal(t, core.ExistenceNone, f.state.Existence())

	f.handle(t, testutil.NewEvent("job-1").WithMessage(singleRequestRoot()).Build())
	f.handle(t, testutil.NewEvent("job-1").
		WithMark(model.MarkTestInfoStoreReceipt).
		WithMessageString("blob/test-info/abc").
		Build())
	f.handle(t, testutil.StatusEvent("job-1", model.ExecStatusCompletedFailure))

	// Events after the terminal status must not resurrect tracking.
	f.handle(t, testutil.NewEvent("job-1").
		WithType(model.MessageTypeOptions).
		WithMessage(map[string]any{"executionMode": "httpSingle"}).
		Build())
	f.tracker.Drain()

	record := loadRecord(t, f.docs, f.state)
	assert.Equal(t, model.SubtypeFailure, record.Subtype)
	assert.Nil(t, f.state.Options())
}

func TestTracker_NonTerminalStatusRefreshesPending(t *testing.T) {
	f := newTrackerFixture(t)

	f.handle(t, testutil.NewEvent("job-1").WithMessage(collectionRoot()).Build())

	for _, status := range []model.ExecStatus{
		model.ExecStatusAssigned, model.ExecStatusLoading, model.ExecStatusRunning,
	} {
		f.handle(t, testutil.StatusEvent("job-1", status))
	}

	entry := f.pending.entry("job-1")
	require.NotNil(t, entry)
	assert.Equal(t, "RUNNING", entry["status"])
	assert.NotEmpty(t, entry["time"])
	assert.Empty(t, f.pending.removedJobs())
}
