// Package service implements the reconciliation services: the result-record
// lifecycle handlers and the per-connection job tracker that drives them.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"

	"github.com/target/loadrun-api/internal/core"
	"github.com/target/loadrun-api/internal/domain/model"
	apperrors "github.com/target/loadrun-api/internal/errors"
	"github.com/target/loadrun-api/internal/observability/metrics"
	"github.com/target/loadrun-api/internal/observability/statsd"
)

// Annotation retry defaults. The add-options poll is bounded: on exhaustion
// the caller gets a timeout error instead of a task leaked forever.
const (
	DefaultOptionsRetryInterval = 100 * time.Millisecond
	DefaultOptionsRetryAttempts = 600
)

// RecordServiceOptions groups dependencies for RecordService.
type RecordServiceOptions struct {
	Documents core.DocumentStore
	Blobs     core.BlobStore
	Logger    *slog.Logger
	Metrics   statsd.Sink

	// OptionsRetryInterval / OptionsRetryAttempts bound the wait for a
	// record whose create write is still in flight.
	OptionsRetryInterval time.Duration
	OptionsRetryAttempts uint
}

// RecordService owns the result-record lifecycle for all three job kinds:
// creation, annotation, and finalization. Records are created at most once
// per job per connection; once a terminal subtype is written the record is
// never mutated again.
type RecordService struct {
	documents core.DocumentStore
	blobs     core.BlobStore
	logger    *slog.Logger
	metrics   statsd.Sink

	optionsInterval time.Duration
	optionsAttempts uint

	// locks serializes read-modify-write cycles per record document, so an
	// annotation and a finalize racing on the same record cannot overwrite
	// each other's subtype. Entries are dropped once the record is terminal.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRecordService constructs a RecordService.
func NewRecordService(opts RecordServiceOptions) (*RecordService, error) {
	if opts.Documents == nil {
		return nil, fmt.Errorf("document store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.OptionsRetryInterval
	if interval <= 0 {
		interval = DefaultOptionsRetryInterval
	}
	attempts := opts.OptionsRetryAttempts
	if attempts == 0 {
		attempts = DefaultOptionsRetryAttempts
	}
	return &RecordService{
		documents:       opts.Documents,
		blobs:           opts.Blobs,
		logger:          logger,
		metrics:         opts.Metrics,
		optionsInterval: interval,
		optionsAttempts: attempts,
		locks:           make(map[string]*sync.Mutex),
	}, nil
}

// lockRecord acquires the write lock for one record path, returning the
// unlock func.
func (s *RecordService) lockRecord(path string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[path]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[path] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// dropRecordLock releases the lock entry for a record that reached a
// terminal subtype. Later writers re-check the stored subtype and skip.
func (s *RecordService) dropRecordLock(path string) {
	s.locksMu.Lock()
	delete(s.locks, path)
	s.locksMu.Unlock()
}

// EnsureRecordExists creates the Loading record for the connection's job if
// it does not exist yet. Cheap no-op once creation started: the existence
// guard transitions None -> Creating before the write is issued, so a second
// event arriving mid-create never duplicates the record. Creation is also
// skipped while the test kind is unresolved, since the kind picks the record
// collection.
func (s *RecordService) EnsureRecordExists(ctx context.Context, st *core.ConnectionJobState) error {
	if !st.Kind().Resolved() {
		return nil
	}
	if !st.BeginCreate() {
		return nil
	}

	snap := st.Snapshot()
	if snap.Channel == nil {
		st.AbortCreate()
		return apperrors.Internal("no writer channel for record creation")
	}

	recordID := uuid.NewString()
	now := time.Now().UTC()
	record := model.ResultRecord{
		ID:              recordID,
		ParentID:        snap.Scope.ParentID,
		Subtype:         model.SubtypeLoading,
		Source:          snap.Scope.Source,
		SourceName:      snap.Scope.SourceName,
		JobID:           snap.JobID,
		CreatedByUserID: snap.Scope.CreatedByUserID,
		Agent:           snap.Scope.Agent,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	path, err := snap.Scope.RecordPath(snap.Kind, recordID)
	if err != nil {
		st.AbortCreate()
		return fmt.Errorf("resolve record path: %w", err)
	}
	if err := s.documents.Set(ctx, path, record); err != nil {
		st.AbortCreate()
		return fmt.Errorf("write loading record: %w", err)
	}

	req := core.CreateRecordRequest{
		JobID:    snap.JobID,
		RecordID: recordID,
		Scope:    snap.Scope,
	}
	if err := s.createRecord(ctx, snap.Channel, snap.Kind, req); err != nil {
		st.AbortCreate()
		return err
	}

	// Existence moves to Created in the channel's ack path, not here.
	metrics.EmitReconcile(s.metrics, metrics.ReconcileMetric{
		Kind:       string(snap.Kind),
		Transition: "create_requested",
		Result:     metrics.ResultSuccess,
	})
	return nil
}

// createRecord issues the kind-specific create call on the writer channel.
func (s *RecordService) createRecord(ctx context.Context, ch core.WriterChannel, kind model.TestKind, req core.CreateRecordRequest) error {
	if err := ch.CreateRecord(ctx, kind, req); err != nil {
		return fmt.Errorf("create %s record: %w", kind, err)
	}
	return nil
}

// AddOptions locates the record and sets the resolved execution options.
// The create write may still be in flight, so the lookup polls every
// optionsInterval up to optionsAttempts before giving up with a timeout
// error. For httpMultiple runs the record's metric graph configuration is
// provisioned alongside the options.
func (s *RecordService) AddOptions(ctx context.Context, st *core.ConnectionJobState, opts model.ExecutionOptions) error {
	var path string
	err := retry.Do(
		func() error {
			snap := st.Snapshot()
			if snap.RecordID == "" {
				return apperrors.NotFound("record id not yet acknowledged")
			}
			p, err := snap.Scope.RecordPath(snap.Kind, snap.RecordID)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			raw, err := s.documents.Get(ctx, p)
			if err != nil {
				return err
			}
			if raw == nil {
				return apperrors.NotFoundf("record %s not yet visible", snap.RecordID)
			}
			path = p
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.optionsAttempts),
		retry.Delay(s.optionsInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeTimeout,
			"record for job %s not visible after %d attempts", st.JobID(), s.optionsAttempts)
	}

	record, err := s.writeOptions(ctx, path, opts)
	if err != nil {
		return err
	}
	if record == nil {
		// Options arriving after finalize are stale; the record is immutable.
		return nil
	}

	if ch := st.Channel(); ch != nil {
		if err := ch.AddOptions(ctx, record.ID, opts); err != nil {
			return fmt.Errorf("propagate record options: %w", err)
		}
	}
	return nil
}

// writeOptions re-reads the record under its lock and applies the options.
// The stored subtype is checked at write time: a record finalized since the
// visibility poll is left untouched, reported as nil.
func (s *RecordService) writeOptions(ctx context.Context, path string, opts model.ExecutionOptions) (*model.ResultRecord, error) {
	unlock := s.lockRecord(path)
	defer unlock()

	raw, err := s.documents.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	if raw == nil {
		return nil, apperrors.NotFoundf("record at %s no longer present", path)
	}
	var record model.ResultRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if record.Subtype.Terminal() {
		return nil, nil
	}

	record.Options = &opts
	if opts.ExecutionMode == model.ModeHTTPMultiple {
		record.GraphConfig = defaultGraphConfig()
	}
	record.UpdatedAt = time.Now().UTC()
	if err := s.documents.Set(ctx, path, record); err != nil {
		return nil, fmt.Errorf("write record options: %w", err)
	}
	return &record, nil
}

// FinalizeSuccessSingle closes out an httpSingle single-request record:
// terminal subtype, status code, size and duration metadata, and receipt
// pointers for the response, metrics, and logs.
func (s *RecordService) FinalizeSuccessSingle(ctx context.Context, snap core.StateSnapshot) error {
	var summary struct {
		Status   int   `json:"status"`
		Size     int64 `json:"size"`
		Duration int64 `json:"duration"`
	}
	if err := json.Unmarshal(snap.MarkedResponse, &summary); err != nil {
		return fmt.Errorf("decode marked response: %w", err)
	}

	receipts := model.StoreReceipts{
		Response: s.archive(ctx, snap.MarkedResponse),
		Metrics:  s.archiveAll(ctx, snap.MetricSamples),
		Logs:     s.archiveAll(ctx, snap.ConsoleLines),
	}

	return s.finalize(ctx, snap, func(record *model.ResultRecord) {
		record.Subtype = model.SubtypeSuccessSingle
		record.StatusCode = summary.Status
		record.ResponseSize = summary.Size
		record.DurationMS = summary.Duration
		record.Receipts = &receipts
	}, func(ch core.WriterChannel) error {
		return ch.HandleSuccessSingle(ctx, snap.RecordID, core.SuccessSingleParams{
			StatusCode:   summary.Status,
			ResponseSize: summary.Size,
			DurationMS:   summary.Duration,
			Receipts:     receipts,
		})
	})
}

// FinalizeSuccessMultiple closes out a grouped or httpMultiple record with
// its metric and log receipts and the aborted-early flag.
func (s *RecordService) FinalizeSuccessMultiple(ctx context.Context, snap core.StateSnapshot) error {
	receipts := model.StoreReceipts{
		Metrics: s.archiveAll(ctx, snap.MetricSamples),
		Logs:    s.archiveAll(ctx, snap.ConsoleLines),
	}

	return s.finalize(ctx, snap, func(record *model.ResultRecord) {
		record.Subtype = model.SubtypeSuccessMultiple
		record.AbortedEarly = snap.AbortedEarly
		record.Receipts = &receipts
	}, func(ch core.WriterChannel) error {
		return ch.HandleSuccessMultiple(ctx, snap.RecordID, core.SuccessMultipleParams{
			Receipts:     receipts,
			AbortedEarly: snap.AbortedEarly,
		})
	})
}

// FinalizeFailure closes out a failed record. A failed record is always
// fully shaped: every receipt field the upstream never produced is an
// explicit null, and options are nulled when the job never reached the
// options step.
func (s *RecordService) FinalizeFailure(ctx context.Context, snap core.StateSnapshot) error {
	receipts := model.StoreReceipts{
		Metrics: s.archiveAll(ctx, snap.MetricSamples),
		Logs:    s.archiveAll(ctx, snap.ConsoleLines),
	}
	if snap.Kind == model.TestKindSingleRequest && len(snap.MarkedResponse) > 0 {
		receipts.Response = s.archive(ctx, snap.MarkedResponse)
	}

	return s.finalize(ctx, snap, func(record *model.ResultRecord) {
		record.Subtype = model.SubtypeFailure
		record.Receipts = &receipts
		if record.Options == nil && snap.Options != nil {
			record.Options = snap.Options
		}
		// A failed job may never have reached the options step; the field
		// stays an explicit null in that case.
	}, func(ch core.WriterChannel) error {
		return ch.HandleFailure(ctx, snap.RecordID, core.FailureParams{Receipts: receipts})
	})
}

// finalize writes the terminal record under its lock, then propagates the
// terminal call over the writer channel. Records already in a terminal
// subtype are left untouched.
func (s *RecordService) finalize(
	ctx context.Context,
	snap core.StateSnapshot,
	mutate func(*model.ResultRecord),
	propagate func(core.WriterChannel) error,
) error {
	if snap.RecordID == "" {
		s.logger.WarnContext(ctx, "finalize skipped, record never created", "job_id", snap.JobID)
		return nil
	}
	path, err := snap.Scope.RecordPath(snap.Kind, snap.RecordID)
	if err != nil {
		return fmt.Errorf("resolve record path: %w", err)
	}

	record, wrote, err := s.writeTerminal(ctx, snap, path, mutate)
	if err != nil {
		return err
	}
	if !wrote {
		return nil
	}

	if snap.Channel != nil {
		if err := propagate(snap.Channel); err != nil {
			// The local document already holds the terminal subtype; a
			// propagation failure is logged, not surfaced.
			s.logger.ErrorContext(ctx, "propagate terminal record failed",
				"job_id", snap.JobID, "record_id", snap.RecordID, "error", err)
		}
	}

	metrics.EmitReconcile(s.metrics, metrics.ReconcileMetric{
		Kind:       string(snap.Kind),
		Transition: "finalized",
		Result:     string(record.Subtype),
	})
	return nil
}

// writeTerminal loads the record under its lock, applies mutate, stamps
// updatedAt, and writes it back. The stored subtype is re-checked inside the
// lock: a record that turned terminal since the caller's snapshot is left
// untouched. When the record id is known but the document was never seen
// locally, a shell is rebuilt so a terminal subtype always lands.
func (s *RecordService) writeTerminal(
	ctx context.Context,
	snap core.StateSnapshot,
	path string,
	mutate func(*model.ResultRecord),
) (model.ResultRecord, bool, error) {
	unlock := s.lockRecord(path)
	defer unlock()

	var record model.ResultRecord
	raw, err := s.documents.Get(ctx, path)
	if err != nil {
		return record, false, fmt.Errorf("load record: %w", err)
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &record); err != nil {
			return record, false, fmt.Errorf("decode record: %w", err)
		}
	} else {
		record = model.ResultRecord{
			ID:              snap.RecordID,
			ParentID:        snap.Scope.ParentID,
			Subtype:         model.SubtypeLoading,
			Source:          snap.Scope.Source,
			SourceName:      snap.Scope.SourceName,
			JobID:           snap.JobID,
			CreatedByUserID: snap.Scope.CreatedByUserID,
			Agent:           snap.Scope.Agent,
			CreatedAt:       time.Now().UTC(),
		}
	}

	if record.Subtype.Terminal() {
		return record, false, nil
	}
	if snap.TestInfoReceipt != "" {
		record.TestInfo = &model.TestInfo{StoreReceipt: snap.TestInfoReceipt}
	}
	if record.Options == nil && snap.Options != nil {
		record.Options = snap.Options
	}
	mutate(&record)
	record.UpdatedAt = time.Now().UTC()

	if err := s.documents.Set(ctx, path, record); err != nil {
		return record, false, fmt.Errorf("write terminal record: %w", err)
	}
	s.dropRecordLock(path)
	return record, true, nil
}

// DeleteRecord removes a record locally and remotely. Used when a viewer
// discards a result.
func (s *RecordService) DeleteRecord(ctx context.Context, snap core.StateSnapshot) error {
	if snap.RecordID == "" {
		return nil
	}
	path, err := snap.Scope.RecordPath(snap.Kind, snap.RecordID)
	if err != nil {
		return fmt.Errorf("resolve record path: %w", err)
	}
	if err := s.documents.Delete(ctx, path); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if snap.Channel != nil {
		if err := snap.Channel.DeleteRecord(ctx, snap.RecordID); err != nil {
			return fmt.Errorf("propagate record delete: %w", err)
		}
	}
	return nil
}

// archive stores one blob and returns its receipt, or nil when the blob is
// empty or the store is unavailable. Finalize never fails on archival.
func (s *RecordService) archive(ctx context.Context, blob []byte) *string {
	if len(blob) == 0 || s.blobs == nil {
		return nil
	}
	receipt, err := s.blobs.Store(ctx, blob)
	if err != nil {
		s.logger.ErrorContext(ctx, "archive blob failed", "error", err)
		return nil
	}
	return &receipt
}

// archiveAll stores a JSON array of buffered payloads as one blob.
func (s *RecordService) archiveAll(ctx context.Context, items []json.RawMessage) *string {
	if len(items) == 0 {
		return nil
	}
	blob, err := json.Marshal(items)
	if err != nil {
		s.logger.ErrorContext(ctx, "encode archived payloads failed", "error", err)
		return nil
	}
	return s.archive(ctx, blob)
}

// defaultGraphConfig provisions the standard metric graphs for an
// httpMultiple run.
func defaultGraphConfig() json.RawMessage {
	return json.RawMessage(`{
		"graphs": [
			{"id": "response-times", "metric": "http_req_duration", "aggregates": ["p95", "p99", "avg"]},
			{"id": "request-rate", "metric": "http_reqs", "aggregates": ["rate"]},
			{"id": "error-rate", "metric": "http_req_failed", "aggregates": ["rate"]},
			{"id": "virtual-users", "metric": "vus", "aggregates": ["value"]}
		]
	}`)
}
