// Package core defines the reconciliation domain logic: the per-connection
// job state, the consistency waiter, and the interfaces the data and adapter
// layers implement. The core owns interfaces; implementations live outside.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/target/loadrun-api/internal/domain/model"
)

// DocumentStore is the path-addressed view of the shared hierarchical
// document. Writes are visible to the local process synchronously and
// propagate to remote viewers asynchronously. There are no multi-key
// transactions.
type DocumentStore interface {
	// Get returns the value at path, or nil if nothing is stored there.
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Set stores value at path, replacing any existing value.
	Set(ctx context.Context, path string, value any) error

	// Delete removes the value at path. Deleting an absent path is a no-op.
	Delete(ctx context.Context, path string) error

	// Health checks the health of the underlying store.
	Health(ctx context.Context) error
}

// PendingJobs is the shared pending-jobs cache keyed by job id with
// hash-field semantics, plus the per-job pub/sub channel used for
// cloud-agent routing. All mutations are idempotent; concurrent status
// refreshes are last-write-wins.
type PendingJobs interface {
	// Refresh sets hash fields for a pending job (hSet semantics).
	Refresh(ctx context.Context, jobID string, fields map[string]string) error

	// Snapshot returns all hash fields for a job (hGetAll semantics).
	// An unknown job yields an empty map.
	Snapshot(ctx context.Context, jobID string) (map[string]string, error)

	// Remove deletes the cache entry for a job (hDel semantics). Removing
	// an absent job is a no-op.
	Remove(ctx context.Context, jobID string) error

	// Subscribe opens the per-job update channel.
	Subscribe(ctx context.Context, jobID string) (JobSubscription, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}

// JobSubscription is a live per-job pub/sub subscription.
type JobSubscription interface {
	// Events yields raw bus payloads for the job. The channel closes when
	// the subscription is closed or the connection drops.
	Events() <-chan []byte

	// Close unsubscribes and releases the subscription.
	Close() error
}

// ScopeKey identifies a short-lived routing entry registered while a writer
// channel is open, allowing out-of-band streaming lookups by job id.
type ScopeKey struct {
	Scope string
	JobID string
	Agent model.ExecutionAgent
}

// ScopeCache maps ScopeKeys to scope ids for the lifetime of a writer
// channel.
type ScopeCache interface {
	RegisterScope(ctx context.Context, key ScopeKey, scopeID string, ttl time.Duration) error
	LookupScope(ctx context.Context, key ScopeKey) (string, error)
	DropScope(ctx context.Context, key ScopeKey) error
}

// BlobStore accepts a blob and returns an opaque receipt. The core never
// reads blob contents back, only stores and forwards receipts.
type BlobStore interface {
	Store(ctx context.Context, blob []byte) (receipt string, err error)
	Health(ctx context.Context) error
}

// CreateRecordRequest is the payload for a create-record call on the writer
// channel.
type CreateRecordRequest struct {
	JobID    string            `json:"jobId"`
	RecordID string            `json:"recordId"`
	Scope    model.RecordScope `json:"scope"`
}

// SuccessSingleParams carries the fields set when finalizing an httpSingle
// single-request record.
type SuccessSingleParams struct {
	StatusCode   int                 `json:"statusCode"`
	ResponseSize int64               `json:"responseSize"`
	DurationMS   int64               `json:"durationMs"`
	Receipts     model.StoreReceipts `json:"receipts"`
}

// SuccessMultipleParams carries the fields set when finalizing a grouped or
// httpMultiple record.
type SuccessMultipleParams struct {
	Receipts     model.StoreReceipts `json:"receipts"`
	AbortedEarly bool                `json:"abortedEarly"`
}

// FailureParams carries the fields set when finalizing a failed record.
// Receipt fields the upstream never produced stay nil and are persisted as
// explicit nulls.
type FailureParams struct {
	Receipts model.StoreReceipts `json:"receipts"`
}

// WriterChannel is one outbound channel to the remote result-writer service.
// At most one open channel exists per connection. Each mutating call is
// acknowledged out-of-band by a *:success push event carrying the record and
// job ids.
type WriterChannel interface {
	CreateRecord(ctx context.Context, kind model.TestKind, req CreateRecordRequest) error
	AddOptions(ctx context.Context, recordID string, opts model.ExecutionOptions) error
	HandleSuccessSingle(ctx context.Context, recordID string, params SuccessSingleParams) error
	HandleSuccessMultiple(ctx context.Context, recordID string, params SuccessMultipleParams) error
	HandleFailure(ctx context.Context, recordID string, params FailureParams) error
	DeleteRecord(ctx context.Context, recordID string) error

	// Close tears the channel down. Safe to call more than once.
	Close() error
}
