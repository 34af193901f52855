package core

import (
	"encoding/json"
	"sync"

	"github.com/target/loadrun-api/internal/domain/model"
)

// RecordExistence tracks the creation lifecycle of the result record owned
// by a connection. It is the idempotency guard for record creation: the
// transition None -> Creating happens before the create write is issued, so
// any event arriving while Creating is a guaranteed no-op for creation.
type RecordExistence string

const (
	// ExistenceNone means no create has been attempted.
	ExistenceNone RecordExistence = "none"
	// ExistenceCreating means a create write is in flight.
	ExistenceCreating RecordExistence = "creating"
	// ExistenceCreated means the record exists and its id is known.
	ExistenceCreated RecordExistence = "created"
)

// ConnectionJobState is one connection's view of the job it tracks: which
// job, which kind, which record, and what has arrived so far. The state is
// exclusively owned by its connection; the mutex only guards against the
// writer-channel ack goroutine, which populates record identity while event
// handlers run.
type ConnectionJobState struct {
	mu sync.Mutex

	jobID          string
	kind           model.TestKind
	existence      RecordExistence
	recordID       string
	channel        WriterChannel
	testInfo       string
	options        *model.ExecutionOptions
	markedResponse json.RawMessage
	scope          model.RecordScope

	metricSamples []json.RawMessage
	consoleLines  []json.RawMessage
	abortedEarly  bool
}

// StateSnapshot is an immutable copy of a ConnectionJobState, taken under
// lock. The consistency waiter polls snapshots; handlers read them to avoid
// holding the lock across I/O.
type StateSnapshot struct {
	JobID           string
	Kind            model.TestKind
	Existence       RecordExistence
	RecordID        string
	Channel         WriterChannel
	TestInfoReceipt string
	Options         *model.ExecutionOptions
	MarkedResponse  json.RawMessage
	Scope           model.RecordScope
	MetricSamples   []json.RawMessage
	ConsoleLines    []json.RawMessage
	AbortedEarly    bool
}

// NewConnectionJobState creates the state tracked for a connection that just
// attached to a job.
func NewConnectionJobState(jobID string, scope model.RecordScope) *ConnectionJobState {
	return &ConnectionJobState{
		jobID:     jobID,
		kind:      model.TestKindUndetermined,
		existence: ExistenceNone,
		scope:     scope,
	}
}

// Snapshot returns a consistent copy of the state.
func (s *ConnectionJobState) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		JobID:           s.jobID,
		Kind:            s.kind,
		Existence:       s.existence,
		RecordID:        s.recordID,
		Channel:         s.channel,
		TestInfoReceipt: s.testInfo,
		Options:         s.options,
		MarkedResponse:  s.markedResponse,
		Scope:           s.scope,
		MetricSamples:   s.metricSamples,
		ConsoleLines:    s.consoleLines,
		AbortedEarly:    s.abortedEarly,
	}
}

// JobID returns the tracked job id.
func (s *ConnectionJobState) JobID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobID
}

// Scope returns the record scope the connection attached with.
func (s *ConnectionJobState) Scope() model.RecordScope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// ResolveKind sets the test kind if it is still undetermined. The first
// event of a job determines its kind; later mismatches are ignored. Returns
// the kind in effect afterwards.
func (s *ConnectionJobState) ResolveKind(kind model.TestKind) model.TestKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == model.TestKindUndetermined && kind.Resolved() {
		s.kind = kind
	}
	return s.kind
}

// Kind returns the current test kind.
func (s *ConnectionJobState) Kind() model.TestKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// BeginCreate transitions None -> Creating and reports whether the caller
// won the right to issue the create write. Any other existence state returns
// false.
func (s *ConnectionJobState) BeginCreate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existence != ExistenceNone {
		return false
	}
	s.existence = ExistenceCreating
	return true
}

// AbortCreate rolls Creating back to None after a failed create write so a
// later event can retry creation.
func (s *ConnectionJobState) AbortCreate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existence == ExistenceCreating {
		s.existence = ExistenceNone
	}
}

// ConfirmCreated records the acknowledged record id and (when the ack
// reveals it) the test kind, moving existence to Created. Called from the
// writer channel's ack path.
func (s *ConnectionJobState) ConfirmCreated(recordID string, kind model.TestKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordID = recordID
	s.existence = ExistenceCreated
	if s.kind == model.TestKindUndetermined && kind.Resolved() {
		s.kind = kind
	}
}

// Existence returns the current record existence state.
func (s *ConnectionJobState) Existence() RecordExistence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existence
}

// RecordID returns the record id, empty until creation is acknowledged.
func (s *ConnectionJobState) RecordID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordID
}

// Channel returns the memoized writer channel, nil if none is open.
func (s *ConnectionJobState) Channel() WriterChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// SetChannel memoizes the writer channel for the connection.
func (s *ConnectionJobState) SetChannel(ch WriterChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = ch
}

// SetOptions caches the resolved execution options.
func (s *ConnectionJobState) SetOptions(opts model.ExecutionOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options = &opts
}

// Options returns the cached options, nil until an OPTIONS event arrived.
func (s *ConnectionJobState) Options() *model.ExecutionOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options
}

// SetTestInfoReceipt stores the object-store receipt for the archived test
// definition.
func (s *ConnectionJobState) SetTestInfoReceipt(receipt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testInfo = receipt
}

// SetMarkedResponse stores the raw single-shot response payload. Only
// meaningful when the kind is SingleRequest.
func (s *ConnectionJobState) SetMarkedResponse(raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedResponse = raw
}

// AppendMetricSample buffers an INTERVAL or THRESHOLD payload for archival
// at finalize time.
func (s *ConnectionJobState) AppendMetricSample(raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricSamples = append(s.metricSamples, raw)
}

// AppendConsoleLine buffers a CONSOLE payload for archival at finalize time.
func (s *ConnectionJobState) AppendConsoleLine(raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consoleLines = append(s.consoleLines, raw)
}

// MarkAbortedEarly flags that an executor aborted before the run finished.
func (s *ConnectionJobState) MarkAbortedEarly() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortedEarly = true
}

// Registry indexes connection job state by connection id. It belongs to the
// connection-lifecycle manager, not to handler logic: handlers receive the
// state for their connection and never touch another connection's entry.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*ConnectionJobState
}

// NewRegistry creates an empty connection state registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*ConnectionJobState)}
}

// Attach creates and registers state for a connection tracking a job. An
// existing entry for the connection is replaced.
func (r *Registry) Attach(connID, jobID string, scope model.RecordScope) *ConnectionJobState {
	st := NewConnectionJobState(jobID, scope)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[connID] = st
	return st
}

// Lookup returns the state for a connection, or nil.
func (r *Registry) Lookup(connID string) *ConnectionJobState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[connID]
}

// Detach removes a connection's state, returning it for teardown.
func (r *Registry) Detach(connID string) *ConnectionJobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[connID]
	delete(r.states, connID)
	return st
}

// Len reports how many connections are currently tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}
