package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TestKind discriminates the three shapes a load-test job can take.
type TestKind string

const (
	// TestKindUndetermined means no event has yet revealed the job shape.
	TestKindUndetermined TestKind = "undetermined"
	// TestKindSingleRequest is a one-request test.
	TestKindSingleRequest TestKind = "single_request"
	// TestKindFolderGroup is a grouped run over a folder of requests.
	TestKindFolderGroup TestKind = "folder_group"
	// TestKindCollectionGroup is a grouped run over a whole collection.
	TestKindCollectionGroup TestKind = "collection_group"
)

// Valid returns true if the TestKind is known, including Undetermined.
func (k TestKind) Valid() bool {
	switch k {
	case TestKindUndetermined, TestKindSingleRequest, TestKindFolderGroup, TestKindCollectionGroup:
		return true
	}
	return false
}

// Resolved returns true once the kind is anything but Undetermined.
func (k TestKind) Resolved() bool {
	return k.Valid() && k != TestKindUndetermined
}

// RecordCollection returns the shared-document collection name records of
// this kind live under.
func (k TestKind) RecordCollection() (string, error) {
	switch k {
	case TestKindSingleRequest:
		return "single-responses", nil
	case TestKindFolderGroup:
		return "folder-responses", nil
	case TestKindCollectionGroup:
		return "collection-responses", nil
	default:
		return "", fmt.Errorf("no record collection for kind %q", k)
	}
}

// KindFromJobRoot inspects a job-root payload and reports which test kind it
// describes. The first event that carries a job root determines the kind;
// payloads without a recognizable root yield Undetermined.
func KindFromJobRoot(raw json.RawMessage) TestKind {
	if len(raw) == 0 {
		return TestKindUndetermined
	}
	var root struct {
		Request    json.RawMessage `json:"request"`
		Folder     json.RawMessage `json:"folder"`
		Collection json.RawMessage `json:"collection"`
	}
	if err := json.Unmarshal(raw, &root); err != nil {
		return TestKindUndetermined
	}
	switch {
	case len(root.Request) > 0:
		return TestKindSingleRequest
	case len(root.Folder) > 0:
		return TestKindFolderGroup
	case len(root.Collection) > 0:
		return TestKindCollectionGroup
	default:
		return TestKindUndetermined
	}
}

// ExecutionAgent identifies where the executors for a job ran.
type ExecutionAgent string

const (
	// AgentLocal runs executors on the user's machine.
	AgentLocal ExecutionAgent = "Local"
	// AgentCloud runs executors on the hosted fleet.
	AgentCloud ExecutionAgent = "Cloud"
)

// Valid returns true if the ExecutionAgent is known.
func (a ExecutionAgent) Valid() bool {
	return a == AgentLocal || a == AgentCloud
}

// ExecutionMode selects between a single-shot HTTP run and a multi-iteration
// load run.
type ExecutionMode string

const (
	// ModeHTTPSingle performs exactly one request and captures its response.
	ModeHTTPSingle ExecutionMode = "httpSingle"
	// ModeHTTPMultiple performs a load run with aggregated metrics.
	ModeHTTPMultiple ExecutionMode = "httpMultiple"
)

// ExecutionOptions are the resolved executor options for a job, cached on the
// connection state and persisted onto the record.
type ExecutionOptions struct {
	ExecutionMode ExecutionMode   `json:"executionMode"`
	VUs           int             `json:"vus,omitempty"`
	Duration      string          `json:"duration,omitempty"`
	Iterations    int             `json:"iterations,omitempty"`
	Thresholds    json.RawMessage `json:"thresholds,omitempty"`
	Stages        json.RawMessage `json:"stages,omitempty"`
}

// RecordSubtype is the lifecycle state stored on a result record. Transitions
// are one-way: Loading moves to exactly one of the terminal subtypes and
// never leaves it.
type RecordSubtype string

const (
	// SubtypeLoading is the initial state of a freshly created record.
	SubtypeLoading RecordSubtype = "Loading"
	// SubtypeSuccessSingle is the terminal state for a completed httpSingle
	// single-request run.
	SubtypeSuccessSingle RecordSubtype = "SuccessSingle"
	// SubtypeSuccessMultiple is the terminal state for a completed grouped or
	// httpMultiple run.
	SubtypeSuccessMultiple RecordSubtype = "SuccessMultiple"
	// SubtypeFailure is the terminal state for a failed run.
	SubtypeFailure RecordSubtype = "Failure"
)

// Terminal returns true for subtypes a record can never transition out of.
func (s RecordSubtype) Terminal() bool {
	return s == SubtypeSuccessSingle || s == SubtypeSuccessMultiple || s == SubtypeFailure
}

// CanTransition reports whether a record may move from s to next.
func (s RecordSubtype) CanTransition(next RecordSubtype) bool {
	return s == SubtypeLoading && next.Terminal()
}

// StoreReceipts are the object-store receipt pointers attached to a record.
// On a Failure record every field is explicitly null rather than omitted, so
// a failed record is always fully shaped.
type StoreReceipts struct {
	Response *string `json:"response"`
	Metrics  *string `json:"metrics"`
	Logs     *string `json:"logs"`
}

// TestInfo points at the archived test definition blob.
type TestInfo struct {
	StoreReceipt string `json:"storeReceipt"`
}

// ResultRecord is the persisted shared-document representation of a job's
// outcome. One record exists per job, created exactly once by the connection
// that tracks the job, and becomes immutable once a terminal subtype is set.
type ResultRecord struct {
	ID              string         `json:"id"`
	ParentID        string         `json:"parentId"`
	Subtype         RecordSubtype  `json:"__subtype"`
	Source          string         `json:"source"`
	SourceName      string         `json:"sourceName"`
	JobID           string         `json:"jobId"`
	CreatedByUserID string         `json:"createdByUserId"`
	Agent           ExecutionAgent `json:"executionAgent"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`

	// Options is a pointer so a failed record can carry an explicit null.
	Options *ExecutionOptions `json:"options"`

	// TestInfo is set once the executor archives the test definition.
	TestInfo *TestInfo `json:"testInfo"`

	// Receipts point into the object store. Always present on terminal
	// records; individual fields are null when never produced.
	Receipts *StoreReceipts `json:"receipts"`

	// Single-request httpSingle fields.
	StatusCode   int   `json:"statusCode,omitempty"`
	ResponseSize int64 `json:"responseSize,omitempty"`
	DurationMS   int64 `json:"durationMs,omitempty"`

	// Grouped / httpMultiple fields.
	AbortedEarly bool `json:"abortedEarly,omitempty"`

	// GraphConfig holds the metric graph provisioning for httpMultiple runs.
	GraphConfig json.RawMessage `json:"graphConfig,omitempty"`
}

// RecordScope resolves where in the shared document a record lives and who
// owns it. Every record path is project -> branch -> collection ->
// record-collection -> record id.
type RecordScope struct {
	ProjectID       string         `json:"projectId"`
	BranchID        string         `json:"branchId"`
	CollectionID    string         `json:"collectionId"`
	ParentID        string         `json:"parentId"`
	Source          string         `json:"source"`
	SourceName      string         `json:"sourceName"`
	CreatedByUserID string         `json:"createdByUserId"`
	Agent           ExecutionAgent `json:"executionAgent"`
}

// Validate checks that the scope addresses a concrete document location.
func (s RecordScope) Validate() error {
	switch {
	case s.ProjectID == "":
		return fmt.Errorf("projectId is required")
	case s.BranchID == "":
		return fmt.Errorf("branchId is required")
	case s.CollectionID == "":
		return fmt.Errorf("collectionId is required")
	case !s.Agent.Valid():
		return fmt.Errorf("invalid executionAgent: %q", s.Agent)
	}
	return nil
}

// RecordPath resolves the document path for a record of the given kind.
func (s RecordScope) RecordPath(kind TestKind, recordID string) (string, error) {
	if recordID == "" {
		return "", fmt.Errorf("record id is required")
	}
	coll, err := kind.RecordCollection()
	if err != nil {
		return "", err
	}
	return strings.Join([]string{s.ProjectID, s.BranchID, s.CollectionID, coll, recordID}, "/"), nil
}
