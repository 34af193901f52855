// Package model defines the core data types shared across the loadrun
// reconciliation system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType discriminates job events delivered on the bus.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type MessageType string

const (
	// MessageTypeMessage is a free-form progress message from an executor.
	MessageTypeMessage MessageType = "MESSAGE"
	// MessageTypeStatus carries a job status transition.
	MessageTypeStatus MessageType = "STATUS"
	// MessageTypeInterval carries periodic metric samples.
	MessageTypeInterval MessageType = "INTERVAL"
	// MessageTypeConsole carries console output captured from the executor script.
	MessageTypeConsole MessageType = "CONSOLE"
	// MessageTypeThreshold carries threshold evaluation results.
	MessageTypeThreshold MessageType = "THRESHOLD"
	// MessageTypeError carries an executor-side error.
	MessageTypeError MessageType = "ERROR"
	// MessageTypeMark carries a named marker with an attached payload.
	MessageTypeMark MessageType = "MARK"
	// MessageTypeOptions carries the resolved execution options for the job.
	MessageTypeOptions MessageType = "OPTIONS"
	// MessageTypeCollectionVariables carries resolved collection variables.
	MessageTypeCollectionVariables MessageType = "COLLECTION_VARIABLES"
	// MessageTypeEnvironmentVariables carries resolved environment variables.
	MessageTypeEnvironmentVariables MessageType = "ENVIRONMENT_VARIABLES"
	// MessageTypeLocalhostFile carries a file produced on a local agent.
	MessageTypeLocalhostFile MessageType = "LOCALHOST_FILE"
)

// Valid returns true if the MessageType is one of the known event kinds.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeMessage, MessageTypeStatus, MessageTypeInterval,
		MessageTypeConsole, MessageTypeThreshold, MessageTypeError,
		MessageTypeMark, MessageTypeOptions, MessageTypeCollectionVariables,
		MessageTypeEnvironmentVariables, MessageTypeLocalhostFile:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for MessageType.
func (t *MessageType) UnmarshalText(text []byte) error {
	v := MessageType(strings.ToUpper(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid MessageType: %q", string(text))
	}
	*t = v
	return nil
}

// SenderVariant identifies which class of executor emitted an event.
type SenderVariant string

const (
	// SenderOrchestrator is the coordinating executor for a job.
	SenderOrchestrator SenderVariant = "Orchestrator"
	// SenderWorker is one of the distributed worker executors.
	SenderWorker SenderVariant = "Worker"
)

// Valid returns true if the SenderVariant is known.
func (v SenderVariant) Valid() bool {
	return v == SenderOrchestrator || v == SenderWorker
}

// ExecStatus is a job execution status reported on the event stream.
type ExecStatus string

const (
	// ExecStatusPending indicates the job is queued and not yet assigned.
	ExecStatusPending ExecStatus = "PENDING"
	// ExecStatusAssigned indicates the job has been handed to an executor.
	ExecStatusAssigned ExecStatus = "ASSIGNED"
	// ExecStatusLoading indicates the executor is preparing the test.
	ExecStatusLoading ExecStatus = "LOADING"
	// ExecStatusRunning indicates the test is executing.
	ExecStatusRunning ExecStatus = "RUNNING"
	// ExecStatusFailure indicates a non-terminal failure signal.
	ExecStatusFailure ExecStatus = "FAILURE"
	// ExecStatusSuccess indicates a non-terminal success signal.
	ExecStatusSuccess ExecStatus = "SUCCESS"
	// ExecStatusCompletedSuccess is the terminal success status.
	ExecStatusCompletedSuccess ExecStatus = "COMPLETED_SUCCESS"
	// ExecStatusCompletedFailure is the terminal failure status.
	ExecStatusCompletedFailure ExecStatus = "COMPLETED_FAILURE"
)

// Valid returns true if the ExecStatus is known.
func (s ExecStatus) Valid() bool {
	switch s {
	case ExecStatusPending, ExecStatusAssigned, ExecStatusLoading,
		ExecStatusRunning, ExecStatusFailure, ExecStatusSuccess,
		ExecStatusCompletedSuccess, ExecStatusCompletedFailure:
		return true
	}
	return false
}

// Terminal returns true for statuses after which no further events are
// expected for the job.
func (s ExecStatus) Terminal() bool {
	return s == ExecStatusCompletedSuccess || s == ExecStatusCompletedFailure
}

// MarkKind names the marker carried by a MARK event.
type MarkKind string

const (
	// MarkMarkedResponse attaches the raw single-shot response payload.
	MarkMarkedResponse MarkKind = "MarkedResponse"
	// MarkTestInfoStoreReceipt attaches the object-store receipt for the
	// archived test info blob.
	MarkTestInfoStoreReceipt MarkKind = "TestInfoStoreReceipt"
)

// JobEvent is a normalized event from the per-job bus stream. Exactly one
// sender identity is populated: WorkerID (+ChildJobID) when SenderVariant is
// Worker, OrchestratorID when it is Orchestrator.
type JobEvent struct {
	MessageType MessageType   `json:"messageType"`
	JobID       string        `json:"jobId"`
	Time        string        `json:"time"`
	Sender      SenderVariant `json:"senderVariant"`

	OrchestratorID string `json:"orchestratorId,omitempty"`
	WorkerID       string `json:"workerId,omitempty"`
	ChildJobID     string `json:"childJobId,omitempty"`

	// Mark is set only for MARK events.
	Mark MarkKind `json:"mark,omitempty"`

	// Message carries the event payload; its shape depends on MessageType.
	Message json.RawMessage `json:"message,omitempty"`
}

// Validate checks structural invariants that hold for every normalized event.
func (e *JobEvent) Validate() error {
	if !e.MessageType.Valid() {
		return fmt.Errorf("invalid messageType: %q", e.MessageType)
	}
	if e.JobID == "" {
		return errors.New("jobId is required")
	}
	if e.Time == "" {
		return errors.New("time is required")
	}
	if !e.Sender.Valid() {
		return fmt.Errorf("invalid senderVariant: %q", e.Sender)
	}
	// Sender identity is mutually exclusive.
	if e.Sender == SenderWorker && (e.WorkerID == "" || e.OrchestratorID != "") {
		return errors.New("worker events must carry workerId and no orchestratorId")
	}
	if e.Sender == SenderOrchestrator && (e.OrchestratorID == "" || e.WorkerID != "") {
		return errors.New("orchestrator events must carry orchestratorId and no workerId")
	}
	return nil
}

// Status decodes the status carried by a STATUS event.
func (e *JobEvent) Status() (ExecStatus, error) {
	if e.MessageType != MessageTypeStatus {
		return "", fmt.Errorf("not a STATUS event: %s", e.MessageType)
	}
	var s ExecStatus
	if err := json.Unmarshal(e.Message, &s); err != nil {
		// Some producers wrap the status in an object.
		var wrapped struct {
			Status ExecStatus `json:"status"`
		}
		if err2 := json.Unmarshal(e.Message, &wrapped); err2 != nil || wrapped.Status == "" {
			return "", fmt.Errorf("decode status: %w", err)
		}
		s = wrapped.Status
	}
	if !s.Valid() {
		return "", fmt.Errorf("invalid status: %q", s)
	}
	return s, nil
}

// StoreReceipt decodes the object-store receipt carried by a
// TestInfoStoreReceipt mark.
func (e *JobEvent) StoreReceipt() (string, error) {
	var receipt string
	if err := json.Unmarshal(e.Message, &receipt); err != nil {
		return "", fmt.Errorf("decode store receipt: %w", err)
	}
	if receipt == "" {
		return "", errors.New("empty store receipt")
	}
	return receipt, nil
}
