package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/target/loadrun-api/internal/domain/model"
)

// EventBuilder provides a fluent interface for building raw bus envelopes
// for normalizer and tracker tests.
type EventBuilder struct {
	fields map[string]any
}

// NewEvent creates a builder with sensible defaults: an orchestrator MESSAGE
// event for the given job.
func NewEvent(jobID string) *EventBuilder {
	return &EventBuilder{fields: map[string]any{
		"messageType":    string(model.MessageTypeMessage),
		"jobId":          jobID,
		"time":           "2026-03-01T12:00:00Z",
		"orchestratorId": "orch-1",
	}}
}

// WithType sets the message type.
func (b *EventBuilder) WithType(t model.MessageType) *EventBuilder {
	b.fields["messageType"] = string(t)
	return b
}

// WithWorker switches the sender identity to a worker.
func (b *EventBuilder) WithWorker(workerID string) *EventBuilder {
	delete(b.fields, "orchestratorId")
	b.fields["workerId"] = workerID
	return b
}

// WithChildJob sets the child job id carried by worker events.
func (b *EventBuilder) WithChildJob(childID string) *EventBuilder {
	b.fields["childJobId"] = childID
	return b
}

// WithMark sets the mark name for MARK events.
func (b *EventBuilder) WithMark(mark model.MarkKind) *EventBuilder {
	b.fields["messageType"] = string(model.MessageTypeMark)
	b.fields["mark"] = string(mark)
	return b
}

// WithMessage sets the message payload from any JSON-marshalable value.
func (b *EventBuilder) WithMessage(v any) *EventBuilder {
	b.fields["message"] = v
	return b
}

// WithMessageString sets the message payload to a raw string value, the way
// producers double-encode nested payloads.
func (b *EventBuilder) WithMessageString(s string) *EventBuilder {
	b.fields["message"] = s
	return b
}

// WithField sets an arbitrary envelope field.
func (b *EventBuilder) WithField(key string, v any) *EventBuilder {
	b.fields[key] = v
	return b
}

// Build returns the envelope as raw JSON.
func (b *EventBuilder) Build() []byte {
	raw, err := json.Marshal(b.fields)
	if err != nil {
		panic(fmt.Sprintf("build event: %v", err))
	}
	return raw
}

// StatusEvent builds a STATUS envelope carrying the given status.
func StatusEvent(jobID string, status model.ExecStatus) []byte {
	return NewEvent(jobID).
		WithType(model.MessageTypeStatus).
		WithMessage(map[string]string{"status": string(status)}).
		Build()
}

// TestScope returns a valid record scope for tests.
func TestScope() model.RecordScope {
	return model.RecordScope{
		ProjectID:       "proj",
		BranchID:        "main",
		CollectionID:    "checkout-flow",
		Source:          "collection",
		SourceName:      "Checkout Flow",
		CreatedByUserID: "user-1",
		Agent:           model.AgentCloud,
	}
}
