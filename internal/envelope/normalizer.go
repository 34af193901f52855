// Package envelope classifies raw bus payloads into typed job events. The
// bus re-serializes nested fields on some hops, so normalization unwraps
// stringified JSON best-effort before validating the result against the
// JobEvent schema.
package envelope

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/target/loadrun-api/internal/domain/model"
	apperrors "github.com/target/loadrun-api/internal/errors"
)

//go:embed jobevent.schema.json
var jobEventSchemaJSON []byte

const schemaURL = "jobevent.schema.json"

// Normalizer turns raw bus payloads into validated JobEvents. It is
// stateless after construction and safe for concurrent use.
type Normalizer struct {
	schema *jsonschema.Schema
}

// NewNormalizer compiles the embedded JobEvent schema.
func NewNormalizer() (*Normalizer, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(jobEventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode jobevent schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add jobevent schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile jobevent schema: %w", err)
	}
	return &Normalizer{schema: schema}, nil
}

// Normalize classifies a raw bus payload into a JobEvent. Each unwrapping
// step is best-effort: failure to parse a nested field leaves it as-is and
// never propagates. Only schema validation of the final object can fail.
// Normalize is pure and idempotent: normalizing an already-normalized event
// is a no-op.
func (n *Normalizer) Normalize(raw []byte) (model.JobEvent, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.JobEvent{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "payload is not JSON")
	}

	// Upstream sometimes double-encodes the whole payload.
	if s, ok := payload.(string); ok {
		var unwrapped any
		if err := json.Unmarshal([]byte(s), &unwrapped); err == nil {
			payload = unwrapped
		}
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		return model.JobEvent{}, apperrors.Validation("payload is not an object")
	}

	unwrapMessage(obj)
	resolveSender(obj)

	if err := n.schema.Validate(obj); err != nil {
		return model.JobEvent{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "jobevent schema validation failed")
	}

	encoded, err := json.Marshal(obj)
	if err != nil {
		return model.JobEvent{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "re-encode normalized event")
	}
	var event model.JobEvent
	if err := json.Unmarshal(encoded, &event); err != nil {
		return model.JobEvent{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "decode normalized event")
	}
	if err := event.Validate(); err != nil {
		return model.JobEvent{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid jobevent")
	}
	return event, nil
}

// unwrapMessage parses stringified message payloads in place. CONSOLE events
// additionally carry a msg field that executors stringify.
func unwrapMessage(obj map[string]any) {
	if s, ok := obj["message"].(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			obj["message"] = parsed
		}
	}

	if mt, _ := obj["messageType"].(string); mt != string(model.MessageTypeConsole) {
		return
	}
	msg, ok := obj["message"].(map[string]any)
	if !ok {
		return
	}
	if s, ok := msg["msg"].(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			msg["msg"] = parsed
		}
	}
}

// resolveSender enforces sender identity exclusivity. Worker identity wins
// when both ids are present.
func resolveSender(obj map[string]any) {
	workerID, _ := obj["workerId"].(string)
	orchestratorID, _ := obj["orchestratorId"].(string)

	if workerID == "" {
		delete(obj, "workerId")
		delete(obj, "childJobId")
	} else {
		delete(obj, "orchestratorId")
	}
	if orchestratorID == "" {
		delete(obj, "orchestratorId")
	}

	if _, hasWorker := obj["workerId"]; hasWorker {
		obj["senderVariant"] = string(model.SenderWorker)
	} else {
		obj["senderVariant"] = string(model.SenderOrchestrator)
	}
}
