// Package writer manages the outbound channels to the remote result-writer
// service: one websocket per connection, lazily opened, memoized, and
// time-bounded so abandoned jobs cannot leak channels.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/target/loadrun-api/internal/core"
	"github.com/target/loadrun-api/internal/domain/model"
)

// Wire method names. Creation is per job kind; the remaining operations are
// kind-agnostic once the record id is known.
const (
	methodCreateSingle     = "single:create"
	methodCreateFolder     = "folder:create"
	methodCreateCollection = "collection:create"
	methodAddOptions       = "result:options"
	methodSuccessSingle    = "result:success-single"
	methodSuccessMultiple  = "result:success-multiple"
	methodFailure          = "result:failure"
	methodDelete           = "result:delete"
)

// ackSuffix marks acknowledgement push events, e.g. "single:create:success".
const ackSuffix = ":success"

// requestFrame is one outbound call on the channel.
type requestFrame struct {
	Method   string          `json:"method"`
	JobID    string          `json:"jobId,omitempty"`
	RecordID string          `json:"recordId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ackFrame is one inbound push event from the writer service.
type ackFrame struct {
	Event    string `json:"event"`
	JobID    string `json:"jobId"`
	RecordID string `json:"recordId"`
	ScopeID  string `json:"scopeId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Channel is one open websocket to the result-writer service. Outbound
// calls are serialized; acknowledgements arrive on a dedicated read loop
// that feeds the owning connection's state.
type Channel struct {
	conn   *websocket.Conn
	state  *core.ConnectionJobState
	scopes core.ScopeCache
	logger *slog.Logger

	scope    string
	agent    model.ExecutionAgent
	scopeTTL time.Duration

	timer *time.Timer

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

var _ core.WriterChannel = (*Channel)(nil)

// send writes one frame, guarding the websocket against concurrent writers.
func (c *Channel) send(ctx context.Context, frame requestFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		return fmt.Errorf("writer channel send %s: %w", frame.Method, err)
	}
	return nil
}

// CreateRecord issues the kind-specific create-record call.
func (c *Channel) CreateRecord(ctx context.Context, kind model.TestKind, req core.CreateRecordRequest) error {
	var method string
	switch kind {
	case model.TestKindSingleRequest:
		method = methodCreateSingle
	case model.TestKindFolderGroup:
		method = methodCreateFolder
	case model.TestKindCollectionGroup:
		method = methodCreateCollection
	default:
		return fmt.Errorf("cannot create record for kind %q", kind)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode create request: %w", err)
	}
	return c.send(ctx, requestFrame{
		Method:   method,
		JobID:    req.JobID,
		RecordID: req.RecordID,
		Payload:  payload,
	})
}

// AddOptions propagates execution options to the remote record.
func (c *Channel) AddOptions(ctx context.Context, recordID string, opts model.ExecutionOptions) error {
	payload, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	return c.send(ctx, requestFrame{Method: methodAddOptions, RecordID: recordID, Payload: payload})
}

// HandleSuccessSingle propagates an httpSingle success finalize.
func (c *Channel) HandleSuccessSingle(ctx context.Context, recordID string, params core.SuccessSingleParams) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode success-single: %w", err)
	}
	return c.send(ctx, requestFrame{Method: methodSuccessSingle, RecordID: recordID, Payload: payload})
}

// HandleSuccessMultiple propagates a grouped or httpMultiple success finalize.
func (c *Channel) HandleSuccessMultiple(ctx context.Context, recordID string, params core.SuccessMultipleParams) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode success-multiple: %w", err)
	}
	return c.send(ctx, requestFrame{Method: methodSuccessMultiple, RecordID: recordID, Payload: payload})
}

// HandleFailure propagates a failure finalize.
func (c *Channel) HandleFailure(ctx context.Context, recordID string, params core.FailureParams) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode failure: %w", err)
	}
	return c.send(ctx, requestFrame{Method: methodFailure, RecordID: recordID, Payload: payload})
}

// DeleteRecord propagates a record deletion.
func (c *Channel) DeleteRecord(ctx context.Context, recordID string) error {
	return c.send(ctx, requestFrame{Method: methodDelete, RecordID: recordID})
}

// Close tears the channel down, dropping the routing cache entry. Safe to
// call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.dropScopeEntry()
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "channel closed")
		close(c.done)
	})
	return c.closeErr
}

// readLoop consumes acknowledgement push events until the connection drops.
// The first create acknowledgement confirms record creation on the owning
// connection's state and registers the routing cache entry.
func (c *Channel) readLoop(ctx context.Context) {
	defer c.dropScopeEntry()
	for {
		var ack ackFrame
		if err := wsjson.Read(ctx, c.conn, &ack); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.DebugContext(ctx, "writer channel read ended", "error", err)
			}
			return
		}
		c.handleAck(ctx, ack)
	}
}

func (c *Channel) handleAck(ctx context.Context, ack ackFrame) {
	if ack.Error != "" {
		c.logger.ErrorContext(ctx, "writer service rejected call",
			"event", ack.Event, "job_id", ack.JobID, "error", ack.Error)
		return
	}

	kind, created := createAckKind(ack.Event)
	if !created {
		c.logger.DebugContext(ctx, "writer service ack",
			"event", ack.Event, "record_id", ack.RecordID)
		return
	}

	c.state.ConfirmCreated(ack.RecordID, kind)

	if c.scopes != nil && ack.ScopeID != "" {
		key := core.ScopeKey{Scope: c.scope, JobID: ack.JobID, Agent: c.agent}
		if err := c.scopes.RegisterScope(ctx, key, ack.ScopeID, c.scopeTTL); err != nil {
			c.logger.DebugContext(ctx, "register scope entry failed",
				"job_id", ack.JobID, "error", err)
		}
	}
}

// dropScopeEntry removes the routing cache entry registered on create ack.
func (c *Channel) dropScopeEntry() {
	if c.scopes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := core.ScopeKey{Scope: c.scope, JobID: c.state.JobID(), Agent: c.agent}
	if err := c.scopes.DropScope(ctx, key); err != nil {
		c.logger.DebugContext(ctx, "drop scope entry failed", "error", err)
	}
}

// createAckKind maps a create acknowledgement event to its test kind.
func createAckKind(event string) (model.TestKind, bool) {
	switch event {
	case methodCreateSingle + ackSuffix:
		return model.TestKindSingleRequest, true
	case methodCreateFolder + ackSuffix:
		return model.TestKindFolderGroup, true
	case methodCreateCollection + ackSuffix:
		return model.TestKindCollectionGroup, true
	default:
		return model.TestKindUndetermined, false
	}
}
