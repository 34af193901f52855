package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/loadrun-api/internal/domain/model"
	apperrors "github.com/target/loadrun-api/internal/errors"
	"github.com/target/loadrun-api/internal/testutil"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := NewNormalizer()
	require.NoError(t, err)
	return n
}

func TestNormalizer_OrchestratorEvent(t *testing.T) {
	n := newTestNormalizer(t)

	raw := testutil.NewEvent("job-1").
		WithMessage(map[string]any{"request": map[string]any{"url": "https://example.test"}}).
		Build()

	ev, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, model.MessageTypeMessage, ev.MessageType)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, model.SenderOrchestrator, ev.Sender)
	assert.Equal(t, "orch-1", ev.OrchestratorID)
	assert.Empty(t, ev.WorkerID)
	assert.Equal(t, model.TestKindSingleRequest, model.KindFromJobRoot(ev.Message))
}

func TestNormalizer_SenderResolution(t *testing.T) {
	n := newTestNormalizer(t)

	t.Run("worker identity wins when both ids present", func(t *testing.T) {
		raw := testutil.NewEvent("job-1").
			WithWorker("worker-2").
			WithChildJob("job-1-2").
			WithField("orchestratorId", "orch-1").
			Build()

		ev, err := n.Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, model.SenderWorker, ev.Sender)
		assert.Equal(t, "worker-2", ev.WorkerID)
		assert.Equal(t, "job-1-2", ev.ChildJobID)
		assert.Empty(t, ev.OrchestratorID)
	})

	t.Run("empty workerId falls back to orchestrator", func(t *testing.T) {
		raw := testutil.NewEvent("job-1").
			WithField("workerId", "").
			WithField("childJobId", "job-1-2").
			Build()

		ev, err := n.Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, model.SenderOrchestrator, ev.Sender)
		assert.Empty(t, ev.WorkerID)
		assert.Empty(t, ev.ChildJobID)
	})

	t.Run("neither identity fails validation", func(t *testing.T) {
		raw := testutil.NewEvent("job-1").
			WithField("orchestratorId", "").
			Build()

		_, err := n.Normalize(raw)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestNormalizer_DoubleEncodedPayload(t *testing.T) {
	n := newTestNormalizer(t)

	inner := testutil.StatusEvent("job-1", model.ExecStatusRunning)
	outer, err := json.Marshal(string(inner))
	require.NoError(t, err)

	ev, err := n.Normalize(outer)
	require.NoError(t, err)
	assert.Equal(t, model.MessageTypeStatus, ev.MessageType)

	status, err := ev.Status()
	require.NoError(t, err)
	assert.Equal(t, model.ExecStatusRunning, status)
}

func TestNormalizer_StringifiedMessage(t *testing.T) {
	n := newTestNormalizer(t)

	t.Run("nested json message is unwrapped", func(t *testing.T) {
		raw := testutil.NewEvent("job-1").
			WithType(model.MessageTypeOptions).
			WithMessageString(`{"executionMode": "httpMultiple", "vus": 50}`).
			Build()

		ev, err := n.Normalize(raw)
		require.NoError(t, err)

		var opts model.ExecutionOptions
		require.NoError(t, json.Unmarshal(ev.Message, &opts))
		assert.Equal(t, model.ModeHTTPMultiple, opts.ExecutionMode)
		assert.Equal(t, 50, opts.VUs)
	})

	t.Run("non json message string stays a string", func(t *testing.T) {
		raw := testutil.NewEvent("job-1").
			WithMark(model.MarkTestInfoStoreReceipt).
			WithMessageString("blob/test-info/abc123").
			Build()

		ev, err := n.Normalize(raw)
		require.NoError(t, err)

		receipt, err := ev.StoreReceipt()
		require.NoError(t, err)
		assert.Equal(t, "blob/test-info/abc123", receipt)
	})

	t.Run("console msg field is unwrapped", func(t *testing.T) {
		raw := testutil.NewEvent("job-1").
			WithType(model.MessageTypeConsole).
			WithMessage(map[string]any{"level": "info", "msg": `{"line": "checkout ok"}`}).
			Build()

		ev, err := n.Normalize(raw)
		require.NoError(t, err)

		var msg struct {
			Level string          `json:"level"`
			Msg   json.RawMessage `json:"msg"`
		}
		require.NoError(t, json.Unmarshal(ev.Message, &msg))
		assert.Equal(t, "info", msg.Level)
		assert.JSONEq(t, `{"line": "checkout ok"}`, string(msg.Msg))
	})
}

func TestNormalizer_SchemaRejections(t *testing.T) {
	n := newTestNormalizer(t)

	t.Run("mark event without mark name", func(t *testing.T) {
		raw := testutil.NewEvent("job-1").
			WithType(model.MessageTypeMark).
			WithMessageString("blob/test-info/abc123").
			Build()

		_, err := n.Normalize(raw)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("unknown message type", func(t *testing.T) {
		raw := testutil.NewEvent("job-1").WithField("messageType", "HEARTBEAT").Build()
		_, err := n.Normalize(raw)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("missing jobId", func(t *testing.T) {
		raw := testutil.NewEvent("").Build()
		_, err := n.Normalize(raw)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("not json at all", func(t *testing.T) {
		_, err := n.Normalize([]byte("not json"))
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("scalar payload", func(t *testing.T) {
		_, err := n.Normalize([]byte(`42`))
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestNormalizer_Idempotent(t *testing.T) {
	n := newTestNormalizer(t)

	raw := testutil.NewEvent("job-1").
		WithType(model.MessageTypeInterval).
		WithMessage(map[string]any{"http_req_duration": map[string]any{"p95": 120.5}}).
		Build()

	first, err := n.Normalize(raw)
	require.NoError(t, err)

	reencoded, err := json.Marshal(first)
	require.NoError(t, err)

	second, err := n.Normalize(reencoded)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
