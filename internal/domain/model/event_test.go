package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageType_UnmarshalText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    MessageType
		wantErr bool
	}{
		{name: "exact match", input: "STATUS", want: MessageTypeStatus},
		{name: "lowercase", input: "console", want: MessageTypeConsole},
		{name: "surrounding whitespace", input: "  MARK ", want: MessageTypeMark},
		{name: "unknown", input: "HEARTBEAT", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mt MessageType
			err := mt.UnmarshalText([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, mt)
		})
	}
}

func TestExecStatus_Terminal(t *testing.T) {
	assert.True(t, ExecStatusCompletedSuccess.Terminal())
	assert.True(t, ExecStatusCompletedFailure.Terminal())

	for _, s := range []ExecStatus{
		ExecStatusPending, ExecStatusAssigned, ExecStatusLoading,
		ExecStatusRunning, ExecStatusFailure, ExecStatusSuccess,
	} {
		assert.False(t, s.Terminal(), "status %s", s)
	}
}

func TestJobEvent_Validate(t *testing.T) {
	base := func() JobEvent {
		return JobEvent{
			MessageType:    MessageTypeMessage,
			JobID:          "job-1",
			Time:           "2026-03-01T12:00:00Z",
			Sender:         SenderOrchestrator,
			OrchestratorID: "orch-1",
		}
	}

	t.Run("valid orchestrator event", func(t *testing.T) {
		ev := base()
		require.NoError(t, ev.Validate())
	})

	t.Run("valid worker event", func(t *testing.T) {
		ev := base()
		ev.Sender = SenderWorker
		ev.OrchestratorID = ""
		ev.WorkerID = "worker-3"
		ev.ChildJobID = "job-1-3"
		require.NoError(t, ev.Validate())
	})

	t.Run("worker without workerId", func(t *testing.T) {
		ev := base()
		ev.Sender = SenderWorker
		ev.OrchestratorID = ""
		require.Error(t, ev.Validate())
	})

	t.Run("worker with orchestratorId", func(t *testing.T) {
		ev := base()
		ev.Sender = SenderWorker
		ev.WorkerID = "worker-3"
		require.Error(t, ev.Validate())
	})

	t.Run("orchestrator with workerId", func(t *testing.T) {
		ev := base()
		ev.WorkerID = "worker-3"
		require.Error(t, ev.Validate())
	})

	t.Run("missing jobId", func(t *testing.T) {
		ev := base()
		ev.JobID = ""
		require.Error(t, ev.Validate())
	})

	t.Run("missing time", func(t *testing.T) {
		ev := base()
		ev.Time = ""
		require.Error(t, ev.Validate())
	})

	t.Run("unknown messageType", func(t *testing.T) {
		ev := base()
		ev.MessageType = "HEARTBEAT"
		require.Error(t, ev.Validate())
	})
}

func TestJobEvent_Status(t *testing.T) {
	statusEvent := func(message string) *JobEvent {
		return &JobEvent{
			MessageType:    MessageTypeStatus,
			JobID:          "job-1",
			Time:           "2026-03-01T12:00:00Z",
			Sender:         SenderOrchestrator,
			OrchestratorID: "orch-1",
			Message:        json.RawMessage(message),
		}
	}

	t.Run("plain string status", func(t *testing.T) {
		s, err := statusEvent(`"RUNNING"`).Status()
		require.NoError(t, err)
		assert.Equal(t, ExecStatusRunning, s)
	})

	t.Run("object-wrapped status", func(t *testing.T) {
		s, err := statusEvent(`{"status": "COMPLETED_SUCCESS"}`).Status()
		require.NoError(t, err)
		assert.Equal(t, ExecStatusCompletedSuccess, s)
	})

	t.Run("unknown status value", func(t *testing.T) {
		_, err := statusEvent(`"DONE"`).Status()
		require.Error(t, err)
	})

	t.Run("empty wrapped status", func(t *testing.T) {
		_, err := statusEvent(`{"status": ""}`).Status()
		require.Error(t, err)
	})

	t.Run("non status event", func(t *testing.T) {
		ev := statusEvent(`"RUNNING"`)
		ev.MessageType = MessageTypeMessage
		_, err := ev.Status()
		require.Error(t, err)
	})
}

func TestJobEvent_StoreReceipt(t *testing.T) {
	ev := JobEvent{
		MessageType: MessageTypeMark,
		Mark:        MarkTestInfoStoreReceipt,
		Message:     json.RawMessage(`"blob/test-info/abc123"`),
	}

	receipt, err := ev.StoreReceipt()
	require.NoError(t, err)
	assert.Equal(t, "blob/test-info/abc123", receipt)

	ev.Message = json.RawMessage(`""`)
	_, err = ev.StoreReceipt()
	require.Error(t, err)

	ev.Message = json.RawMessage(`{"receipt": "x"}`)
	_, err = ev.StoreReceipt()
	require.Error(t, err)
}
