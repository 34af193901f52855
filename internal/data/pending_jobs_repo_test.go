package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/loadrun-api/internal/core"
	"github.com/target/loadrun-api/internal/domain/model"
	"github.com/target/loadrun-api/internal/testutil"
)

func TestRedisPendingJobsRepo_HashLifecycle(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	repo := NewRedisPendingJobsRepo(client)
	ctx := context.Background()

	t.Run("unknown job yields empty snapshot", func(t *testing.T) {
		snap, err := repo.Snapshot(ctx, "job-unknown")
		require.NoError(t, err)
		assert.Empty(t, snap)
	})

	t.Run("refresh merges fields", func(t *testing.T) {
		require.NoError(t, repo.Refresh(ctx, "job-1", map[string]string{
			"status": "RUNNING",
			"time":   "2026-03-01T12:00:00Z",
		}))
		require.NoError(t, repo.Refresh(ctx, "job-1", map[string]string{
			"status": "SUCCESS",
		}))

		snap, err := repo.Snapshot(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "SUCCESS", snap["status"])
		assert.Equal(t, "2026-03-01T12:00:00Z", snap["time"])
	})

	t.Run("empty fields are a no-op", func(t *testing.T) {
		require.NoError(t, repo.Refresh(ctx, "job-2", nil))
		snap, err := repo.Snapshot(ctx, "job-2")
		require.NoError(t, err)
		assert.Empty(t, snap)
	})

	t.Run("empty job id rejected", func(t *testing.T) {
		require.Error(t, repo.Refresh(ctx, "", map[string]string{"status": "RUNNING"}))
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		require.NoError(t, repo.Refresh(ctx, "job-3", map[string]string{"status": "RUNNING"}))
		require.NoError(t, repo.Remove(ctx, "job-3"))
		require.NoError(t, repo.Remove(ctx, "job-3"))

		snap, err := repo.Snapshot(ctx, "job-3")
		require.NoError(t, err)
		assert.Empty(t, snap)
	})

	t.Run("health", func(t *testing.T) {
		require.NoError(t, repo.Health(ctx))
	})
}

func TestRedisPendingJobsRepo_PubSub(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	repo := NewRedisPendingJobsRepo(client)
	ctx := context.Background()

	sub, err := repo.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	other, err := repo.Subscribe(ctx, "job-other")
	require.NoError(t, err)
	defer func() { _ = other.Close() }()

	payload := []byte(`{"messageType": "STATUS", "jobId": "job-1"}`)
	require.NoError(t, repo.Publish(ctx, "job-1", payload))

	select {
	case got := <-sub.Events():
		assert.JSONEq(t, string(payload), string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed payload never arrived")
	}

	// The other job's channel stays silent.
	select {
	case got := <-other.Events():
		t.Fatalf("unexpected payload on other job channel: %s", got)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, sub.Close())
	_, open := <-sub.Events()
	assert.False(t, open, "events channel should close after Close")
}

func TestRedisPendingJobsRepo_ScopeCache(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	repo := NewRedisPendingJobsRepo(client)
	ctx := context.Background()

	key := core.ScopeKey{Scope: "team-a", JobID: "job-1", Agent: model.AgentCloud}

	t.Run("lookup absent key yields empty", func(t *testing.T) {
		scopeID, err := repo.LookupScope(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, scopeID)
	})

	t.Run("register and lookup", func(t *testing.T) {
		require.NoError(t, repo.RegisterScope(ctx, key, "scope-42", time.Minute))

		scopeID, err := repo.LookupScope(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "scope-42", scopeID)

		// Same job under a different agent is a different entry.
		localKey := key
		localKey.Agent = model.AgentLocal
		scopeID, err = repo.LookupScope(ctx, localKey)
		require.NoError(t, err)
		assert.Empty(t, scopeID)
	})

	t.Run("drop", func(t *testing.T) {
		require.NoError(t, repo.RegisterScope(ctx, key, "scope-42", time.Minute))
		require.NoError(t, repo.DropScope(ctx, key))

		scopeID, err := repo.LookupScope(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, scopeID)

		require.NoError(t, repo.DropScope(ctx, key))
	})

	t.Run("entries expire", func(t *testing.T) {
		require.NoError(t, repo.RegisterScope(ctx, key, "scope-ttl", 50*time.Millisecond))

		require.Eventually(t, func() bool {
			scopeID, err := repo.LookupScope(ctx, key)
			return err == nil && scopeID == ""
		}, 2*time.Second, 25*time.Millisecond)
	})
}
