package data

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/loadrun-api/internal/errors"
	"github.com/target/loadrun-api/internal/testutil"
)

func TestPgDocumentStore(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := NewPgDocumentStore(db)
	ctx := context.Background()

	t.Run("get absent path returns nil", func(t *testing.T) {
		raw, err := store.Get(ctx, "proj/main/missing")
		require.NoError(t, err)
		assert.Nil(t, raw)
	})

	t.Run("upsert roundtrip", func(t *testing.T) {
		type doc struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}
		require.NoError(t, store.Set(ctx, "proj/main/doc-1", doc{Name: "first", Count: 1}))

		raw, err := store.Get(ctx, "proj/main/doc-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"name": "first", "count": 1}`, string(raw))

		require.NoError(t, store.Set(ctx, "proj/main/doc-1", doc{Name: "second", Count: 2}))
		raw, err = store.Get(ctx, "proj/main/doc-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"name": "second", "count": 2}`, string(raw))
	})

	t.Run("paths are independent", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "proj/main/doc-a", map[string]string{"id": "a"}))
		require.NoError(t, store.Set(ctx, "proj/feature/doc-a", map[string]string{"id": "b"}))

		raw, err := store.Get(ctx, "proj/main/doc-a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id": "a"}`, string(raw))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "proj/main/doc-del", map[string]int{"n": 1}))
		require.NoError(t, store.Delete(ctx, "proj/main/doc-del"))
		require.NoError(t, store.Delete(ctx, "proj/main/doc-del"))

		raw, err := store.Get(ctx, "proj/main/doc-del")
		require.NoError(t, err)
		assert.Nil(t, raw)
	})

	t.Run("empty path rejected", func(t *testing.T) {
		err := store.Set(ctx, "", map[string]int{"n": 1})
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))

		_, err = store.Get(ctx, "")
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("health", func(t *testing.T) {
		require.NoError(t, store.Health(ctx))
	})
}
