package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/loadrun-api/internal/migrate"
	"github.com/target/loadrun-api/internal/testutil"
)

func TestRun(t *testing.T) {
	// SetupTestDB already runs migrations once.
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	t.Run("is idempotent", func(t *testing.T) {
		require.NoError(t, migrate.Run(ctx, db))
		require.NoError(t, migrate.Run(ctx, db))
	})

	t.Run("records applied versions", func(t *testing.T) {
		var count int
		require.NoError(t, db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		assert.Positive(t, count)
	})

	t.Run("document table exists", func(t *testing.T) {
		_, err := db.ExecContext(ctx,
			"INSERT INTO document_nodes (path, value) VALUES ($1, $2)",
			"migrate-test/doc", []byte(`{"ok": true}`))
		require.NoError(t, err)

		_, err = db.ExecContext(ctx,
			"DELETE FROM document_nodes WHERE path = $1", "migrate-test/doc")
		require.NoError(t, err)
	})
}
