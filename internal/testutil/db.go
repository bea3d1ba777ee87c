package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meschain/sync-core/internal/storage"
)

// OpenDB opens a throwaway SQLite database with the full schema applied.
func OpenDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, storage.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}
