package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesSchemaAndDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "driveback.db")

	db, err := Open(path)
	require.NoError(t, err)
	defer Close(db) //nolint:errcheck

	for _, table := range []string{"upload_session", "upload_history"} {
		var name string
		err := db.Get(&name, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = $1`, table)
		assert.NoError(t, err, "table %s should exist", table)
	}
}

func TestOpen_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driveback.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, Close(db))

	// Reopening an already-migrated database must not fail.
	db, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, Close(db))
}
