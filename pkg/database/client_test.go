package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.db")
	client, err := NewClient(context.Background(), path)
	require.NoError(t, err)
	defer client.Close()

	for _, table := range []string{
		"sessions", "conversation_turns", "provenance", "file_provenance",
		"approvals", "memory_chunks", "routines", "routine_executions", "audit_log",
	} {
		var name string
		err := client.DB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		assert.NoError(t, err, "table %s missing", table)
	}
}

func TestNewClientIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.db")

	client, err := NewClient(context.Background(), path)
	require.NoError(t, err)
	_, err = client.DB().Exec(
		`INSERT INTO sessions (session_id, source) VALUES ('s1', 'http')`)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	// Reopening applies no migrations and keeps the data.
	client, err = NewClient(context.Background(), path)
	require.NoError(t, err)
	defer client.Close()

	var count int
	require.NoError(t, client.DB().QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestForeignKeyCascade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.db")
	client, err := NewClient(context.Background(), path)
	require.NoError(t, err)
	defer client.Close()

	db := client.DB()
	_, err = db.Exec(`INSERT INTO sessions (session_id, source) VALUES ('s1', 'http')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO conversation_turns (session_id, request_text) VALUES ('s1', 'hello')`)
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM sessions WHERE session_id = 's1'`)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM conversation_turns`).Scan(&count))
	assert.Zero(t, count, "turns cascade with their session")
}
