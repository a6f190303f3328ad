package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// These tests need a real PostgreSQL instance; point PLAYHOUSE_TEST_DSN at
// one to run them. Skipped otherwise rather than spinning up a container.
func testDSN(t *testing.T) string {
	dsn := os.Getenv("PLAYHOUSE_TEST_DSN")
	if dsn == "" {
		t.Skip("PLAYHOUSE_TEST_DSN not set, skipping store integration test")
	}
	return dsn
}

func TestStore_RecordSessionEvent(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	require.NoError(t, RunMigrations(ctx, dsn))

	s, err := New(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RecordSessionEvent(ctx, "acct-1", "authenticated", 42))

	var count int
	row := s.Pool().QueryRow(ctx, `SELECT count(*) FROM audit_log WHERE account_id = $1`, "acct-1")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}
