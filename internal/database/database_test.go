package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Open requires a live Postgres instance to ping and bootstrap the
// schema against, so only its failure path on a malformed connection
// string is exercised here.
func TestOpenRejectsMalformedConnString(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Open(ctx, "not-a-valid-connection-string")
	require.Error(t, err)
}

func TestSchemaDefinesExpectedTables(t *testing.T) {
	t.Parallel()

	for _, table := range []string{"repo_root", "commit_log", "identity", "blocks", "records"} {
		require.Contains(t, Schema, table)
	}
}
