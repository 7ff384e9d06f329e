package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durably-dev/durably/internal/store/postgres"
)

// ApplyMigrations applies all migrations using the app's built-in
// migration runner, so test databases see exactly the schema
// production would apply.
func ApplyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()
	require.NoError(t, postgres.ApplyMigrations(context.Background(), db), "apply migrations")
}
