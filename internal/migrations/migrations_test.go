// Package migrations provides migration testing for the central wikidesk schema.
package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMigratorSingleton tests that getMigrator returns one shared instance
func TestMigratorSingleton(t *testing.T) {
	m, err := getMigrator()
	require.NoError(t, err, "Should create migrator instance")
	require.NotNil(t, m, "Should create migrator instance")

	m2, err2 := getMigrator()
	require.NoError(t, err2, "Should create migrator instance again")
	assert.Equal(t, m, m2, "Should return same migrator instance (singleton)")
}

// TestMigrationContent tests the embedded SQL content
func TestMigrationContent(t *testing.T) {
	assert.NotEmpty(t, createTablesSQL, "Embedded SQL should not be empty")

	assert.Contains(t, createTablesSQL, "CREATE TABLE entries", "Should create entries table")
	assert.Contains(t, createTablesSQL, "idempotency_key uuid NOT NULL UNIQUE", "Should enforce idempotency key uniqueness")

	indexes := []string{
		"idx_entries_user_date",
		"idx_entries_courtier_date",
		"idx_entries_period_user",
	}
	for _, idx := range indexes {
		assert.Contains(t, createTablesSQL, idx, "Should create index %s", idx)
	}
}
