package migration_test

import (
	"testing"

	"github.com/smallbiznis/railgate/internal/migration"
	"github.com/smallbiznis/railgate/internal/migration/migrationtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyCreatesTables(t *testing.T) {
	conn := migrationtest.Open(t)
	for _, table := range []string{"entitlements", "usage_logs", "quota_adjustments"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
	assert.True(t, conn.Migrator().HasIndex("entitlements", "ux_entitlements_payment_id"))

	// Re-applying is a no-op.
	require.NoError(t, migration.Apply(conn))
}
