package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("METER_TIER_LIMITS", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.Entitlement.WarningThreshold)
	assert.False(t, cfg.Entitlement.AllowLimitBelowUsage)
	assert.Equal(t, time.Hour, cfg.RateLimit.BucketTTL)
	assert.Equal(t, DefaultTierLimits(), cfg.Meter.TierLimits)
	assert.Empty(t, cfg.Redis.Addr)
	assert.False(t, cfg.Kafka.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("METER_TIER_LIMITS", "free=10, Pro=200")
	t.Setenv("ENTITLEMENT_WARNING_THRESHOLD", "0.9")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("RATE_LIMIT_BUCKET_TTL", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, map[string]float64{"free": 10, "pro": 200}, cfg.Meter.TierLimits)
	assert.Equal(t, 0.9, cfg.Entitlement.WarningThreshold)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Minute, cfg.RateLimit.BucketTTL)
}

func TestLoadRejectsInvalidThreshold(t *testing.T) {
	t.Setenv("METER_TIER_LIMITS", "")
	t.Setenv("ENTITLEMENT_WARNING_THRESHOLD", "1.5")

	_, err := Load()
	require.Error(t, err)
}

func TestParseTierLimits(t *testing.T) {
	_, err := ParseTierLimits("free")
	require.Error(t, err)

	_, err = ParseTierLimits("free=abc")
	require.Error(t, err)

	limits, err := ParseTierLimits("free=1,enterprise=5")
	require.NoError(t, err)
	assert.Equal(t, 5.0, limits["enterprise"])
}

func TestTierLimitsHolderReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  free: 50\n  pro: 500\n"), 0o600))

	cfg := Config{Meter: MeterConfig{TierLimits: DefaultTierLimits(), TierConfigPath: path}}
	holder, err := NewTierLimitsHolder(cfg, zap.NewNop())
	require.NoError(t, err)

	limits := holder.Get()
	assert.Equal(t, 50.0, limits["free"])
	assert.Equal(t, 500.0, limits["pro"])
}

func TestStaticTierLimitsReturnsCopy(t *testing.T) {
	holder := NewStaticTierLimits(DefaultTierLimits())
	limits := holder.Get()
	limits["free"] = 1

	assert.Equal(t, 1000.0, holder.Get()["free"])
}

func TestLoadRejectsOutOfRangeNodeID(t *testing.T) {
	t.Setenv("METER_TIER_LIMITS", "")
	t.Setenv("NODE_ID", "2048")

	_, err := Load()
	require.Error(t, err)
}
