package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis       RedisConfig
	RateLimit   RateLimitConfig
	Entitlement EntitlementConfig
	Meter       MeterConfig
	Kafka       KafkaConfig
}

// RedisConfig points at the shared counter store. An empty Addr selects the
// process-local store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	BucketTTL         time.Duration
}

type EntitlementConfig struct {
	// WarningThreshold is the fraction of quota used above which a tracked
	// call carries a low-quota warning.
	WarningThreshold     float64
	AllowLimitBelowUsage bool
	SweepInterval        time.Duration
	SweepBatch           int
}

type MeterConfig struct {
	TierLimits     map[string]float64
	TierConfigPath string
	HistorySize    int
	WarningPercent float64
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// DefaultTierLimits is the monthly meter allowance per tier.
func DefaultTierLimits() map[string]float64 {
	return map[string]float64{
		"free":       1000,
		"pro":        10000,
		"enterprise": 100000,
	}
}

// Load loads configuration from environment variables and .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	tierLimits := DefaultTierLimits()
	if raw := strings.TrimSpace(os.Getenv("METER_TIER_LIMITS")); raw != "" {
		parsed, err := ParseTierLimits(raw)
		if err != nil {
			return Config{}, err
		}
		tierLimits = parsed
	}

	cfg := Config{
		AppName:      getenv("APP_NAME", "railgate"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       int64(getenvInt("NODE_ID", 1)),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DB_TYPE", "postgres"),
		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "railgate"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", ""),
		DBSSLMode:         getenv("DB_SSL_MODE", "disable"),
		DBPath:            getenv("DB_PATH", "railgate.db"),
		DBMaxIdleConn:     getenvInt("DB_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DB_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DB_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DB_CONN_MAX_IDLE_TIME", 300),
		DBAutoMigrate:     getenvBool("DB_AUTO_MIGRATE", true),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getenvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getenvFloat("RATE_LIMIT_RPS", 20),
			Burst:             getenvInt("RATE_LIMIT_BURST", 40),
			BucketTTL:         getenvDuration("RATE_LIMIT_BUCKET_TTL", time.Hour),
		},
		Entitlement: EntitlementConfig{
			WarningThreshold:     getenvFloat("ENTITLEMENT_WARNING_THRESHOLD", 0.8),
			AllowLimitBelowUsage: getenvBool("ENTITLEMENT_ALLOW_LIMIT_BELOW_USAGE", false),
			SweepInterval:        getenvDuration("ENTITLEMENT_SWEEP_INTERVAL", time.Minute),
			SweepBatch:           getenvInt("ENTITLEMENT_SWEEP_BATCH", 500),
		},
		Meter: MeterConfig{
			TierLimits:     tierLimits,
			TierConfigPath: strings.TrimSpace(getenv("METER_TIER_CONFIG_PATH", "")),
			HistorySize:    getenvInt("METER_HISTORY_SIZE", 1000),
			WarningPercent: getenvFloat("METER_WARNING_PERCENT", 80),
		},
		Kafka: KafkaConfig{
			Brokers: getenvList("KAFKA_BROKERS"),
			Topic:   getenv("KAFKA_TOPIC", "railgate.events"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be in [0,1023], got %d", c.NodeID)
	}
	if t := c.Entitlement.WarningThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("ENTITLEMENT_WARNING_THRESHOLD must be in (0,1], got %v", t)
	}
	if c.Entitlement.SweepInterval < 0 {
		return errors.New("ENTITLEMENT_SWEEP_INTERVAL must not be negative")
	}
	if p := c.Meter.WarningPercent; p <= 0 || p > 100 {
		return fmt.Errorf("METER_WARNING_PERCENT must be in (0,100], got %v", p)
	}
	if c.Meter.HistorySize <= 0 {
		return errors.New("METER_HISTORY_SIZE must be positive")
	}
	if _, ok := c.Meter.TierLimits["free"]; !ok {
		return errors.New("meter tier limits must define the free tier")
	}
	for tier, limit := range c.Meter.TierLimits {
		if limit < 0 {
			return fmt.Errorf("meter tier %q has a negative limit", tier)
		}
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// ParseTierLimits parses "free=1000,pro=10000" into a tier limit map.
func ParseTierLimits(raw string) (map[string]float64, error) {
	limits := make(map[string]float64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid tier limit %q", part)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, fmt.Errorf("invalid tier limit %q", part)
		}
		limit, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid tier limit %q: %w", part, err)
		}
		limits[name] = limit
	}
	if len(limits) == 0 {
		return nil, errors.New("tier limits are empty")
	}
	return limits, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
