package config

import (
	"log"
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
	// NodeID seeds the snowflake generator; distinct per running instance.
	NodeID int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBRunMigrations   bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Allocation  AllocationConfig
	Backfill    BackfillConfig
	Outbox      OutboxConfig
	Maintenance MaintenanceConfig
}

// AllocationConfig tunes allocation behavior and read routing.
type AllocationConfig struct {
	// CurrencyMinorDigits is the exponent used to render minor units as decimals.
	CurrencyMinorDigits int32
	// PaidRatioThreshold is the paid/amount ratio at or above which an invoice is paid.
	PaidRatioThreshold string
	CanaryPercent      int
	DebtCacheTTL       time.Duration
}

// BackfillConfig bounds the load backfill runs put on the primary store.
type BackfillConfig struct {
	BatchSize       int
	BatchSleep      time.Duration
	MaxBatches      int
	OrphanPayments  int
	OrphanInvoices  int
	LockTTL         time.Duration
	DryRunSampleCap int
}

// OutboxConfig controls the allocation event dispatcher.
type OutboxConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
}

// MaintenanceConfig drives the periodic invariant sweep and cache repair.
type MaintenanceConfig struct {
	Enabled     bool
	Interval    time.Duration
	Jobs        []string
	RepairCache bool
	JobTimeout  time.Duration
	LockTTL     time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "allocledger"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		DBRunMigrations:   getenvBool("DATABASE_RUN_MIGRATIONS", true),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		Allocation: AllocationConfig{
			CurrencyMinorDigits: int32(getenvInt("CURRENCY_MINOR_DIGITS", 0)),
			PaidRatioThreshold:  getenv("ALLOCATION_PAID_RATIO_THRESHOLD", "0.999"),
			CanaryPercent:       getenvInt("ALLOCATION_CANARY_PERCENT", 10),
			DebtCacheTTL:        getenvDuration("ALLOCATION_DEBT_CACHE_TTL", 30*time.Second),
		},
		Backfill: BackfillConfig{
			BatchSize:       getenvInt("BACKFILL_BATCH_SIZE", 200),
			BatchSleep:      getenvDuration("BACKFILL_BATCH_SLEEP", 250*time.Millisecond),
			MaxBatches:      getenvInt("BACKFILL_MAX_BATCHES", 0),
			OrphanPayments:  getenvInt("BACKFILL_ORPHAN_PAYMENT_LIMIT", 500),
			OrphanInvoices:  getenvInt("BACKFILL_ORPHAN_INVOICE_LIMIT", 100),
			LockTTL:         getenvDuration("BACKFILL_LOCK_TTL", 10*time.Minute),
			DryRunSampleCap: getenvInt("BACKFILL_DRY_RUN_SAMPLE_CAP", 50),
		},
		Outbox: OutboxConfig{
			Enabled:     getenvBool("OUTBOX_ENABLED", true),
			Interval:    getenvDuration("OUTBOX_INTERVAL", 2*time.Second),
			BatchSize:   getenvInt("OUTBOX_BATCH_SIZE", 50),
			MaxAttempts: getenvInt("OUTBOX_MAX_ATTEMPTS", 8),
			BaseBackoff: getenvDuration("OUTBOX_BASE_BACKOFF", time.Second),
		},
		Maintenance: MaintenanceConfig{
			Enabled:     getenvBool("MAINTENANCE_ENABLED", true),
			Interval:    getenvDuration("MAINTENANCE_INTERVAL", 5*time.Minute),
			Jobs:        getenvList("MAINTENANCE_JOBS"),
			RepairCache: getenvBool("MAINTENANCE_REPAIR_CACHE", true),
			JobTimeout:  getenvDuration("MAINTENANCE_JOB_TIMEOUT", time.Minute),
			LockTTL:     getenvDuration("MAINTENANCE_LOCK_TTL", 5*time.Minute),
		},
	}

	if cfg.Allocation.CanaryPercent < 0 || cfg.Allocation.CanaryPercent > 100 {
		log.Printf("config: ALLOCATION_CANARY_PERCENT=%d out of range, clamping", cfg.Allocation.CanaryPercent)
		cfg.Allocation.CanaryPercent = clampPercent(cfg.Allocation.CanaryPercent)
	}

	return cfg
}

func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
		log.Printf("config: invalid %s=%q, using default %d", key, value, def)
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	// bare integers are milliseconds
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	log.Printf("config: invalid %s=%q, using default %s", key, value, def)
	return def
}
