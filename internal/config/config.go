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

const (
	defaultAppName           = "PulsePay"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultRailTimeout       = 20 * time.Second
	defaultRailMaxRetries    = 2
	defaultStartRateLimit    = 10
	defaultBillingSchedule   = "*/5 * * * * *"
	defaultReconcileSchedule = "0 * * * * *"
	defaultDivergenceSched   = "0 */5 * * * *"
	defaultPendingSchedule   = "30 * * * * *"
	defaultBatchSize         = 500
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	DatabaseURL    string
	DBMaxConns     int
	RedisURL       string
	AMQPURL        string
	AMQPExchange   string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	StartRateLimit int
	CredentialKey  string
	CatalogSeed    string
	Rail           RailConfig
	Scheduler      SchedulerConfig
}

// RailConfig configures the Superfluid adapter. An empty RPCURL runs every
// session ledger-only.
type RailConfig struct {
	RPCURL      string
	ChainID     int64
	SuperToken  string
	Forwarder   string
	WeiPerUnit  string
	Timeout     time.Duration
	MaxRetries  int
	WaitReceipt bool
}

// Enabled reports whether a rail endpoint is configured.
func (r RailConfig) Enabled() bool {
	return r.RPCURL != ""
}

// SchedulerConfig holds the cron specs for the scheduler process. Specs
// carry a leading seconds field.
type SchedulerConfig struct {
	Billing    string
	Reconcile  string
	Divergence string
	Pending    string
	BatchSize  int
	RunTimeout time.Duration
}

// Load reads a .env file when present, then configuration values from the
// environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv populates a Config from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "json")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		AMQPURL:        os.Getenv("AMQP_URL"),
		AMQPExchange:   os.Getenv("AMQP_EXCHANGE"),
		CredentialKey:  os.Getenv("CREDENTIAL_KEY"),
		CatalogSeed:    os.Getenv("CATALOG_SEED"),
		Rail: RailConfig{
			RPCURL:      os.Getenv("RAIL_RPC_URL"),
			SuperToken:  os.Getenv("RAIL_SUPER_TOKEN"),
			Forwarder:   os.Getenv("RAIL_FORWARDER"),
			WeiPerUnit:  getEnv("RAIL_WEI_PER_UNIT", "1"),
			WaitReceipt: getEnv("RAIL_WAIT_RECEIPT", "true") == "true",
		},
		Scheduler: SchedulerConfig{
			Billing:    getEnv("BILLING_SCHEDULE", defaultBillingSchedule),
			Reconcile:  getEnv("RECONCILE_SCHEDULE", defaultReconcileSchedule),
			Divergence: getEnv("DIVERGENCE_SCHEDULE", defaultDivergenceSched),
			Pending:    getEnv("PENDING_SCHEDULE", defaultPendingSchedule),
		},
	}

	var err error
	if cfg.ShutdownPeriod, err = duration("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = duration("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.Rail.Timeout, err = duration("RAIL_TIMEOUT", defaultRailTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Scheduler.RunTimeout, err = duration("SCHEDULER_RUN_TIMEOUT", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.Rail.MaxRetries, err = integer("RAIL_MAX_RETRIES", defaultRailMaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.StartRateLimit, err = integer("START_RATE_LIMIT", defaultStartRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.Scheduler.BatchSize, err = integer("SCHEDULER_BATCH_SIZE", defaultBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.DBMaxConns, err = integer("DB_MAX_CONNS", 0); err != nil {
		return Config{}, err
	}
	chainID, err := integer("RAIL_CHAIN_ID", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.Rail.ChainID = int64(chainID)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsDevelopment reports whether in-memory backends are acceptable.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "test"
}

func (c Config) validate() error {
	if !c.IsDevelopment() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set")
		}
	}
	if c.Rail.Enabled() {
		if c.Rail.ChainID <= 0 {
			return fmt.Errorf("RAIL_CHAIN_ID must be set when RAIL_RPC_URL is set")
		}
		if c.Rail.SuperToken == "" {
			return fmt.Errorf("RAIL_SUPER_TOKEN must be set when RAIL_RPC_URL is set")
		}
		if c.CredentialKey == "" {
			return fmt.Errorf("CREDENTIAL_KEY must be set when RAIL_RPC_URL is set")
		}
	}
	if c.StartRateLimit < 0 {
		return fmt.Errorf("START_RATE_LIMIT must not be negative")
	}
	return nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// duration reads KEY_SECONDS as whole seconds, falling back to KEY as a Go
// duration string.
func duration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func integer(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
