// Package config defines the top-level configuration for the poolbet ledger
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POOLBET_* environment variables.
type Config struct {
	Storage        StorageConfig        `toml:"storage"`
	Postgres       PostgresConfig       `toml:"postgres"`
	SQLite         SQLiteConfig         `toml:"sqlite"`
	Redis          RedisConfig          `toml:"redis"`
	S3             S3Config             `toml:"s3"`
	Ledger         LedgerConfig         `toml:"ledger"`
	Pool           PoolConfig           `toml:"pool"`
	Orders         OrdersConfig         `toml:"orders"`
	Cashout        CashoutConfig        `toml:"cashout"`
	Settlement     SettlementConfig     `toml:"settlement"`
	Conversion     ConversionConfig     `toml:"conversion"`
	Reconciliation ReconciliationConfig `toml:"reconciliation"`
	Scheduler      SchedulerConfig      `toml:"scheduler"`
	Server         ServerConfig         `toml:"server"`
	Notify         NotifyConfig         `toml:"notify"`
	Mode           string               `toml:"mode"`
	LogLevel       string               `toml:"log_level"`
	LogFile        string               `toml:"log_file"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver        string `toml:"driver"`
	RunMigrations bool   `toml:"run_migrations"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN              string   `toml:"dsn"`
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Database         string   `toml:"database"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	SSLMode          string   `toml:"sslmode"`
	PoolMaxConns     int      `toml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns"`
	StatementTimeout duration `toml:"statement_timeout"`
}

// SQLiteConfig holds the embedded database location. ":memory:" keeps
// everything in process.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. When disabled the process
// falls back to in-memory locks, rate limiting, rate source and signal bus.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	DialTimeout duration `toml:"dial_timeout"`
	KeyPrefix   string   `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Enabled              bool   `toml:"enabled"`
	Endpoint             string `toml:"endpoint"`
	Region               string `toml:"region"`
	Bucket               string `toml:"bucket"`
	Prefix               string `toml:"prefix"`
	AccessKey            string `toml:"access_key"`
	SecretKey            string `toml:"secret_key"`
	UseSSL               bool   `toml:"use_ssl"`
	ForcePathStyle       bool   `toml:"force_path_style"`
	ServerSideEncryption string `toml:"server_side_encryption"`
}

// LedgerConfig controls the transaction retry loop and the platform account.
type LedgerConfig struct {
	MaxTxAttempts  int      `toml:"max_tx_attempts"`
	BaseBackoff    duration `toml:"base_backoff"`
	MaxBackoff     duration `toml:"max_backoff"`
	PlatformUserID string   `toml:"platform_user_id"`
}

// PoolConfig controls multiple derivation.
type PoolConfig struct {
	// EntryMultiple is "post" (read after the stake lands) or "pre".
	EntryMultiple   string  `toml:"entry_multiple"`
	DefaultMultiple float64 `toml:"default_multiple"`
	MinMultiple     float64 `toml:"min_multiple"`
	MaxMultiple     float64 `toml:"max_multiple"`
}

// OrdersConfig holds order lifecycle fees and the per-user placement cap.
type OrdersConfig struct {
	CancellationFeePct float64 `toml:"cancellation_fee_pct"`
	// PlaceLimit caps placements per user per PlaceWindow; 0 disables it.
	PlaceLimit  int      `toml:"place_limit"`
	PlaceWindow duration `toml:"place_window"`
}

// CashoutConfig holds cashout pricing parameters.
type CashoutConfig struct {
	FeePct      float64 `toml:"fee_pct"`
	MaxDriftPct float64 `toml:"max_drift_pct"`
}

// SettlementConfig holds settlement parameters.
type SettlementConfig struct {
	FeePct  float64  `toml:"fee_pct"`
	TieMode string   `toml:"tie_mode"`
	LockTTL duration `toml:"lock_ttl"`
}

// ConversionConfig holds coin/fiat conversion parameters.
type ConversionConfig struct {
	FeePct      float64  `toml:"fee_pct"`
	MaxRateAge  duration `toml:"max_rate_age"`
	MaxLimitTTL duration `toml:"max_limit_ttl"`
	// PegPrice seeds the in-memory rate source (FIAT per COIN).
	PegPrice float64 `toml:"peg_price"`
}

// ReconciliationConfig holds reconciliation run parameters.
type ReconciliationConfig struct {
	BatchSize int      `toml:"batch_size"`
	Epsilon   float64  `toml:"epsilon"`
	Cron      string   `toml:"cron"`
	LockTTL   duration `toml:"lock_ttl"`
}

// SchedulerConfig controls the background jobs run in worker mode.
type SchedulerConfig struct {
	LimitSweepInterval  duration `toml:"limit_sweep_interval"`
	LimitSweepBatch     int      `toml:"limit_sweep_batch"`
	MarketCloseInterval duration `toml:"market_close_interval"`
	ArchiveCron         string   `toml:"archive_cron"`
	ArchiveAfterDays    int      `toml:"archive_after_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// AdminAPIKey guards /api/admin. Empty disables the admin surface.
	AdminAPIKey     string   `toml:"admin_api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{
			Driver:        "sqlite",
			RunMigrations: true,
		},
		Postgres: PostgresConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "poolbet",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     2,
			StatementTimeout: duration{30 * time.Second},
		},
		SQLite: SQLiteConfig{
			Path: "poolbet.db",
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			DialTimeout: duration{5 * time.Second},
			KeyPrefix:   "poolbet:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "poolbet-archive",
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			MaxTxAttempts:  5,
			BaseBackoff:    duration{10 * time.Millisecond},
			MaxBackoff:     duration{500 * time.Millisecond},
			PlatformUserID: "platform",
		},
		Pool: PoolConfig{
			EntryMultiple:   "post",
			DefaultMultiple: 1.5,
			MinMultiple:     1.0,
			MaxMultiple:     50,
		},
		Orders: OrdersConfig{
			CancellationFeePct: 0.05,
			PlaceLimit:         30,
			PlaceWindow:        duration{time.Minute},
		},
		Cashout: CashoutConfig{
			FeePct:      0.05,
			MaxDriftPct: 0.02,
		},
		Settlement: SettlementConfig{
			FeePct:  0.20,
			TieMode: "refund",
			LockTTL: duration{5 * time.Minute},
		},
		Conversion: ConversionConfig{
			FeePct:      0.01,
			MaxRateAge:  duration{5 * time.Minute},
			MaxLimitTTL: duration{7 * 24 * time.Hour},
			PegPrice:    1.0,
		},
		Reconciliation: ReconciliationConfig{
			BatchSize: 500,
			Epsilon:   0.000001,
			Cron:      "0 3 * * *",
			LockTTL:   duration{30 * time.Minute},
		},
		Scheduler: SchedulerConfig{
			LimitSweepInterval:  duration{10 * time.Second},
			LimitSweepBatch:     100,
			MarketCloseInterval: duration{30 * time.Second},
			ArchiveCron:         "30 4 * * *",
			ArchiveAfterDays:    1,
		},
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			RateLimit:       120,
			RateWindow:      duration{time.Minute},
			ShutdownTimeout: duration{15 * time.Second},
		},
		Notify: NotifyConfig{
			DiscordUsername: "poolbet",
			Events: []string{
				"reconciliation_discrepancy",
				"reconciliation_failed",
				"settlement_completed",
				"balance_resync",
				"error",
			},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Storage
	switch c.Storage.Driver {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if strings.TrimSpace(c.SQLite.Path) == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: postgres, sqlite)", c.Storage.Driver))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Ledger
	if c.Ledger.MaxTxAttempts < 1 {
		errs = append(errs, "ledger: max_tx_attempts must be >= 1")
	}
	if c.Ledger.BaseBackoff.Duration <= 0 || c.Ledger.MaxBackoff.Duration < c.Ledger.BaseBackoff.Duration {
		errs = append(errs, "ledger: need 0 < base_backoff <= max_backoff")
	}
	if strings.TrimSpace(c.Ledger.PlatformUserID) == "" {
		errs = append(errs, "ledger: platform_user_id must not be empty")
	}

	// Pool
	if c.Pool.EntryMultiple != "post" && c.Pool.EntryMultiple != "pre" {
		errs = append(errs, fmt.Sprintf("pool: entry_multiple must be post or pre, got %q", c.Pool.EntryMultiple))
	}
	if c.Pool.MinMultiple < 1 {
		errs = append(errs, "pool: min_multiple must be >= 1")
	}
	if c.Pool.MaxMultiple < c.Pool.MinMultiple {
		errs = append(errs, "pool: max_multiple must be >= min_multiple")
	}
	if c.Pool.DefaultMultiple < c.Pool.MinMultiple || c.Pool.DefaultMultiple > c.Pool.MaxMultiple {
		errs = append(errs, "pool: default_multiple must lie within [min_multiple, max_multiple]")
	}

	// Fees and thresholds are fractions, never percentages.
	errs = checkFraction(errs, "orders: cancellation_fee_pct", c.Orders.CancellationFeePct)
	if c.Orders.PlaceLimit < 0 {
		errs = append(errs, "orders: place_limit must be >= 0")
	}
	if c.Orders.PlaceLimit > 0 && c.Orders.PlaceWindow.Duration <= 0 {
		errs = append(errs, "orders: place_window must be positive when place_limit is set")
	}
	errs = checkFraction(errs, "cashout: fee_pct", c.Cashout.FeePct)
	errs = checkFraction(errs, "cashout: max_drift_pct", c.Cashout.MaxDriftPct)
	errs = checkFraction(errs, "settlement: fee_pct", c.Settlement.FeePct)
	errs = checkFraction(errs, "conversion: fee_pct", c.Conversion.FeePct)

	if c.Settlement.TieMode != "refund" && c.Settlement.TieMode != "split" {
		errs = append(errs, fmt.Sprintf("settlement: tie_mode must be refund or split, got %q", c.Settlement.TieMode))
	}
	if c.Settlement.LockTTL.Duration <= 0 {
		errs = append(errs, "settlement: lock_ttl must be > 0")
	}

	// Conversion
	if c.Conversion.MaxRateAge.Duration <= 0 {
		errs = append(errs, "conversion: max_rate_age must be > 0")
	}
	if c.Conversion.MaxLimitTTL.Duration <= 0 {
		errs = append(errs, "conversion: max_limit_ttl must be > 0")
	}
	if c.Conversion.PegPrice <= 0 {
		errs = append(errs, "conversion: peg_price must be > 0")
	}

	// Reconciliation
	if c.Reconciliation.BatchSize < 1 || c.Reconciliation.BatchSize > 10000 {
		errs = append(errs, fmt.Sprintf("reconciliation: batch_size must be 1-10000, got %d", c.Reconciliation.BatchSize))
	}
	if c.Reconciliation.Epsilon < 0 || c.Reconciliation.Epsilon >= 1 {
		errs = append(errs, "reconciliation: epsilon must be in [0, 1)")
	}
	if len(strings.Fields(c.Reconciliation.Cron)) != 5 {
		errs = append(errs, fmt.Sprintf("reconciliation: cron %q must have 5 fields", c.Reconciliation.Cron))
	}

	// Scheduler
	if c.Scheduler.LimitSweepInterval.Duration <= 0 {
		errs = append(errs, "scheduler: limit_sweep_interval must be > 0")
	}
	if c.Scheduler.LimitSweepBatch < 1 {
		errs = append(errs, "scheduler: limit_sweep_batch must be >= 1")
	}
	if c.Scheduler.MarketCloseInterval.Duration <= 0 {
		errs = append(errs, "scheduler: market_close_interval must be > 0")
	}
	if c.S3.Enabled {
		if len(strings.Fields(c.Scheduler.ArchiveCron)) != 5 {
			errs = append(errs, fmt.Sprintf("scheduler: archive_cron %q must have 5 fields", c.Scheduler.ArchiveCron))
		}
		if c.Scheduler.ArchiveAfterDays < 1 {
			errs = append(errs, "scheduler: archive_after_days must be >= 1")
		}
	}

	// Server
	if c.Mode == "server" || c.Mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkFraction(errs []string, name string, v float64) []string {
	if v < 0 || v >= 1 {
		return append(errs, fmt.Sprintf("%s must be in [0, 1), got %g", name, v))
	}
	return errs
}

// Dec converts a float setting to a decimal. Settings are parsed through
// their shortest decimal representation so 0.2 stays exactly 0.2.
func Dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
