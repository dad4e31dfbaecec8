package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POOLBET_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POOLBET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Driver, "POOLBET_STORAGE_DRIVER")
	setBool(&cfg.Storage.RunMigrations, "POOLBET_STORAGE_RUN_MIGRATIONS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Postgres.DSN, "POOLBET_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POOLBET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POOLBET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POOLBET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POOLBET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POOLBET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POOLBET_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POOLBET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POOLBET_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.StatementTimeout, "POOLBET_POSTGRES_STATEMENT_TIMEOUT")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "POOLBET_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POOLBET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POOLBET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POOLBET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POOLBET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POOLBET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POOLBET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POOLBET_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "POOLBET_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POOLBET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POOLBET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POOLBET_S3_REGION")
	setStr(&cfg.S3.Bucket, "POOLBET_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "POOLBET_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "POOLBET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POOLBET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POOLBET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POOLBET_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ServerSideEncryption, "POOLBET_S3_SERVER_SIDE_ENCRYPTION")

	// ── Ledger ──
	setInt(&cfg.Ledger.MaxTxAttempts, "POOLBET_LEDGER_MAX_TX_ATTEMPTS")
	setDuration(&cfg.Ledger.BaseBackoff, "POOLBET_LEDGER_BASE_BACKOFF")
	setDuration(&cfg.Ledger.MaxBackoff, "POOLBET_LEDGER_MAX_BACKOFF")
	setStr(&cfg.Ledger.PlatformUserID, "POOLBET_LEDGER_PLATFORM_USER_ID")

	// ── Pool / fees ──
	setStr(&cfg.Pool.EntryMultiple, "POOLBET_POOL_ENTRY_MULTIPLE")
	setFloat64(&cfg.Pool.DefaultMultiple, "POOLBET_POOL_DEFAULT_MULTIPLE")
	setFloat64(&cfg.Pool.MinMultiple, "POOLBET_POOL_MIN_MULTIPLE")
	setFloat64(&cfg.Pool.MaxMultiple, "POOLBET_POOL_MAX_MULTIPLE")
	setFloat64(&cfg.Orders.CancellationFeePct, "POOLBET_ORDERS_CANCELLATION_FEE_PCT")
	setInt(&cfg.Orders.PlaceLimit, "POOLBET_ORDERS_PLACE_LIMIT")
	setDuration(&cfg.Orders.PlaceWindow, "POOLBET_ORDERS_PLACE_WINDOW")
	setFloat64(&cfg.Cashout.FeePct, "POOLBET_CASHOUT_FEE_PCT")
	setFloat64(&cfg.Cashout.MaxDriftPct, "POOLBET_CASHOUT_MAX_DRIFT_PCT")
	setFloat64(&cfg.Settlement.FeePct, "POOLBET_SETTLEMENT_FEE_PCT")
	setStr(&cfg.Settlement.TieMode, "POOLBET_SETTLEMENT_TIE_MODE")
	setDuration(&cfg.Settlement.LockTTL, "POOLBET_SETTLEMENT_LOCK_TTL")

	// ── Conversion ──
	setFloat64(&cfg.Conversion.FeePct, "POOLBET_CONVERSION_FEE_PCT")
	setDuration(&cfg.Conversion.MaxRateAge, "POOLBET_CONVERSION_MAX_RATE_AGE")
	setDuration(&cfg.Conversion.MaxLimitTTL, "POOLBET_CONVERSION_MAX_LIMIT_TTL")
	setFloat64(&cfg.Conversion.PegPrice, "POOLBET_CONVERSION_PEG_PRICE")

	// ── Reconciliation ──
	setInt(&cfg.Reconciliation.BatchSize, "POOLBET_RECONCILIATION_BATCH_SIZE")
	setFloat64(&cfg.Reconciliation.Epsilon, "POOLBET_RECONCILIATION_EPSILON")
	setStr(&cfg.Reconciliation.Cron, "POOLBET_RECONCILIATION_CRON")
	setDuration(&cfg.Reconciliation.LockTTL, "POOLBET_RECONCILIATION_LOCK_TTL")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.LimitSweepInterval, "POOLBET_SCHEDULER_LIMIT_SWEEP_INTERVAL")
	setInt(&cfg.Scheduler.LimitSweepBatch, "POOLBET_SCHEDULER_LIMIT_SWEEP_BATCH")
	setDuration(&cfg.Scheduler.MarketCloseInterval, "POOLBET_SCHEDULER_MARKET_CLOSE_INTERVAL")
	setStr(&cfg.Scheduler.ArchiveCron, "POOLBET_SCHEDULER_ARCHIVE_CRON")
	setInt(&cfg.Scheduler.ArchiveAfterDays, "POOLBET_SCHEDULER_ARCHIVE_AFTER_DAYS")

	// ── Server ──
	setInt(&cfg.Server.Port, "POOLBET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POOLBET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminAPIKey, "POOLBET_SERVER_ADMIN_API_KEY")
	setInt(&cfg.Server.RateLimit, "POOLBET_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POOLBET_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POOLBET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POOLBET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POOLBET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POOLBET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POOLBET_MODE")
	setStr(&cfg.LogLevel, "POOLBET_LOG_LEVEL")
	setStr(&cfg.LogFile, "POOLBET_LOG_FILE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
