package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/poolbet/internal/blob/s3"
	"github.com/alanyoungcy/poolbet/internal/cache/memory"
	"github.com/alanyoungcy/poolbet/internal/cache/redis"
	"github.com/alanyoungcy/poolbet/internal/config"
	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/engine"
	"github.com/alanyoungcy/poolbet/internal/money"
	"github.com/alanyoungcy/poolbet/internal/notify"
	"github.com/alanyoungcy/poolbet/internal/service"
	"github.com/alanyoungcy/poolbet/internal/store"
	"github.com/alanyoungcy/poolbet/internal/store/postgres"
	"github.com/alanyoungcy/poolbet/internal/store/sqlite"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies bundles the concrete backends selected by configuration. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Storage string
	Store   Pinger

	Ledger  domain.Ledger
	Reports domain.ReportStore
	Audit   domain.AuditStore

	Locks   domain.LockManager
	Limiter domain.RateLimiter
	Rates   domain.RateStore
	Bus     domain.SignalBus

	// Archiver and Archives are nil unless S3 is enabled.
	Archiver domain.Archiver
	Archives domain.ArchiveBrowser

	Notifier *notify.Notifier
}

// Services are the ledger operations built over Dependencies.
type Services struct {
	Markets        *service.MarketService
	Pools          *service.PoolService
	Orders         *service.OrderService
	Cashout        *service.CashoutService
	Settlement     *service.SettlementService
	Conversion     *service.ConversionService
	Reconciliation *service.ReconciliationService
	Balances       *service.BalanceService
}

// Wire constructs the backends named in cfg and returns them together with
// a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Storage: cfg.Storage.Driver}
	policy := store.RetryPolicy{
		MaxAttempts: cfg.Ledger.MaxTxAttempts,
		BaseBackoff: cfg.Ledger.BaseBackoff.Duration,
		MaxBackoff:  cfg.Ledger.MaxBackoff.Duration,
	}

	// --- Ledger store ---
	switch cfg.Storage.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:              cfg.Postgres.DSN,
			Host:             cfg.Postgres.Host,
			Port:             cfg.Postgres.Port,
			Database:         cfg.Postgres.Database,
			User:             cfg.Postgres.User,
			Password:         cfg.Postgres.Password,
			SSLMode:          cfg.Postgres.SSLMode,
			MaxConns:         cfg.Postgres.PoolMaxConns,
			MinConns:         cfg.Postgres.PoolMinConns,
			StatementTimeout: cfg.Postgres.StatementTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Storage.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Store = pgClient
		deps.Ledger = postgres.NewLedger(pool, policy, logger)
		deps.Reports = postgres.NewReportStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)

	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })

		deps.Store = db
		deps.Ledger = sqlite.NewLedger(db, policy, logger)
		deps.Reports = sqlite.NewReportStore(db)
		deps.Audit = sqlite.NewAuditStore(db)

	default:
		return nil, nil, fmt.Errorf("wire: unknown storage driver %q", cfg.Storage.Driver)
	}

	// --- Shared state: Redis or in-process ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
			KeyPrefix:   cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		deps.Bus = redis.NewSignalBus(redisClient)
		rates := redis.NewRateCache(redisClient)
		if _, err := rates.CurrentRate(ctx); err != nil {
			// First process against this Redis seeds the peg.
			seed := domain.Rate{Price: config.Dec(cfg.Conversion.PegPrice), UpdatedAt: time.Now().UTC(), Pegged: true}
			if err := rates.SetRate(ctx, seed); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: seed rate: %w", err)
			}
		}
		deps.Rates = rates
	} else {
		deps.Locks = memory.NewLockManager()
		deps.Limiter = memory.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		deps.Bus = memory.NewSignalBus()
		deps.Rates = memory.NewRateStore(config.Dec(cfg.Conversion.PegPrice), time.Now().UTC())
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:             cfg.S3.Endpoint,
			Region:               cfg.S3.Region,
			Bucket:               cfg.S3.Bucket,
			Prefix:               cfg.S3.Prefix,
			AccessKey:            cfg.S3.AccessKey,
			SecretKey:            cfg.S3.SecretKey,
			UseSSL:               cfg.S3.UseSSL,
			ForcePathStyle:       cfg.S3.ForcePathStyle,
			ServerSideEncryption: cfg.S3.ServerSideEncryption,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.Warn("wire: s3 bucket not reachable, archive runs will retry",
				slog.String("bucket", s3Client.Bucket()),
				slog.String("error", err.Error()),
			)
		}
		archiver := s3blob.NewArchiver(
			deps.Ledger,
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Audit,
			logger,
		)
		deps.Archiver = archiver
		deps.Archives = archiver
	}

	// --- Notifications ---
	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, cfg.Notify.DiscordUsername))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// Params converts the fee and threshold configuration into service.Params.
func Params(cfg *config.Config) (service.Params, error) {
	eps, err := money.FromDecimal(config.Dec(cfg.Reconciliation.Epsilon))
	if err != nil {
		return service.Params{}, fmt.Errorf("wire: reconciliation epsilon: %w", err)
	}
	return service.Params{
		PlatformUserID: cfg.Ledger.PlatformUserID,
		Pool: engine.PoolParams{
			DefaultMultiple: config.Dec(cfg.Pool.DefaultMultiple),
			MinMultiple:     config.Dec(cfg.Pool.MinMultiple),
			MaxMultiple:     config.Dec(cfg.Pool.MaxMultiple),
		},
		EntryMultiple:      service.EntryMultipleMode(cfg.Pool.EntryMultiple),
		CancellationFeePct: config.Dec(cfg.Orders.CancellationFeePct),
		CashoutFeePct:      config.Dec(cfg.Cashout.FeePct),
		MaxDriftPct:        config.Dec(cfg.Cashout.MaxDriftPct),
		Settlement: engine.SettlementParams{
			FeePct:  config.Dec(cfg.Settlement.FeePct),
			TieMode: domain.TieMode(cfg.Settlement.TieMode),
		},
		SettlementLockTTL:  cfg.Settlement.LockTTL.Duration,
		ConversionFeePct:   config.Dec(cfg.Conversion.FeePct),
		MaxRateAge:         cfg.Conversion.MaxRateAge.Duration,
		MaxLimitTTL:        cfg.Conversion.MaxLimitTTL.Duration,
		ReconcileBatchSize: cfg.Reconciliation.BatchSize,
		ReconcileEpsilon:   eps,
		ReconcileLockTTL:   cfg.Reconciliation.LockTTL.Duration,
	}, nil
}

// NewServices builds every ledger service over deps.
func NewServices(cfg *config.Config, deps *Dependencies, params service.Params, logger *slog.Logger) *Services {
	fx := service.NewEffects(deps.Bus, deps.Audit, deps.Notifier, logger)
	recon := service.NewReconciliationService(deps.Ledger, deps.Reports, deps.Locks, fx, params, logger)
	if deps.Archiver != nil {
		recon = recon.WithArchiver(deps.Archiver)
	}
	orders := service.NewOrderService(deps.Ledger, fx, params, logger).
		WithRateLimit(deps.Limiter, cfg.Orders.PlaceLimit, cfg.Orders.PlaceWindow.Duration)
	return &Services{
		Markets:        service.NewMarketService(deps.Ledger, fx, logger),
		Pools:          service.NewPoolService(deps.Ledger, params),
		Orders:         orders,
		Cashout:        service.NewCashoutService(deps.Ledger, fx, params, logger),
		Settlement:     service.NewSettlementService(deps.Ledger, deps.Locks, fx, params, logger),
		Conversion:     service.NewConversionService(deps.Ledger, deps.Rates, fx, params, logger),
		Reconciliation: recon,
		Balances:       service.NewBalanceService(deps.Ledger, fx, logger),
	}
}
