// Package app assembles the storage backends, payment rail and lifecycle
// services shared by the API and scheduler processes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/pulsepay/pulsepay/internal/catalog"
	"github.com/pulsepay/pulsepay/internal/config"
	"github.com/pulsepay/pulsepay/internal/funding"
	"github.com/pulsepay/pulsepay/internal/infra"
	"github.com/pulsepay/pulsepay/internal/ledger"
	"github.com/pulsepay/pulsepay/internal/metrics"
	"github.com/pulsepay/pulsepay/internal/notification"
	"github.com/pulsepay/pulsepay/internal/payments"
	"github.com/pulsepay/pulsepay/internal/rail"
	"github.com/pulsepay/pulsepay/internal/session"
	"github.com/pulsepay/pulsepay/internal/settlement"
	"github.com/pulsepay/pulsepay/internal/store/memory"
	"github.com/pulsepay/pulsepay/internal/store/postgres"
	"github.com/pulsepay/pulsepay/internal/wallet"
)

// Backend is one store serving every collection so a settlement can span
// wallets, sessions and the ledger atomically.
type Backend interface {
	wallet.Repository
	session.Repository
	catalog.Repository
	ledger.Ledger
}

// App holds the wired services.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Backend  Backend
	Catalog  catalog.Repository
	Wallets  *wallet.Service
	Sessions *session.Service
	Funding  *funding.Service
	Payments *payments.Service

	closers []func()
}

// Options overrides pieces of the wiring. Tests use it to inject fakes.
type Options struct {
	Backend  Backend
	Rail     rail.Adapter
	Notifier notification.Notifier
	Acquirer funding.Acquirer
	Clock    func() time.Time
}

// New connects the configured infrastructure and builds the services.
// Postgres and Redis are skipped when their URLs are empty.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	if err := a.connect(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context, opts Options) error {
	cfg := a.Config
	switch {
	case opts.Backend != nil:
		a.Backend = opts.Backend
	case cfg.DatabaseURL != "":
		pool, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, infra.PoolOptions{
			ApplicationName: cfg.AppName,
			MaxConns:        int32(cfg.DBMaxConns),
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
		})
		if err != nil {
			return err
		}
		a.DB = pool
		a.closers = append(a.closers, pool.Close)
		store := postgres.New(pool)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		a.Backend = store
	default:
		a.Logger.Warn("DATABASE_URL not set, using in-memory store")
		a.Backend = memory.New()
	}

	if cfg.RedisURL != "" {
		cache, err := infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			return err
		}
		a.Cache = cache
		a.closers = append(a.closers, func() {
			if err := cache.Close(); err != nil {
				a.Logger.Warn("close redis", "error", err)
			}
		})
	}
	return nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	var sealer *wallet.Sealer
	if cfg.CredentialKey != "" {
		s, err := wallet.NewSealer(cfg.CredentialKey)
		if err != nil {
			return err
		}
		sealer = s
	}

	adapter := opts.Rail
	if adapter == nil && cfg.Rail.Enabled() {
		r, err := a.dialRail(ctx)
		if err != nil {
			return err
		}
		adapter = r
	}

	notifier := opts.Notifier
	if notifier == nil {
		n, err := a.notifier()
		if err != nil {
			return err
		}
		notifier = n
	}

	engine := settlement.NewEngine(a.Backend)
	a.Catalog = a.Backend
	a.Wallets = wallet.NewService(a.Backend, a.Backend, sealer)

	sessions, err := session.NewService(session.Deps{
		Sessions:    a.Backend,
		Wallets:     a.Wallets,
		Catalog:     a.Backend,
		Engine:      engine,
		Rail:        adapter,
		Metrics:     a.Metrics,
		Notifier:    notifier,
		Logger:      a.Logger,
		Clock:       opts.Clock,
		RailTimeout: cfg.Rail.Timeout,
	})
	if err != nil {
		return err
	}
	a.Sessions = sessions

	fundingSvc, err := funding.NewService(engine, a.Wallets, opts.Acquirer, a.Logger)
	if err != nil {
		return err
	}
	a.Funding = fundingSvc.WithClock(opts.Clock)
	a.Payments = payments.NewService(engine, sessions, a.Wallets, notifier, a.Logger).WithClock(opts.Clock)

	if cfg.CatalogSeed != "" {
		if err := a.seedCatalog(ctx, cfg.CatalogSeed); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) dialRail(ctx context.Context) (rail.Adapter, error) {
	rc := a.Config.Rail
	client, err := infra.NewEthClient(ctx, rc.RPCURL, rc.ChainID)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)

	weiPerUnit, ok := new(big.Int).SetString(rc.WeiPerUnit, 10)
	if !ok || weiPerUnit.Sign() <= 0 {
		return nil, fmt.Errorf("invalid RAIL_WEI_PER_UNIT %q", rc.WeiPerUnit)
	}
	sfCfg := rail.SuperfluidConfig{
		SuperToken:  common.HexToAddress(rc.SuperToken),
		ChainID:     big.NewInt(rc.ChainID),
		WeiPerUnit:  weiPerUnit,
		WaitReceipt: rc.WaitReceipt,
	}
	if rc.Forwarder != "" {
		sfCfg.Forwarder = common.HexToAddress(rc.Forwarder)
	}
	sf, err := rail.NewSuperfluid(client, sfCfg, a.Logger)
	if err != nil {
		return nil, err
	}

	guardCfg := rail.DefaultGuardConfig()
	guardCfg.Timeout = rc.Timeout
	guardCfg.MaxRetries = rc.MaxRetries
	a.Logger.Info("payment rail enabled", "chain_id", rc.ChainID, "super_token", sfCfg.SuperToken.Hex())
	return rail.NewGuard(sf, guardCfg, a.Logger), nil
}

func (a *App) notifier() (notification.Notifier, error) {
	out := notification.Multi{notification.NewLoggerNotifier(a.Logger)}
	if a.Config.AMQPURL == "" {
		return out, nil
	}
	amqp, err := notification.DialAMQP(a.Config.AMQPURL, a.Config.AMQPExchange, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	a.closers = append(a.closers, amqp.Close)
	return append(out, amqp), nil
}

func (a *App) seedCatalog(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open catalog seed: %w", err)
	}
	defer f.Close()

	stores, err := catalog.Seed(ctx, a.Catalog, f, func(ctx context.Context, storeID string) (string, error) {
		w, err := a.Wallets.Create(ctx, wallet.CreateInput{OwnerType: wallet.OwnerStore, OwnerID: storeID})
		if err != nil {
			return "", err
		}
		return w.ID, nil
	})
	if err != nil {
		return err
	}
	for _, st := range stores {
		a.Logger.Info("catalog store seeded", "store_id", st.ID, "wallet_id", st.WalletID, "category", st.Category)
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
