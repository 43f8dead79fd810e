package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"DefiLedger/internal/cache"
	"DefiLedger/internal/config"
	"DefiLedger/internal/core"
	"DefiLedger/internal/credit"
	"DefiLedger/internal/event"
	"DefiLedger/internal/ingestion"
	"DefiLedger/internal/ledger"
	"DefiLedger/internal/lending"
	"DefiLedger/internal/liquidation"
	"DefiLedger/internal/observability"
	"DefiLedger/internal/oracle"
	"DefiLedger/internal/persistence"
	"DefiLedger/internal/retry"
	"DefiLedger/internal/server"
	"DefiLedger/internal/store"
	"DefiLedger/internal/swap"
	"DefiLedger/migrations"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults to $DEFI_CONFIG_FILE)")
	flag.Parse()

	logger := observability.NewLogger("defiledger")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger = observability.NewLoggerWithLevel("defiledger", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().
		Str("store", cfg.Store.Backend).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Msg("DefiLedger starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("DefiLedger stopped")
	}
	logger.Info().Msg("DefiLedger shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Position store ---
	var (
		st       store.Store
		requests *persistence.RequestStore
	)
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := openPostgres(ctx, cfg.Store, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		pg := persistence.NewPostgresStore(db)
		healthChecker.AddCheck("postgres", pg.Ping)
		st = pg
		requests = persistence.NewRequestStore(db)
	default:
		logger.Warn().Msg("using in-memory position store; state is lost on restart")
		st = store.NewMemoryStore()
	}
	mutator := store.NewMutator(st, cfg.Store.MutateAttempts, func(record string) {
		metrics.StoreConflicts.WithLabelValues(record).Inc()
	})

	// --- Ledger gateway ---
	gateway := ledger.NewMemoryGateway(cfg.Ledger.MinReserve)
	logger.Warn().Msg("using in-memory ledger gateway")
	executor := ledger.NewExecutor(gateway, observability.NewLogger("ledger"), metrics)
	loader := ledger.NewStateLoader(gateway, readPolicy(cfg.Ledger.StateRetries), metrics.StateLoadRetries.Inc)

	// --- Price oracle ---
	prices := oracle.NewStaticOracle(cfg.Oracle.Prices)
	priceOracle := oracle.NewCachedOracle(
		prices,
		cfg.Oracle.MaxAge,
		readPolicy(cfg.Oracle.Retries),
		metrics.OracleRetries.Inc,
	).WithLatencyObserver(func(d time.Duration) {
		metrics.OracleLatency.Observe(d.Seconds())
	})

	// --- NATS: cache invalidation, domain events and the price feed ---
	var (
		invalidator cache.Invalidator = cache.Noop{}
		events      event.Publisher   = event.Nop{}
		publisher   *cache.EventPublisher
	)
	if cfg.NATS.URL != "" {
		nc, js, err := cache.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := cache.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats: not connected")
			}
			return nil
		})
		if err := ingestion.EnsureStream(ctx, js); err != nil {
			return fmt.Errorf("ensure price stream: %w", err)
		}
		feed := ingestion.NewPriceFeed(js, prices, priceOracle.Invalidate, observability.NewLogger("prices"), metrics)
		if err := feed.Subscribe(ctx, cfg.NATS.PriceConsumer); err != nil {
			return err
		}
		defer feed.Stop()
		invalidator = cache.NewNATSInvalidator(js, observability.NewLogger("cache"), metrics)
		publisher = cache.NewEventPublisher(js, cfg.NATS.EventBuffer, observability.NewLogger("events"), metrics)
		events = publisher
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	} else {
		logger.Warn().Msg("NATS disabled; events and cache invalidations are dropped, prices stay static")
	}

	// --- Engines ---
	locks := core.NewKeyedMutex()
	swapEngine := swap.NewEngine(mutator, executor, loader, locks, invalidator, events, swap.Config{
		Fees:            cfg.FeeSchedule(),
		Ledger:          cfg.LedgerParams(),
		PlatformAccount: cfg.Ledger.PlatformAccount,
	}, observability.NewLogger("swap"), metrics)

	creditEngine := credit.NewEngine(st, cfg.CreditParams(), observability.NewLogger("credit"))

	lendingEngine := lending.NewEngine(mutator, executor, loader, creditEngine, priceOracle, locks, invalidator, events, lending.Config{
		Fees:            cfg.FeeSchedule(),
		Risk:            cfg.RiskParams(),
		Rates:           cfg.RateModel(),
		Ledger:          cfg.LedgerParams(),
		PlatformAccount: cfg.Ledger.PlatformAccount,
	}, observability.NewLogger("lending"), metrics)

	liquidationEngine := liquidation.NewEngine(mutator, executor, loader, priceOracle, lendingEngine, locks, invalidator, events, liquidation.Config{
		Risk:            cfg.RiskParams(),
		Fees:            cfg.FeeSchedule(),
		Ledger:          cfg.LedgerParams(),
		PlatformAccount: cfg.Ledger.PlatformAccount,
	}, observability.NewLogger("liquidation"), metrics)

	// --- Request deduplication ---
	var durable core.RequestStore
	if requests != nil {
		durable = requests
	}
	guard := core.NewRequestGuard(cfg.Idempotency.LRUCapacity, durable, observability.NewLogger("idempotency"), metrics)
	if requests != nil {
		keys, err := requests.RecentKeys(ctx, cfg.Idempotency.LRUCapacity)
		if err != nil {
			logger.Warn().Err(err).Msg("warm request LRU")
		} else {
			guard.Warm(keys)
			logger.Info().Int("keys", len(keys)).Msg("request LRU warmed")
		}
	}

	// --- Servers ---
	svc := server.NewService(server.Deps{
		Swap:                 swapEngine,
		Lending:              lendingEngine,
		Credit:               creditEngine,
		Liquidation:          liquidationEngine,
		Guard:                guard,
		DefaultReserveBuffer: cfg.Lending.ReserveBuffer,
	}, observability.NewLogger("server"))
	srv := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, svc, healthChecker, observability.NewLogger("server"), metrics).
		WithShutdownTimeout(cfg.Server.ShutdownTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error {
		liquidationEngine.RunScanner(gctx, cfg.Liquidation.ScanInterval)
		return nil
	})
	if publisher != nil {
		g.Go(func() error {
			if err := publisher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("event publisher: %w", err)
			}
			return nil
		})
	}
	if requests != nil {
		g.Go(func() error {
			pruneRequests(gctx, requests, cfg.Idempotency.Retention, logger)
			return nil
		})
	}

	healthChecker.SetReady(true)
	logger.Info().Msg("DefiLedger ready")

	<-gctx.Done()
	healthChecker.SetReady(false)
	logger.Info().Msg("shutting down")
	return g.Wait()
}

func openPostgres(ctx context.Context, sc config.StoreConfig, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", sc.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(sc.MaxOpenConns)
	db.SetMaxIdleConns(sc.MaxIdleConns)
	db.SetConnMaxLifetime(sc.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, migrations.FS, observability.NewLogger("migrator")).Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")
	return db, nil
}

func readPolicy(retries int) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = retries
	return p
}

// pruneRequests drops expired request ids once an hour.
func pruneRequests(ctx context.Context, rs *persistence.RequestStore, retention time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rs.Prune(ctx, retention)
			if err != nil {
				logger.Warn().Err(err).Msg("prune request ids")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("removed", n).Msg("request ids pruned")
			}
		}
	}
}
