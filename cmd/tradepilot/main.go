// Command tradepilot runs the exchange session supervisor, order lifecycle
// and per-user trading loops.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/tradepilot/db/migrations"
	"github.com/coachpo/tradepilot/internal/domain/account"
	"github.com/coachpo/tradepilot/internal/domain/deal"
	"github.com/coachpo/tradepilot/internal/exchange/rest"
	"github.com/coachpo/tradepilot/internal/exchange/wire"
	"github.com/coachpo/tradepilot/internal/infra/config"
	"github.com/coachpo/tradepilot/internal/infra/persistence"
	"github.com/coachpo/tradepilot/internal/infra/persistence/memory"
	"github.com/coachpo/tradepilot/internal/infra/persistence/migrations"
	"github.com/coachpo/tradepilot/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/tradepilot/internal/infra/server/http"
	"github.com/coachpo/tradepilot/internal/infra/telemetry"
	"github.com/coachpo/tradepilot/internal/market"
	"github.com/coachpo/tradepilot/internal/notify"
	"github.com/coachpo/tradepilot/internal/observability"
	"github.com/coachpo/tradepilot/internal/orders"
	"github.com/coachpo/tradepilot/internal/stream"
	"github.com/coachpo/tradepilot/internal/trading"
)

const (
	defaultConfigPath         = "config/tradepilot.yaml"
	shutdownTimeout           = 30 * time.Second
	statusServerTimeout       = 5 * time.Second
	enginesShutdownTimeout    = 10 * time.Second
	sessionsShutdownTimeout   = 10 * time.Second
	lifecycleShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	startupRestoreTimeout     = 60 * time.Second
	migrationConnectTimeout   = 30 * time.Second
	notificationCloseDeadline = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type stores struct {
	accounts account.Store
	deals    deal.Store
	close    func()
}

func run() error {
	cfgPath, envFile := parseFlags()
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, loadedFromFile, err := config.LoadOrDefault(ctx, cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zapLogger, err := observability.NewZapLogger(string(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	observability.SetLogger(zapLogger)
	logger := zapLogger.With(observability.F("env", string(cfg.Environment)))
	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults", observability.F("path", cfgPath))
	}

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		MetricInterval: cfg.Telemetry.MetricInterval,
		ServiceName:    cfg.Telemetry.ServiceName,
		Environment:    string(cfg.Environment),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	st, err := openStores(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.close()

	deadLetters := notify.NewDeadLetters(cfg.Notify.BufferSize)
	notifier := buildNotifier(cfg.Notify, logger).WithDeadLetters(deadLetters)

	transport := rest.NewTransport(rest.Options{
		BaseURL:           cfg.Exchange.RestURL,
		RecvWindow:        cfg.Exchange.RecvWindow,
		Timeout:           cfg.Exchange.Timeout,
		OrderTimeout:      cfg.Exchange.OrderTimeout,
		MaxRetries:        cfg.Exchange.MaxRetries,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		Logger:            logger.With(observability.F("component", "rest")),
	})

	quotes := market.NewQuoteCache()
	direction := market.NewDirectionTracker(cfg.Market.DirectionCapacity, nil)
	hub := market.NewHub(logger)
	marketDispatcher := market.NewDispatcher(quotes, direction, hub, notifier, logger.With(observability.F("component", "market")))

	balances := orders.NewBalances()
	lifecycle := orders.NewLifecycle(st.deals, notifier, logger.With(observability.F("component", "orders")))
	privateDispatcher := orders.NewDispatcher(lifecycle, balances, notifier, logger.With(observability.F("component", "private")))

	supervisor := stream.NewSupervisor(stream.Config{
		MarketURL:             cfg.Exchange.MarketStreamURL,
		PrivateURL:            cfg.Exchange.PrivateStreamURL,
		Keepalive:             cfg.Stream.Keepalive,
		ListenKeyRenewal:      cfg.Stream.ListenKeyRenewal,
		PrivateIdleTimeout:    cfg.Stream.PrivateIdleTimeout,
		MarketIdlePing:        cfg.Stream.MarketIdlePing,
		MarketIdleTimeout:     cfg.Stream.MarketIdleTimeout,
		HealthScanInterval:    cfg.Stream.HealthScanInterval,
		StaleAfter:            cfg.Stream.StaleAfter,
		BackoffInitial:        cfg.Stream.BackoffInitial,
		BackoffMax:            cfg.Stream.BackoffMax,
		DialTimeout:           cfg.Stream.DialTimeout,
		MaxChannelsPerRequest: cfg.Stream.MaxChannelsPerRequest,
	}, marketDispatcher, privateDispatcher, func(creds account.Credentials) stream.ListenKeys {
		return transport.Client(creds)
	}, notifier, logger.With(observability.F("component", "stream")))

	manager := trading.NewManager(trading.Deps{
		Accounts:  st.accounts,
		Deals:     st.deals,
		Quotes:    quotes,
		Direction: direction,
		Publisher: notifier,
		Logger:    logger.With(observability.F("component", "trading")),
	}, trading.Config{
		FastPoll:         cfg.Trading.FastPoll,
		DefaultPause:     cfg.Trading.DefaultPause,
		FailureThreshold: cfg.Trading.FailureThreshold,
		QuoteFreshness:   cfg.Trading.QuoteFreshness,
		FillWait:         cfg.Trading.FillWait,
	}, func(creds account.Credentials) trading.Exchange {
		return transport.Client(creds)
	}, supervisor, hub)
	lifecycle.SetEngineSink(manager)

	reconciler := orders.NewReconciler(st.accounts, st.deals, transport, lifecycle, orders.ReconcilerOptions{
		Interval:    cfg.Reconcile.Interval,
		Concurrency: cfg.Reconcile.Concurrency,
		Logger:      logger.With(observability.F("component", "reconcile")),
	})

	var background conc.WaitGroup
	background.Go(func() {
		if err := supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("stream supervisor stopped", observability.Err(err))
		}
	})
	background.Go(func() {
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciler stopped", observability.Err(err))
		}
	})

	restoreCtx, restoreCancel := context.WithTimeout(ctx, startupRestoreTimeout)
	restore(restoreCtx, logger, cfg.Market.Symbols, st.accounts, supervisor, manager)
	restoreCancel()

	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpserver.NewHandler(httpserver.Deps{
			Sessions:     supervisor,
			Quotes:       quotes,
			Directions:   direction,
			Engines:      manager,
			Balances:     balances,
			DeadLetters:  deadLetters,
			MarketWanted: len(cfg.Market.Symbols) > 0,
		}),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	background.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server", observability.Err(err))
		}
	})
	logger.Info("tradepilot started", observability.F("status_addr", server.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	start := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     server,
		engines:    manager,
		sessions:   supervisor,
		background: &background,
		notifier:   notifier,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(start).String()))
	return nil
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", defaultConfigPath, "Path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the configuration")
	flag.Parse()
	return filepath.Clean(*cfgPath), *envFile
}

func openStores(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (stores, error) {
	if !cfg.Enabled() {
		logger.Warn("database dsn not configured, using in-memory stores")
		return stores{accounts: memory.NewAccountStore(), deals: memory.NewDealStore(), close: func() {}}, nil
	}

	if cfg.RunMigrations {
		files, err := migrationFiles(cfg.MigrationsDir)
		if err != nil {
			return stores{}, err
		}
		migrateCtx, cancel := context.WithTimeout(ctx, migrationConnectTimeout)
		err = migrations.Apply(migrateCtx, cfg.DSN, files, logger.With(observability.F("component", "migrations")))
		cancel()
		if err != nil {
			return stores{}, err
		}
	}

	pool, err := persistence.OpenPool(ctx, persistence.PoolConfig{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
	})
	if err != nil {
		return stores{}, err
	}
	if err := postgres.ObservePoolMetrics(pool, "primary"); err != nil {
		logger.Warn("register pool metrics", observability.Err(err))
	}
	store := postgres.New(pool)
	return stores{accounts: store.Accounts(), deals: store.Deals(), close: store.Close}, nil
}

func migrationFiles(dir string) (fs.FS, error) {
	if dir == "" {
		return dbmigrations.Files, nil
	}
	return migrations.Dir(dir)
}

func buildNotifier(cfg config.NotifyConfig, logger observability.Logger) *notify.Notifier {
	sinks := []notify.Sink{notify.NewLogSink(logger.With(observability.F("component", "notify")))}
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, notify.NewKafkaSink(notify.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			QueueSize:    cfg.BufferSize,
			Logger:       logger.With(observability.F("component", "notify.kafka")),
		}))
		logger.Info("kafka notifications enabled",
			observability.F("brokers", cfg.Kafka.Brokers),
			observability.F("topic", cfg.Kafka.Topic))
	}
	return notify.New(logger, sinks...)
}

// restore reconnects the market session and every credentialed user, then
// restarts the trading loops that were enabled before the last shutdown.
func restore(ctx context.Context, logger observability.Logger, symbols []string, accounts account.Store, supervisor *stream.Supervisor, manager *trading.Manager) {
	if len(symbols) > 0 {
		for _, kind := range []wire.ChannelKind{wire.KindBookTicker, wire.KindDeals} {
			if err := supervisor.SubscribeMarket(ctx, kind, symbols...); err != nil {
				logger.Warn("subscribe configured market symbols", observability.Err(err),
					observability.F("channel", string(kind)))
			}
		}
	}

	users, err := accounts.ListWithCredentials(ctx)
	if err != nil {
		logger.Error("list users with credentials", observability.Err(err))
		return
	}
	if err := supervisor.RestoreUsers(ctx, users); err != nil {
		logger.Warn("restore private sessions", observability.Err(err))
	}
	if err := manager.Restore(ctx, users); err != nil {
		logger.Warn("restore trading loops", observability.Err(err))
	}
	logger.Info("startup restore finished",
		observability.F("users", len(users)),
		observability.F("engines", len(manager.Engines())))
}

type gracefulShutdownConfig struct {
	server     *http.Server
	engines    *trading.Manager
	sessions   *stream.Supervisor
	background *conc.WaitGroup
	notifier   *notify.Notifier
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", observability.F("step", name), observability.Err(err))
		}
	}

	shutdownStep("stopping status server", statusServerTimeout, cfg.server.Shutdown)
	shutdownStep("stopping trading loops", enginesShutdownTimeout, cfg.engines.StopAll)
	shutdownStep("disconnecting sessions", sessionsShutdownTimeout, cfg.sessions.DisconnectAll)
	shutdownStep("waiting for background goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			cfg.background.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})
	shutdownStep("closing notifier", notificationCloseDeadline, func(context.Context) error {
		return cfg.notifier.Close()
	})
	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
}
