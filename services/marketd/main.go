package marketd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bazaar/config"
	"bazaar/core/events"
	"bazaar/native/market"
	"bazaar/observability"
	"bazaar/observability/logging"
	telemetry "bazaar/observability/otel"
	statemarket "bazaar/state/market"
	"bazaar/storage"
)

// Main initialises and runs the market daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/marketd/config.yaml", "path to marketd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service:    "marketd",
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := statemarket.Open(cfg.LedgerPath(), nil)
	if err != nil {
		return fmt.Errorf("open market state: %w", err)
	}
	defer store.Close()

	journalDB, err := storage.NewLevelDB(cfg.JournalPath())
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	defer journalDB.Close()
	journal, err := events.NewJournal(journalDB, logger)
	if err != nil {
		return fmt.Errorf("load event journal: %w", err)
	}

	idemDB, err := OpenIdempotencyDB(cfg.Idempotency.Driver, cfg.Idempotency.DSN)
	if err != nil {
		return err
	}
	if sqlDB, err := idemDB.DB(); err == nil {
		defer sqlDB.Close()
	}

	custody := NewCustodyClient(cfg.Custody.Endpoints, cfg.Custody.Timeout.Duration, logger)
	transfers, err := NewCurrencyRouter(cfg.Transfers.Endpoints, cfg.Transfers.Timeout.Duration, logger)
	if err != nil {
		return fmt.Errorf("configure transfers: %w", err)
	}
	params, err := cfg.MarketParams()
	if err != nil {
		return err
	}
	engine, err := market.NewEngine(store, custody, transfers, params,
		market.WithEmitter(events.MultiEmitter{journal, observability.Events()}),
		market.WithLogger(logger),
		market.WithMetrics(observability.Market()),
		market.WithPauses(cfg.Pauses()),
	)
	if err != nil {
		return fmt.Errorf("init market engine: %w", err)
	}
	resolver := WithUnusedReturns(engine, transfers)
	custody.Bind(resolver)
	if err := seedCurrencies(engine, params.Operator, cfg.Market.Currencies, logger); err != nil {
		return err
	}

	auth, err := NewAuthenticator(AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	}, logger)
	if err != nil {
		return err
	}
	srv, err := New(Config{
		Engine:      engine,
		Resolver:    resolver,
		Auth:        auth,
		RateLimit:   NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		Idempotency: NewIdempotency(idemDB, cfg.Idempotency.TTL.Duration, logger),
		Feed:        NewFeed(journal, logger),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(srv.Handler(), "marketd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("marketd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		custody.Wait()
		// Custody answers may queue returns on the router.
		transfers.Wait()
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func seedCurrencies(engine *market.Engine, operator string, currencies []string, logger *slog.Logger) error {
	if len(currencies) == 0 {
		return nil
	}
	if operator == "" {
		return errors.New("market.currencies requires market.operator")
	}
	added, err := engine.AddCurrencies(context.Background(), operator, currencies)
	if errors.Is(err, market.ErrModulePaused) {
		logger.Warn("market paused; configured currencies not seeded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("seed currencies: %w", err)
	}
	for i, c := range currencies {
		if added[i] {
			logger.Info("currency registered", slog.String("currency", c))
		}
	}
	return nil
}
