package main

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

	"bustracker.urbantransit.org/busdb"
	"bustracker.urbantransit.org/internal/app"
	"bustracker.urbantransit.org/internal/appconf"
	"bustracker.urbantransit.org/internal/eta"
	"bustracker.urbantransit.org/internal/logging"
	"bustracker.urbantransit.org/internal/metrics"
	"bustracker.urbantransit.org/internal/restapi"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := appconf.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}

	var env, corsOrigins, trustedProxies string
	flag.IntVar(&cfg.Port, "port", cfg.Port, "API server port")
	flag.StringVar(&env, "env", cfg.Env.String(), "Environment (development|test|production)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug|info|warn|error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json|text)")
	flag.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Store driver (sqlite|postgres|mongo)")
	flag.StringVar(&cfg.StoreDSN, "dsn", cfg.StoreDSN, "Store connection string")
	flag.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Requests per second allowed per client (0 disables)")
	flag.StringVar(&corsOrigins, "cors-origins", "", "Comma separated allowed CORS origins")
	flag.StringVar(&trustedProxies, "trusted-proxies", "", "Comma separated proxy IPs or CIDRs whose X-Forwarded-For is honoured")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address for the Prometheus /metrics listener (empty disables)")
	flag.BoolVar(&cfg.SeedSample, "seed", cfg.SeedSample, "Seed sample routes and buses into an empty store")
	flag.Parse()

	cfg.Env = appconf.EnvFlagToEnvironment(env)
	if corsOrigins != "" {
		cfg.CORSOrigins = appconf.SplitList(corsOrigins)
	}
	if trustedProxies != "" {
		proxies, err := appconf.ParseTrustedProxies(trustedProxies)
		if err != nil {
			fmt.Fprintln(os.Stderr, "configuration error: invalid -trusted-proxies:", err)
			os.Exit(2)
		}
		cfg.TrustedProxies = proxies
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.NewLogger(os.Stdout, level, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logging.LogError(logger, "server stopped with error", err)
		os.Exit(1)
	}
}

func run(cfg appconf.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := busdb.Open(ctx, busdb.Config{
		Driver:        cfg.StoreDriver,
		DSN:           cfg.StoreDSN,
		MongoDatabase: cfg.MongoDatabase,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer logging.SafeCloseWithLogging(store, logger, "store")

	auth, err := app.NewAdminAuth(store, cfg.AdminTokenSecret, cfg.AdminTokenTTL)
	if err != nil {
		return err
	}
	if cfg.AdminTokenSecret == "" {
		logger.Warn("ADMIN_TOKEN_SECRET not set; admin tokens will not survive a restart")
	}
	created, err := auth.EnsureAdminCredential(ctx, cfg.AdminPassword)
	if err != nil {
		return err
	}
	if created {
		logger.Info("admin credential initialized")
	}

	if cfg.SeedSample {
		if _, err := seedSampleData(ctx, store, logger); err != nil {
			return err
		}
	}

	collector := metrics.NewCollector()
	application := &app.Application{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		ETA:     eta.NewEngine(store, eta.WithObserver(collector), eta.WithLogger(logger)),
		Metrics: collector,
		Auth:    auth,
	}

	api := restapi.NewRestAPI(application)
	defer api.Close()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = collector.Serve(cfg.MetricsAddr, logger)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.Handler(),
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			slog.String("addr", srv.Addr),
			slog.String("env", cfg.Env.String()),
			slog.String("store", cfg.StoreDriver))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logging.LogError(logger, "metrics server shutdown failed", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
