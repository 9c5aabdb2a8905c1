// Package main is the entry point for the PKI gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geoexchange/pkigateway/internal/adapter"
	"github.com/geoexchange/pkigateway/internal/config"
	"github.com/geoexchange/pkigateway/internal/gateway"
	"github.com/geoexchange/pkigateway/internal/observability"
	"github.com/geoexchange/pkigateway/internal/profile"
	"github.com/geoexchange/pkigateway/internal/resolver"
	"github.com/geoexchange/pkigateway/internal/route"
	"github.com/geoexchange/pkigateway/internal/secrets"
	"github.com/geoexchange/pkigateway/internal/tlsctx"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	runGateway(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("PKIGATEWAY_CONFIG_PATH", "configs/pkigateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("PKIGATEWAY_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("PKIGATEWAY_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("pkigateway version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// fatal logs the error and exits.
func fatal(logger observability.Logger, msg string, err error) {
	logger.Error(msg, observability.Error(err))
	_ = logger.Sync()
	os.Exit(1)
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting pkigateway",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(logger, "failed to load configuration", err)
	}

	if err := config.Validate(cfg); err != nil {
		fatal(logger, "invalid configuration", err)
	}

	logger.Info("configuration loaded",
		observability.String("address", cfg.Server.Address),
		observability.String("site_origin", cfg.Origins.Site),
		observability.String("pki_dir", cfg.PKIDir),
		observability.String("database", cfg.Database.Path),
	)

	return cfg
}

// application holds all application components.
type application struct {
	server  *gateway.Server
	store   *profile.Store
	service *profile.Service
	cache   *resolver.PatternCache
	pool    *adapter.Pool
	metrics *observability.Metrics
	config  *config.Config
}

// initApplication initializes all application components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	metrics := observability.NewMetrics(cfg.Metrics.Namespace)

	cipher := initCipher(cfg, logger)
	store := initStore(cfg, cipher, logger)

	validator := profile.NewValidator(cfg.PKIDir,
		profile.WithValidatorLogger(logger))
	service := profile.NewService(store,
		profile.WithValidator(validator),
		profile.WithServiceLogger(logger))

	cache := resolver.NewPatternCache(store,
		resolver.WithCacheLogger(logger),
		resolver.WithCacheMetrics(metrics))
	res := resolver.NewResolver(cache, store, cfg.Origins.Site,
		resolver.WithResolverLogger(logger),
		resolver.WithResolverMetrics(metrics))

	builder := tlsctx.NewBuilder(cfg.PKIDir,
		tlsctx.WithBuilderLogger(logger))

	pool := initPool(cfg, res, builder, store, metrics, logger)

	// Mutations rebuild the pattern cache before the pool reconciles, so
	// the pool sees the new mappings.
	service.OnMutation(func(ctx context.Context) {
		if err := cache.Rebuild(ctx); err != nil {
			logger.Error("pattern cache rebuild failed", observability.Error(err))
		}
	})
	service.OnMutation(func(ctx context.Context) {
		if err := pool.Sync(ctx); err != nil {
			logger.Error("adapter pool sync failed", observability.Error(err))
		}
	})

	rewriter := route.NewRewriter(cfg.Origins.Site, cfg.Origins.Internal)
	zlog := observability.Zap(logger)

	proxyHandler := gateway.NewProxyHandler(pool, rewriter, gateway.ProxyConfig{
		AllowedOrigins: cfg.Proxy.AllowedOrigins,
		SiteOrigin:     cfg.Origins.Site,
		Timeout:        cfg.Proxy.Timeout,
		MaxBodyBytes:   cfg.Proxy.MaxBodyBytes,
	}, zlog, metrics)
	adminHandler := gateway.NewAdminHandler(service, zlog)

	server := gateway.NewServer(cfg, gateway.ServerDeps{
		Proxy:   proxyHandler,
		Admin:   adminHandler,
		Metrics: metrics,
	}, zlog)

	return &application{
		server:  server,
		store:   store,
		service: service,
		cache:   cache,
		pool:    pool,
		metrics: metrics,
		config:  cfg,
	}
}

// initCipher resolves the master key and derives the password cipher.
func initCipher(cfg *config.Config, logger observability.Logger) *profile.Cipher {
	provider, err := secrets.NewProvider(&cfg.MasterKey, logger)
	if err != nil {
		fatal(logger, "failed to configure master key provider", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := provider.MasterKey(ctx)
	if err != nil {
		fatal(logger, "failed to resolve master key", err)
	}

	cipher, err := profile.NewCipher(key)
	if err != nil {
		fatal(logger, "failed to derive password cipher", err)
	}
	return cipher
}

// initStore opens the profile store.
func initStore(cfg *config.Config, cipher *profile.Cipher, logger observability.Logger) *profile.Store {
	store, err := profile.NewStore(&profile.StoreConfig{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout,
	}, cipher, profile.WithStoreLogger(logger))
	if err != nil {
		fatal(logger, "failed to open profile store", err)
	}
	return store
}

// initPool builds the adapter pool with the configured default budgets.
func initPool(
	cfg *config.Config,
	res *resolver.Resolver,
	builder *tlsctx.Builder,
	keys adapter.KeyPasswordSource,
	metrics *observability.Metrics,
	logger observability.Logger,
) *adapter.Pool {
	retries, err := profile.ParseBudget(cfg.Proxy.DefaultRetries)
	if err != nil {
		fatal(logger, "invalid default retries budget", err)
	}
	redirects, err := profile.ParseBudget(cfg.Proxy.DefaultRedirects)
	if err != nil {
		fatal(logger, "invalid default redirects budget", err)
	}

	return adapter.NewPool(res, builder, keys,
		adapter.WithPoolLogger(logger),
		adapter.WithPoolMetrics(metrics),
		adapter.WithPoolTimeout(cfg.Proxy.Timeout),
		adapter.WithDefaultBudgets(retries, redirects),
	)
}

// runGateway runs the gateway and handles shutdown.
func runGateway(app *application, configPath string, logger observability.Logger) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start()
	}()

	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, watcher, errCh, logger)
}

// startConfigWatcher starts the configuration watcher. Reloads only touch
// settings that can change without a restart.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		logger.Info("configuration changed, reconciling adapters")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if rebuildErr := app.cache.Rebuild(ctx); rebuildErr != nil {
			logger.Error("pattern cache rebuild failed", observability.Error(rebuildErr))
			return
		}
		if syncErr := app.pool.Sync(ctx); syncErr != nil {
			logger.Error("adapter pool sync failed", observability.Error(syncErr))
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// waitForShutdown waits for a shutdown signal and stops everything.
func waitForShutdown(
	app *application,
	watcher *config.Watcher,
	errCh <-chan error,
	logger observability.Logger,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", observability.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop http server gracefully", observability.Error(err))
	}

	app.pool.Close()

	if err := app.store.Close(); err != nil {
		logger.Error("failed to close profile store", observability.Error(err))
	}

	logger.Info("pkigateway stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
