package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/switchyard/internal/backends"
	"github.com/tributary-ai/switchyard/internal/backends/chat"
	"github.com/tributary-ai/switchyard/internal/backends/responses"
	"github.com/tributary-ai/switchyard/internal/capability"
	"github.com/tributary-ai/switchyard/internal/config"
	"github.com/tributary-ai/switchyard/internal/metrics"
	"github.com/tributary-ai/switchyard/internal/routing"
	"github.com/tributary-ai/switchyard/internal/server"
	"github.com/tributary-ai/switchyard/internal/types"
)

// startupValidationRetries bounds how many forced detection attempts run
// before startup settles on the conservative capability fallback.
const startupValidationRetries = 3

// Application represents the main application
type Application struct {
	config    *config.Config
	logger    *logrus.Logger
	cache     *capability.Cache
	detector  *capability.Detector
	router    *routing.Router
	collector *metrics.Collector
	server    *server.Server
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	// Both backend clients talk to the same upstream through different
	// API surfaces
	primary := responses.NewClient(cfg.ToResponsesClientConfig(), logger)
	legacy := chat.NewClient(cfg.ToChatClientConfig(), logger)
	targets := map[types.BackendType]backends.Backend{
		types.BackendPrimary: primary,
		types.BackendLegacy:  legacy,
	}

	// Capability cache and detector
	cache := capability.NewCache(cfg.Cache.Path, cfg.CacheTTL(), logger)
	detector := capability.NewDetector([]backends.Backend{primary, legacy}, cache, cfg.ProbeTimeout(), logger)

	// Seed the cache before taking traffic so the first routing decision
	// runs on probed capabilities instead of the emergency path
	caps := detector.ValidateStartupCapabilities(context.Background(), cfg.ProbeTimeout(), startupValidationRetries)
	logger.WithFields(logrus.Fields{
		"primary_api": caps[types.CapabilityPrimaryAPI],
		"legacy_api":  caps[types.CapabilityLegacyAPI],
	}).Info("Startup capability validation completed")

	// Create router. The detect hook forces fresh probes; the router has
	// already consulted the cache by the time it calls it.
	detect := func(ctx context.Context) (map[string]bool, error) {
		return detector.DetectCapabilities(ctx, true)
	}
	routerInstance := routing.NewRouter(cfg.ToPolicy(), cache, detect, logger)

	// Metrics collector restores any persisted aggregates
	collector := metrics.NewCollector(cfg.Metrics.Path, logger)

	// Create server
	serverInstance, err := server.NewServer(routerInstance, targets, detector, cache, collector, cfg.ToServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config:    cfg,
		logger:    logger,
		cache:     cache,
		detector:  detector,
		router:    routerInstance,
		collector: collector,
		server:    serverInstance,
	}, nil
}

// Run starts the application
func (app *Application) Run() error {
	app.logger.Info("Starting Switchyard")

	// Create context for the background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Background capability refresh and periodic metrics persistence
	go app.detector.BackgroundRefresh(ctx, app.config.RefreshInterval())
	go app.collector.StartAutoPersist(ctx, app.config.PersistInterval())

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", app.config.Server.Host+":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	// Graceful shutdown
	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.config.ShutdownTimeout())
	defer shutdownCancel()

	// Shutdown server
	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stop the background loops, then flush whatever they have not
	cancel()
	if err := app.collector.Persist(); err != nil {
		app.logger.WithError(err).Warn("Final metrics persistence failed")
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	// Set log level
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	// Set log format
	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	return nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  UPSTREAM_ENDPOINT            Upstream base URL\n")
	fmt.Fprintf(os.Stderr, "  UPSTREAM_API_KEY             Upstream API key\n")
	fmt.Fprintf(os.Stderr, "  UPSTREAM_API_VERSION         Upstream API version query parameter\n")
	fmt.Fprintf(os.Stderr, "  UPSTREAM_DEPLOYMENT          Model deployment name\n")
	fmt.Fprintf(os.Stderr, "  SWITCHYARD_HOST              Bind host (default: all interfaces)\n")
	fmt.Fprintf(os.Stderr, "  SWITCHYARD_PORT              Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  SWITCHYARD_FORCE_LEGACY      Pin all routing to the legacy surface\n")
	fmt.Fprintf(os.Stderr, "  SWITCHYARD_LOG_LEVEL         Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  SWITCHYARD_LOG_FORMAT        Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  SWITCHYARD_JWT_SECRET        HMAC secret for JWT auth\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  UPSTREAM_ENDPOINT=https://api.example.com UPSTREAM_API_KEY=sk-xxx UPSTREAM_DEPLOYMENT=gpt-4o %s\n", os.Args[0])
}

func main() {
	// Parse command line flags
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	// Show help if requested
	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	// Show version if requested
	if *version {
		fmt.Printf("Switchyard v1.0.0\n")
		fmt.Printf("Build Date: %s\n", time.Now().Format("2006-01-02"))
		os.Exit(0)
	}

	// Create and run application
	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	// Run application
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
