package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/onboarding/api"
	"example.com/backstage/services/onboarding/config"
	"example.com/backstage/services/onboarding/internal/database"
	"example.com/backstage/services/onboarding/internal/service"
	"example.com/backstage/services/onboarding/internal/telemetry"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Serve command flags
	disableNewRelic bool
	serverPort      int
	gracefulTimeout int
	withScheduler   bool
	skipMigrations  bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Starts the onboarding API server that accepts device submissions,
runs the onboarding pipeline on a worker pool and streams progress to clients.

The server respects the configuration in config.yaml or specified via the --config flag.
It will gracefully shut down on receiving SIGINT or SIGTERM signals.`,
	Run: func(cmd *cobra.Command, args []string) {
		startServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&disableNewRelic, "disable-newrelic", false, "Disable New Relic monitoring")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "Server port (overrides config file)")
	serveCmd.Flags().IntVar(&gracefulTimeout, "graceful-timeout", 30, "Graceful shutdown timeout in seconds")
	serveCmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "Run the maintenance sweeps in this process")
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not run database migrations on start")
}

// initNewRelic starts the APM agent when enabled, continuing without it on failure
func initNewRelic(cfg config.NewRelicConfig) *newrelic.Application {
	if !cfg.Enabled || disableNewRelic {
		return nil
	}

	log.Info("Initializing New Relic monitoring...")
	nrApp, err := telemetry.InitNewRelic(cfg)
	if err != nil {
		log.Warnf("Failed to initialize New Relic: %v", err)
		return nil
	}
	if nrApp != nil {
		log.Info("New Relic monitoring initialized successfully")
	}
	return nrApp
}

// startServer initializes and starts the API server
func startServer() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Override config with command line flags if provided
	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}

	log.WithFields(logrus.Fields{
		"port":             cfg.Server.Port,
		"workers":          cfg.Onboarding.GetWorkerCount(),
		"queue_size":       cfg.Onboarding.GetQueueSize(),
		"scheduler":        withScheduler,
		"newrelic_enabled": cfg.NewRelic.Enabled && !disableNewRelic,
	}).Info("Initializing service components...")

	// Initialize New Relic if enabled
	nrApp := initNewRelic(cfg.NewRelic)
	if nrApp != nil {
		defer nrApp.Shutdown(10 * time.Second)
	}

	// Connect to database, cache and message broker, then build the service
	deps, err := buildComponents(cfg, nrApp, true)
	if err != nil {
		log.Fatalf("Failed to initialize service components: %v", err)
	}

	if !skipMigrations {
		log.Info("Running database migrations...")
		if err := database.AutoMigrate(deps.db); err != nil {
			deps.Close()
			log.Fatalf("Failed to run database migrations: %v", err)
		}
	}

	// Create and initialize the server
	log.Info("Initializing API server...")
	server := api.NewServer(cfg, log, nrApp, deps.service)

	// Set up graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// Start the server
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Start the maintenance sweeps in-process when requested
	if withScheduler {
		scheduler, err := service.NewScheduler(gctx, deps.service, cfg.Maintenance, log)
		if err != nil {
			deps.Close()
			log.Fatalf("Failed to create scheduler: %v", err)
		}
		scheduler.Start()
		log.Info("Maintenance scheduler started")

		g.Go(func() error {
			<-gctx.Done()
			log.Info("Stopping maintenance scheduler...")
			return scheduler.Shutdown()
		})
	}

	// Wait for shutdown signal
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")

		// Create a timeout context for shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(gracefulTimeout)*time.Second)
		defer cancel()

		log.Info("Shutting down HTTP server...")
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Server stopped with error")
	}

	// Shutdown service components
	log.Info("Shutting down service components...")
	deps.Close()

	log.Info("Server shutdown complete")
}
