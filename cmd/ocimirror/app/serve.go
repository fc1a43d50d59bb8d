package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ocimirror/ocimirror/internal/api"
	"github.com/ocimirror/ocimirror/internal/config"
	"github.com/ocimirror/ocimirror/internal/coordinator"
	"github.com/ocimirror/ocimirror/internal/dispatcher"
	"github.com/ocimirror/ocimirror/internal/endpoint"
	"github.com/ocimirror/ocimirror/internal/joblog"
	"github.com/ocimirror/ocimirror/internal/notification"
	"github.com/ocimirror/ocimirror/internal/policy"
	"github.com/ocimirror/ocimirror/internal/registry"
	"github.com/ocimirror/ocimirror/internal/store"
	"github.com/ocimirror/ocimirror/internal/store/memory"
	"github.com/ocimirror/ocimirror/internal/store/postgres"
	"github.com/ocimirror/ocimirror/internal/telemetry"
	"github.com/ocimirror/ocimirror/internal/transfer"
	"github.com/ocimirror/ocimirror/internal/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the replication server",
	Long: `Start the replication server.

The server requires a configuration file (--config) that specifies the
listen address, database connection, worker pool sizing, and optional
event sources. Without a database section the server runs standalone
with in-memory stores.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second // Kubernetes-friendly shutdown time
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides config)")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		panic(err)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	if viper.GetBool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(viper.GetString("config")))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	address := viper.GetString("address")
	if address == "" {
		address = cfg.GetAddress()
	}

	// rootCtx bounds every background component; cancelling it during
	// shutdown stops workers, schedules and event consumers.
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		policyStore   store.PolicyStore
		endpointStore store.EndpointStore
		execStore     store.ExecutionStore
	)
	if cfg.Database != nil {
		connString, err := cfg.Database.GetConnectionString()
		if err != nil {
			return fmt.Errorf("failed to build connection string: %w", err)
		}
		pool, err := postgres.Connect(rootCtx, connString)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()

		policyStore = postgres.NewPolicyStore(pool)
		endpointStore = postgres.NewEndpointStore(pool)
		execStore = postgres.NewExecutionStore(pool)
		slog.Info("Connected to database",
			"host", cfg.Database.Host, "database", cfg.Database.Database)
	} else {
		policyStore = memory.NewPolicyStore()
		endpointStore = memory.NewEndpointStore()
		execStore = memory.NewExecutionStore()
		slog.Warn("No database configured, running standalone with in-memory stores")
	}

	logs, err := joblog.NewFileStore(cfg.GetLogDir())
	if err != nil {
		return fmt.Errorf("failed to create task log store: %w", err)
	}

	metrics := telemetry.NewMetrics()
	clients := registry.NewFactory()
	transfers := transfer.NewFactory()

	// The coordinator and dispatcher reference each other: jobs flow
	// down through Submit, settled tasks report back through the
	// callback. The closure breaks the construction cycle.
	var coord *coordinator.Coordinator
	disp := dispatcher.New(
		dispatcher.Config{
			Workers:             cfg.Dispatcher.Workers,
			QueueSize:           cfg.Dispatcher.QueueSize,
			MaxRetries:          cfg.Dispatcher.MaxRetries,
			PerDestinationLimit: cfg.Dispatcher.PerDestinationLimit,
			TaskTimeout:         config.ParseDuration(cfg.Dispatcher.TaskTimeout, 0),
			InitialBackoff:      config.ParseDuration(cfg.Dispatcher.InitialBackoff, 0),
			MaxBackoff:          config.ParseDuration(cfg.Dispatcher.MaxBackoff, 0),
		},
		execStore, logs, transfers,
		dispatcher.WithMetrics(metrics),
		dispatcher.WithSettleCallback(func(executionID string) {
			coord.OnTaskSettled(executionID)
		}),
	)

	coordOpts := []coordinator.Option{coordinator.WithMetrics(metrics)}
	if cfg.LogArchive != nil && cfg.LogArchive.S3 != nil {
		archiver, err := joblog.NewS3Archiver(rootCtx, cfg.LogArchive.S3.Bucket, cfg.LogArchive.S3.Prefix)
		if err != nil {
			return fmt.Errorf("failed to create log archiver: %w", err)
		}
		coordOpts = append(coordOpts, coordinator.WithLogArchiver(archiver))
		slog.Info("Archiving task logs to S3", "bucket", cfg.LogArchive.S3.Bucket)
	}
	coord = coordinator.New(rootCtx, policyStore, endpointStore, execStore, logs, clients, disp, coordOpts...)

	disp.Start(rootCtx)

	hub := notification.NewHub()
	triggers := trigger.New(policyStore, coord, hub)
	if err := triggers.Start(rootCtx); err != nil {
		return fmt.Errorf("failed to start trigger engine: %w", err)
	}

	if cfg.Events != nil && cfg.Events.Kafka != nil {
		source, err := notification.NewKafkaSource(notification.KafkaConfig{
			Brokers: cfg.Events.Kafka.Brokers,
			Topic:   cfg.Events.Kafka.Topic,
			GroupID: cfg.Events.Kafka.GroupID,
		}, hub)
		if err != nil {
			return fmt.Errorf("failed to create kafka event source: %w", err)
		}
		go func() {
			if err := source.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Kafka event source stopped", "error", err)
			}
		}()
		slog.Info("Consuming artifact events from kafka", "topic", cfg.Events.Kafka.Topic)
	}

	policySvc := policy.NewService(policyStore, endpointStore, execStore, triggers)
	endpointSvc := endpoint.NewService(endpointStore, policyStore, execStore, clients)

	routes := api.NewRoutes(policySvc, endpointSvc, coord, hub, slog.Default())
	router := api.NewServer(routes,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware(slog.Default()),
		),
		api.WithMetricsHandler(metrics.Handler()),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	triggers.Stop()
	cancel()
	disp.Wait()
	coord.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}
