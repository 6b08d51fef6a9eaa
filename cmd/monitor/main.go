// File: cmd/monitor/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/connection"
	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/internal/monitor"
	"github.com/smartdevs17/contract-monitor/internal/notification"
	"github.com/smartdevs17/contract-monitor/internal/processor"
	"github.com/smartdevs17/contract-monitor/internal/rules"
	"github.com/smartdevs17/contract-monitor/internal/server"
	"github.com/smartdevs17/contract-monitor/internal/storage"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// AppVersion contains the application version
var AppVersion = "1.0.0"

// Application wires the monitoring components together
type Application struct {
	config     *config.Config
	logger     *logrus.Entry
	metrics    *metrics.Manager
	chains     *connection.Registry
	storage    storage.Storage
	limiter    notification.RateLimiter
	dispatcher *notification.Dispatcher
	pipeline   *processor.Pipeline
	supervisor *monitor.Supervisor
	service    *monitor.Service
	server     *server.HTTPServer

	closers []func() error
}

// NewApplication creates a new application instance
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	app := &Application{config: cfg}

	if err := app.initializeLogger(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(ctx); err != nil {
		app.close()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging
	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.ComponentLogger("app")
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Info("Logger initialized")
	return nil
}

// initializeComponents builds every component bottom-up
func (app *Application) initializeComponents(ctx context.Context) error {
	cfg := app.config
	app.logger.Info("Initializing application components")

	app.metrics = metrics.NewManager()

	chains, err := connection.NewRegistry(cfg.Chains, app.metrics)
	if err != nil {
		return fmt.Errorf("failed to create chain registry: %w", err)
	}
	app.chains = chains
	app.closers = append(app.closers, chains.Close)

	store, err := storage.NewStorage(&cfg.Storage, app.metrics)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	if err := store.Connect(); err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}
	app.closers = append(app.closers, store.Close)
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("failed to run storage migrations: %w", err)
	}
	app.storage = store

	limiter, closeLimiter, err := notification.NewRateLimiter(ctx, cfg.Notifications, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	app.limiter = limiter
	app.closers = append(app.closers, closeLimiter)

	app.dispatcher = notification.NewDispatcher(
		store,
		limiter,
		cfg.Notifications.NotificationTimeout,
		app.metrics,
		notification.NewSenders(cfg.Notifications, store)...,
	)

	sink, flushSink, err := processor.NewErrorSink(cfg.Sentry)
	if err != nil {
		return fmt.Errorf("failed to create error sink: %w", err)
	}
	app.closers = append(app.closers, func() error {
		flushSink()
		return nil
	})

	app.pipeline = processor.NewPipeline(store, app.dispatcher, sink, cfg.Alerts, app.metrics)

	engine := rules.NewEngine(rules.ThresholdsFromConfig(cfg.Rules), nil)
	app.supervisor = monitor.NewSupervisor(store, chains, engine, app.pipeline, cfg.Monitor, app.metrics)
	app.service = monitor.NewService(store, app.supervisor, chains)

	if cfg.Server.Enabled {
		app.server, err = server.NewHTTPServer(&cfg.Server, app.service, store, app.supervisor, app.pipeline, app.dispatcher, app.metrics)
		if err != nil {
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
	}

	app.logger.WithField("chains", chains.Chains()).Info("All components initialized successfully")
	return nil
}

// Start starts the HTTP server and every active contract
func (app *Application) Start(ctx context.Context) error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
	}).Info("Starting contract monitor")

	if app.server != nil {
		if err := app.server.Start(); err != nil {
			return err
		}
	}

	if err := app.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitoring: %w", err)
	}

	app.logger.WithField("contracts", len(app.supervisor.Running())).Info("Contract monitor started")
	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() {
	app.logger.Info("Stopping contract monitor")

	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}
	if app.supervisor != nil {
		app.supervisor.Close()
	}
	app.close()

	app.logger.Info("Contract monitor stopped")
}

// close releases resources in reverse order of acquisition
func (app *Application) close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil && app.logger != nil {
			app.logger.WithError(err).Error("Failed to release resource")
		}
	}
	app.closers = nil
}

// CLI Commands

var rootCmd = &cobra.Command{
	Use:     "contract-monitor",
	Short:   "Smart contract monitoring and alerting",
	Long:    `Watches deployed EVM smart contracts, evaluates alert rules on every confirmed block and notifies their owners.`,
	Version: AppVersion,
}

// loadConfig loads and validates configuration, applying the --log-level override
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if level := viper.GetString("log-level"); level != "" && rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeConfiguration, "Invalid configuration", err)
	}
	return cfg, nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg)
	if err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-ctx.Done()
	fmt.Println("\nReceived shutdown signal, stopping application...")
	app.Stop()
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Contract Monitor %s\n", AppVersion)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		chains := make([]string, 0, len(cfg.Chains))
		for key := range cfg.Chains {
			chains = append(chains, key)
		}
		sort.Strings(chains)

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Chains: %v\n", chains)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Rate limiter: %s\n", cfg.Notifications.RateLimiter)
		return nil
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test chain and storage connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Testing contract monitor connectivity...")

		registry, err := connection.NewRegistry(cfg.Chains, nil)
		if err != nil {
			return fmt.Errorf("failed to create chain registry: %w", err)
		}
		defer registry.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		failed := false
		results := registry.HealthCheck(ctx)
		stats := registry.Stats()
		for _, chain := range registry.Chains() {
			if err := results[chain]; err != nil {
				failed = true
				fmt.Printf("✗ %s: %v\n", chain, err)
				continue
			}
			fmt.Printf("✓ %s: chain id %d, latest block %d\n", chain, stats[chain].ChainID, stats[chain].LatestBlock)
		}

		fmt.Printf("Testing storage connection (%s)...\n", cfg.Storage.Type)
		store, err := storage.NewStorage(&cfg.Storage, nil)
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		if err := store.Connect(); err != nil {
			return fmt.Errorf("failed to connect to storage: %w", err)
		}
		defer store.Close()
		if err := store.Ping(); err != nil {
			return fmt.Errorf("storage ping failed: %w", err)
		}
		fmt.Println("✓ Storage connection successful")

		if failed {
			return fmt.Errorf("one or more chains failed the connectivity test")
		}
		fmt.Println("\nAll connectivity tests passed! ✓")
		return nil
	},
}

func init() {
	rootCmd.RunE = runMonitor

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(testCmd)
	configCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
