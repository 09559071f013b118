/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Warp Reconciliation Engine server.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve            Start the HTTP API (default)
  migrate          Create or upgrade the database schema and exit
  audit-balances   Recompute every account balance once, repair drift, exit
  scenario ID      Reset the database and load a demo scenario

STARTUP SEQUENCE (serve):
  1. Load configuration (TOML file, then RECONCILE_* environment)
  2. Build the zap logger
  3. Open the store (sqlite3, sqlite or postgres) and migrate
  4. Connect the event publisher (none, kafka or rabbitmq)
  5. Create the engine, handler and router
  6. Start the balance audit scheduler when enabled
  7. Serve with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the scheduler, close the publisher and the database
  4. Exit

EXAMPLES:
  # Run with the defaults (./reconcile.db, port 8080)
  ./server serve

  # Run with a config file and an in-memory database
  RECONCILE_DB_DSN=":memory:" ./server serve --config reconcile.toml

  # Load a demo scenario into the configured database
  ./server scenario credit-reduction

SEE ALSO:
  - config/config.go: Configuration keys and environment variables
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/reconciliation-engine/api"
	"github.com/warp/reconciliation-engine/config"
	"github.com/warp/reconciliation-engine/events"
	"github.com/warp/reconciliation-engine/reconcile"
	"github.com/warp/reconciliation-engine/store/sqlstore"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Warp reconciliation engine",
	Long: `Checked mutations over credits, invoices, payments, allocations and tasks.
Every change that would break a financial invariant is answered with the
conflict and its resolution options instead of being applied.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

// app is everything a command needs, built from the configuration.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *sqlstore.Store
	publisher events.Publisher
	engine    *reconcile.Engine
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	driver, err := sqlstore.ParseDriver(cfg.Store.Driver)
	if err != nil {
		return nil, err
	}
	st, err := sqlstore.Open(driver, cfg.Store.DSN, sqlstore.WithLogger(logger.Named("store")))
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	pub, err := newPublisher(cfg.Events)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connect event publisher: %w", err)
	}

	engine := reconcile.NewEngine(st,
		reconcile.WithLogger(logger.Named("engine")),
		reconcile.WithPublisher(pub),
	)
	return &app{cfg: cfg, logger: logger, store: st, publisher: pub, engine: engine}, nil
}

func (a *app) Close() {
	if err := a.publisher.Close(); err != nil {
		a.logger.Warn("close event publisher", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	a.logger.Sync()
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

func newPublisher(c config.EventsConfig) (events.Publisher, error) {
	switch c.Backend {
	case "kafka":
		return events.NewKafkaPublisher(c.Brokers, c.Topic), nil
	case "rabbitmq":
		return events.NewRabbitPublisher(c.URL, c.Queue)
	}
	return events.Nop{}, nil
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	handler := api.NewHandler(a.engine, a.logger.Named("api"))
	router := api.NewRouter(handler, cfg.CORS.AllowedOrigins)

	scheduler := api.NewBalanceAuditScheduler(a.engine, a.logger)
	scheduler.Enabled = cfg.Audit.Enabled
	scheduler.CheckInterval = cfg.Audit.Interval.Duration
	scheduler.Actor = cfg.Audit.Actor
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.String("events", cfg.Events.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-quit:
		a.logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.Info("server stopped")
	return nil
}
