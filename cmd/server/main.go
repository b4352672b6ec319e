/*
main.go - Application entry point

PURPOSE:
  Starts the ledger HTTP server and exposes the operator jobs
  (reconciliation, cashback) as subcommands so they can run from cron
  without going through HTTP.

COMMANDS:
  serve                          HTTP API + reconciliation scheduler
  reconcile all                  Reconcile every balance row
  reconcile pair OWNER RESOURCE  Reconcile one pair
  cashback batch PERIOD [OWNER...]
  cashback process PERIOD OWNER [--force]
  cashback reverse RECORD_ID --reason=...

STARTUP SEQUENCE (serve):
  1. Load configuration (environment, optional .env)
  2. Build the logger
  3. Assemble store, collaborators and service (factory.Build)
  4. Start the reconciliation scheduler
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close database and Redis connections

ENVIRONMENT:
  See config/config.go.

SEE ALSO:
  - factory/factory.go: Wiring
  - api/server.go: Router configuration
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
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/factory"
	"github.com/warp/ledger-engine/logger"
)

var rootCmd = &cobra.Command{
	Use:           "ledger",
	Short:         "Container deposit and wallet ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the reconciliation scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides PORT)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads config, builds the logger and assembles the app.
func bootstrap(ctx context.Context) (*factory.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewZapLog(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	app, err := factory.Build(ctx, cfg, log)
	if err != nil {
		log.Error("assemble ledger", zap.Error(err))
		return nil, err
	}
	return app, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	defer app.Logger.Sync()

	port := app.Config.Port
	if p, _ := cmd.Flags().GetInt("port"); p != 0 {
		port = p
	}

	router := api.NewRouter(app.Handler, app.Metrics.Handler())
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	app.Scheduler.Start()
	defer app.Scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("server starting", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	app.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	app.Logger.Info("server stopped")
	return nil
}
