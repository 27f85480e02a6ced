/*
main.go - Application entry point

PURPOSE:
  Starts the credit ledger HTTP server. Handles configuration, dependency
  injection, the recalculation scheduler, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and CREDITLEDGER_* environment
  2. Apply command-line overrides
  3. Open the store, connect Redis if configured, build the engine
  4. Configure HTTP router (+ /metrics)
  5. Start scheduler and server, wait for a signal

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides CREDITLEDGER_APP_PORT)
  -db      Database DSN/path (overrides CREDITLEDGER_DB_DSN)
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight run)
  2. Stop accepting new connections, drain active requests
  3. Close database and Redis connections

EXAMPLES:
  ./server -db="./data/credit-ledger.db"
  CREDITLEDGER_DB_DRIVER=postgres CREDITLEDGER_DB_DSN=postgres://... ./server
  CREDITLEDGER_REDIS_URL=redis://localhost:6379/0 ./server -port=3000

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/app"
	"github.com/warp/credit-ledger/config"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags override the environment
	port := flag.String("port", cfg.App.Port, "HTTP server port")
	dbDSN := flag.String("db", cfg.DB.DSN, "Database DSN or SQLite path")
	flag.Parse()
	cfg.App.Port = *port
	cfg.DB.DSN = *dbDSN

	log := app.NewLogger(cfg, "credit-ledger-api")
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.Build(ctx, cfg, log, reg)
	if err != nil {
		log.Error(ctx, "failed to initialize", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error(ctx, "close resources", err)
		}
	}()

	handler := api.NewHandler(a.Engine)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Gatherer:    reg,
	})

	scheduler := api.NewRecalculationScheduler(a.Engine, cfg.Ledger.RecalcInterval)
	scheduler.Start()

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info(log.WithField(ctx, "addr", server.Addr), "server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "server failed", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info(ctx, "shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server forced to shutdown", err)
	}

	log.Info(ctx, "server stopped")
}
