package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dvloznov/ledger-reconciler/internal/api/handlers"
	"github.com/dvloznov/ledger-reconciler/internal/api/middleware"
	"github.com/dvloznov/ledger-reconciler/internal/app"
	"github.com/dvloznov/ledger-reconciler/internal/config"
	"github.com/dvloznov/ledger-reconciler/internal/jobs"
	"github.com/dvloznov/ledger-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Parse command-line flags
	var (
		port    = flag.String("port", cfg.Port, "HTTP server port")
		origins = flag.String("cors-origins", os.Getenv("CORS_ORIGINS"), "Comma-separated allowed origins (default any)")
	)
	flag.Parse()
	cfg.Port = *port

	log := logger.NewFromOptions(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx := logger.WithContext(context.Background(), log)

	// With a broker the worker reconciles published jobs; without one the
	// API runs them in-process and publishes to the sinks itself.
	remote := cfg.AMQPURL != ""
	a, err := app.New(ctx, cfg, log, app.Options{Sinks: !remote, AMQP: remote})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire engine")
	}
	defer a.Close()

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	var publisher jobs.Publisher
	var jobQueue *inmemory.Queue

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	if remote {
		publisher = a.Broker
		log.Info().Str("exchange", cfg.AMQPExchange).Str("queue", cfg.AMQPRunQueue).Msg("Publishing runs to AMQP")
	} else {
		jobQueue = inmemory.NewQueue(100, cfg.Workers, jobStore)
		publisher = jobQueue

		// Start job consumer in background
		go func() {
			log.Info().Msg("Starting job worker")
			if err := jobQueue.Start(workerCtx, a.Workspace.JobHandler(a.LoadBatch)); err != nil {
				log.Error().Err(err).Msg("Job worker stopped with error")
			}
		}()
	}

	// Initialize handlers
	sources := handlers.Sources{Workspace: handlers.WorkspaceSource{WS: a.Workspace}}
	if a.Ledger != nil {
		sources.Warehouse = handlers.WarehouseSource{Repo: a.Ledger}
	}
	router := handlers.Router{
		Runs:      handlers.NewRunsHandler(a.Workspace, publisher, jobStore, log),
		Jobs:      handlers.NewJobsHandler(jobStore, log),
		Ledger:    handlers.NewLedgerHandler(sources, a.Tree, log),
		Overrides: handlers.NewOverridesHandler(a.Workspace, log),
	}

	var allowed []string
	if *origins != "" {
		allowed = strings.Split(*origins, ",")
	}

	// Apply middleware
	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(log)(
				middleware.CORS(allowed)(router.Mux()),
			),
		),
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if jobQueue != nil {
		// Stop job queue and wait for in-flight jobs
		if err := jobQueue.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping job queue")
		}
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}
