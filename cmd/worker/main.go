package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/ledger-reconciler/internal/amqp"
	"github.com/dvloznov/ledger-reconciler/internal/app"
	"github.com/dvloznov/ledger-reconciler/internal/config"
	"github.com/dvloznov/ledger-reconciler/internal/jobs"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := logger.NewFromOptions(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.AMQPURL == "" {
		log.Fatal().Msg("AMQP_URL is required for the worker")
	}

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	a, err := app.New(ctx, cfg, log, app.Options{Sinks: true, AMQP: true})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire engine")
	}
	defer a.Close()

	log.Info().
		Str("exchange", cfg.AMQPExchange).
		Str("queue", cfg.AMQPRunQueue).
		Msg("Starting worker service")

	handle := a.Workspace.JobHandler(a.LoadBatch)
	handler := func(ctx context.Context, msg *amqp.RunRequestMessage) error {
		job := &jobs.ReconcileJob{
			JobID:     msg.JobID,
			Source:    msg.Source,
			Raws:      msg.Records,
			Status:    jobs.JobStatusRunning,
			CreatedAt: msg.Timestamp,
		}
		if job.Source == "" {
			job.Source = jobs.SourceInline
		}
		start := time.Now()
		if err := handle(ctx, job); err != nil {
			return err
		}
		log.Info().
			Str("job_id", job.JobID).
			Str("run_id", job.RunID).
			Str("output_uri", job.OutputURI).
			Dur("duration", time.Since(start)).
			Msg("Run request processed")
		return nil
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal")
		cancel()
	}()

	if err := a.Broker.ConsumeWithReconnect(ctx, handler); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Consumer stopped")
	}

	log.Info().Msg("Worker stopped")
}
