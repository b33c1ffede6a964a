// Package app wires configuration into the engine and its collaborators for
// the api, worker and cli binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvloznov/ledger-reconciler/internal/amqp"
	"github.com/dvloznov/ledger-reconciler/internal/config"
	"github.com/dvloznov/ledger-reconciler/internal/gcsuploader"
	infraBQ "github.com/dvloznov/ledger-reconciler/internal/infra/bigquery"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/netting"
	"github.com/dvloznov/ledger-reconciler/internal/notionsync"
	"github.com/dvloznov/ledger-reconciler/internal/override"
	overrideinmem "github.com/dvloznov/ledger-reconciler/internal/override/inmemory"
	"github.com/dvloznov/ledger-reconciler/internal/override/sqlite"
	"github.com/dvloznov/ledger-reconciler/internal/pipeline"
	"github.com/dvloznov/ledger-reconciler/internal/taxonomy"
	"github.com/dvloznov/ledger-reconciler/internal/track"
	"github.com/dvloznov/ledger-reconciler/internal/workspace"
)

// Options selects which collaborators a binary needs.
type Options struct {
	// Sinks publishes every run to the configured BigQuery dataset, bucket,
	// review queue and Notion database.
	Sinks bool
	// AMQP connects to the broker even when no sink needs it.
	AMQP bool
}

// App is the wired process.
type App struct {
	Config    *config.Config
	Tree      *taxonomy.Tree
	Overrides *override.Service
	Workspace *workspace.Workspace

	// Optional collaborators; nil when not configured.
	Storage gcsuploader.StorageService
	Ledger  infraBQ.LedgerRepository
	Broker  *amqp.Client
	Notion  notionsync.NotionService

	closers []func() error
}

// New builds the engine from cfg. Collaborators are created only when their
// settings are present.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Tree: taxonomy.NewTree(nil)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	store, err := newOverrideStore(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	a.Overrides = override.NewService(store, a.Tree)

	components, err := newComponents(cfg, a.Tree, a.Overrides)
	if err != nil {
		return nil, err
	}

	if cfg.GCSBucket != "" {
		a.Storage = gcsuploader.NewGCSStorageService()
	}
	if cfg.AMQPURL != "" && (opts.AMQP || opts.Sinks) {
		broker, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRunQueue, cfg.AMQPReviewQueue)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.Broker = broker
		a.closers = append(a.closers, broker.Close)
	}
	if cfg.NotionToken != "" {
		a.Notion = notionsync.NewNotionClient(cfg.NotionToken)
	}

	if cfg.BigQueryEnabled() {
		repo, err := infraBQ.NewBigQueryLedgerRepository(ctx, cfg.GCPProjectID, cfg.BQDataset)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.Ledger = repo
		a.closers = append(a.closers, repo.Close)
	}

	var sinks []workspace.Sink
	if opts.Sinks {
		sinks = a.sinks()
	}

	a.Workspace = workspace.New(pipeline.NewRunner(components, cfg.Workers), a.Overrides, a.Tree, sinks...)

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	log.Info().
		Str("override_store", cfg.OverrideStore).
		Strs("sinks", names).
		Bool("bigquery", a.Ledger != nil).
		Bool("amqp", a.Broker != nil).
		Msg("Engine wired")
	return a, nil
}

func (a *App) sinks() []workspace.Sink {
	var sinks []workspace.Sink
	if a.Ledger != nil {
		sinks = append(sinks, &workspace.LedgerSink{Repo: a.Ledger})
	}
	if a.Storage != nil {
		sinks = append(sinks, &workspace.ArchiveSink{Storage: a.Storage, Bucket: a.Config.GCSBucket})
	}
	if a.Broker != nil && a.Config.AMQPReviewQueue != "" {
		sinks = append(sinks, &workspace.NoticeSink{Publisher: a.Broker})
	}
	if a.Notion != nil {
		sinks = append(sinks, &workspace.NotionSink{Client: a.Notion, DatabaseID: a.Config.NotionReviewDBID})
	}
	return sinks
}

// LoadBatch reads a gs:// batch from any bucket the credentials can read.
func (a *App) LoadBatch(ctx context.Context, uri string) ([]ledger.RawRecord, error) {
	storage := a.Storage
	if storage == nil {
		storage = gcsuploader.NewGCSStorageService()
	}
	return gcsuploader.LoadRawBatch(ctx, storage, uri)
}

// Close releases every collaborator, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newOverrideStore(cfg *config.Config) (override.Store, error) {
	switch cfg.OverrideStore {
	case config.OverrideStoreSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return store, nil
	default:
		return overrideinmem.NewStore(), nil
	}
}

func newComponents(cfg *config.Config, tree *taxonomy.Tree, overrides *override.Service) (pipeline.Components, error) {
	var rules *taxonomy.RuleSet
	if cfg.RulesFile != "" {
		var err error
		rules, err = taxonomy.LoadRuleSet(cfg.RulesFile, tree)
		if err != nil {
			return pipeline.Components{}, fmt.Errorf("app: %w", err)
		}
	}
	return pipeline.Components{
		Netting: netting.NewEngine(netting.Config{
			Window:    cfg.MatchWindow,
			Threshold: cfg.SimilarityThreshold,
		}),
		Tracks:    track.NewClassifier(nil),
		Overrides: overrides,
		Taxonomy:  taxonomy.NewClassifier(tree, nil, rules),
	}, nil
}
