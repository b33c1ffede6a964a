// Package workspace holds the current reconciled ledger of a process and
// routes runs, overrides and tagging through it. The API, the worker and the
// CLI all drive the engine through a Workspace.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
	"github.com/dvloznov/ledger-reconciler/internal/override"
	"github.com/dvloznov/ledger-reconciler/internal/pipeline"
	"github.com/dvloznov/ledger-reconciler/internal/tagging"
	"github.com/dvloznov/ledger-reconciler/internal/taxonomy"
)

// ErrNoRun is returned by operations that need a reconciled ledger before
// any run has completed.
var ErrNoRun = fmt.Errorf("no reconciliation run yet: %w", domain.ErrNotFound)

// Outcome is a finished run plus where its sinks put it.
type Outcome struct {
	Run       *pipeline.RunResult
	Source    string
	Locations map[string]string
}

// Workspace serializes runs and keeps the latest result as the override target.
type Workspace struct {
	runner    *pipeline.Runner
	overrides *override.Service
	tree      *taxonomy.Tree
	sinks     []Sink

	// runMu serializes runs against override and tagging writes.
	runMu sync.Mutex

	mu     sync.RWMutex
	latest *pipeline.RunResult
	source string
}

// New creates a workspace. overrides may be nil, in which case override and
// tagging operations fail with domain.ErrValidation.
func New(runner *pipeline.Runner, overrides *override.Service, tree *taxonomy.Tree, sinks ...Sink) *Workspace {
	if tree == nil {
		tree = taxonomy.NewTree(nil)
	}
	return &Workspace{
		runner:    runner,
		overrides: overrides,
		tree:      tree,
		sinks:     sinks,
	}
}

// Tree returns the taxonomy overrides are validated against.
func (w *Workspace) Tree() *taxonomy.Tree {
	return w.tree
}

// Overrides returns the override service, or nil.
func (w *Workspace) Overrides() *override.Service {
	return w.overrides
}

// Reconcile runs the pipeline over raws, makes the result current and hands
// it to every sink. Sink failures are joined into the returned error; the
// run itself stays current.
func (w *Workspace) Reconcile(ctx context.Context, source string, raws []ledger.RawRecord) (*Outcome, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	run, err := w.runner.Run(ctx, raws)
	if err != nil {
		return nil, fmt.Errorf("Reconcile: %w", err)
	}
	return w.commit(ctx, source, run)
}

// ReconcileRecords reconciles an already enriched ledger, typically one read
// back from a previous run's output.
func (w *Workspace) ReconcileRecords(ctx context.Context, source string, records []*domain.LedgerRecord) (*Outcome, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	run, err := w.runner.RunRecords(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("ReconcileRecords: %w", err)
	}
	return w.commit(ctx, source, run)
}

// Rerun reconciles the current ledger again, picking up rule or override
// changes made since the last run.
func (w *Workspace) Rerun(ctx context.Context) (*Outcome, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	current, source, ok := w.current()
	if !ok {
		return nil, fmt.Errorf("Rerun: %w", ErrNoRun)
	}
	run, err := w.runner.RunRecords(ctx, current.Records())
	if err != nil {
		return nil, fmt.Errorf("Rerun: %w", err)
	}
	return w.commit(ctx, source, run)
}

func (w *Workspace) commit(ctx context.Context, source string, run *pipeline.RunResult) (*Outcome, error) {
	log := logger.WithComponent(logger.FromContext(ctx), "workspace").
		With().Str("run_id", run.RunID).Logger()

	w.mu.Lock()
	w.latest = run
	w.source = source
	w.mu.Unlock()

	out := &Outcome{Run: run, Source: source, Locations: make(map[string]string)}
	var errs []error
	for _, sink := range w.sinks {
		location, err := sink.Publish(ctx, run, source)
		if err != nil {
			log.Error().Err(err).Str("sink", sink.Name()).Msg("sink failed")
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		if location != "" {
			out.Locations[sink.Name()] = location
		}
	}

	log.Info().
		Str("source", source).
		Int("accepted", run.Summary.Accepted).
		Int("quarantined", run.Summary.Quarantined).
		Int("review", len(run.Review)).
		Int("sinks", len(w.sinks)).
		Msg("run committed")

	if err := errors.Join(errs...); err != nil {
		return out, fmt.Errorf("Reconcile: publish run %s: %w", run.RunID, err)
	}
	return out, nil
}

func (w *Workspace) current() (*pipeline.RunResult, string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest, w.source, w.latest != nil
}

// Latest returns the current run.
func (w *Workspace) Latest() (*pipeline.RunResult, bool) {
	run, _, ok := w.current()
	return run, ok
}

// Records returns detached copies of the current ledger, or nil before the
// first run.
func (w *Workspace) Records() []*domain.LedgerRecord {
	run, ok := w.Latest()
	if !ok {
		return nil
	}
	return run.Records()
}

// Review returns the review queue of the current run.
func (w *Workspace) Review() []pipeline.ReviewItem {
	run, ok := w.Latest()
	if !ok {
		return nil
	}
	return run.Review
}

// ApplyOverride records a category assignment and applies it to the current
// ledger. Without a run it is only stored, which requires a platform.
// It waits for an in-flight run so the write lands on the ledger that run
// commits.
func (w *Workspace) ApplyOverride(ctx context.Context, req override.Request) (*override.Entry, error) {
	if w.overrides == nil {
		return nil, fmt.Errorf("ApplyOverride: no override store configured: %w", domain.ErrValidation)
	}
	w.runMu.Lock()
	defer w.runMu.Unlock()

	var arena *ledger.Arena
	if run, ok := w.Latest(); ok {
		arena = run.Arena
	}
	return w.overrides.Apply(ctx, arena, req)
}

// ListOverrides returns stored overrides.
func (w *Workspace) ListOverrides(ctx context.Context, filter override.Filter) ([]*override.Entry, error) {
	if w.overrides == nil {
		return nil, fmt.Errorf("ListOverrides: no override store configured: %w", domain.ErrValidation)
	}
	entries, err := w.overrides.Store().List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ListOverrides: %w", err)
	}
	return entries, nil
}

// Tag runs the tagger over the current ledger.
func (w *Workspace) Tag(ctx context.Context, generator tagging.Generator, batchSize int) (*tagging.Report, error) {
	if w.overrides == nil {
		return nil, fmt.Errorf("Tag: no override store configured: %w", domain.ErrValidation)
	}
	w.runMu.Lock()
	defer w.runMu.Unlock()

	run, ok := w.Latest()
	if !ok {
		return nil, fmt.Errorf("Tag: %w", ErrNoRun)
	}
	tagger := tagging.NewTagger(generator, w.overrides, w.tree, batchSize)
	report, err := tagger.Tag(ctx, run.Arena)
	if err != nil {
		return report, fmt.Errorf("Tag: %w", err)
	}
	return report, nil
}
