package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
	"github.com/dvloznov/ledger-reconciler/internal/netting"
)

// DefaultWorkers bounds concurrent partitions when none is configured.
const DefaultWorkers = 4

// ReviewItem is a record surfaced for manual attention.
type ReviewItem struct {
	Kind          string `json:"kind"`
	Platform      string `json:"platform"`
	UserID        string `json:"user_id"`
	TransactionID string `json:"transaction_id"`
	OriginalID    string `json:"original_id,omitempty"`
	Detail        string `json:"detail"`
}

// Summary aggregates stage counters over all partitions of a run.
type Summary struct {
	Input            int `json:"input"`
	Accepted         int `json:"accepted"`
	Quarantined      int `json:"quarantined"`
	Partitions       int `json:"partitions"`
	FailedPartitions int `json:"failed_partitions"`

	Exact         int `json:"matched_exact"`
	Heuristic     int `json:"matched_heuristic"`
	SelfDescribed int `json:"self_described"`
	Unmatched     int `json:"unmatched"`
	Duplicates    int `json:"duplicate_applies"`

	Consumption int `json:"consumption"`
	Cashflow    int `json:"cashflow"`
	Refund      int `json:"refund"`

	Overlaid    int `json:"overrides_applied"`
	Categorized int `json:"categorized"`
	Pending     int `json:"pending"`
	Manual      int `json:"manual"`

	TrackRulesVersion    string `json:"track_rules_version"`
	TaxonomyRulesVersion string `json:"taxonomy_rules_version"`
}

// RunResult is the outcome of one reconciliation run.
type RunResult struct {
	RunID      string                   `json:"run_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Summary    Summary                  `json:"summary"`
	Quarantine []ledger.QuarantineEntry `json:"quarantine"`
	Review     []ReviewItem             `json:"review"`

	// Arena holds the enriched records; it stays the target of later overrides.
	Arena *ledger.Arena `json:"-"`
}

// Records returns detached copies of the enriched records in ledger order.
func (r *RunResult) Records() []*domain.LedgerRecord {
	if r.Arena == nil {
		return nil
	}
	return r.Arena.Snapshot()
}

// Runner validates input, fans partitions out and merges the results.
type Runner struct {
	components  Components
	workers     int
	now         func() time.Time
	newPipeline func(Components) *Pipeline
}

// NewRunner creates a runner; workers <= 0 selects DefaultWorkers.
func NewRunner(c Components, workers int) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{
		components:  c,
		workers:     workers,
		now:         time.Now,
		newPipeline: NewReconciliationPipeline,
	}
}

// Run validates raw rows, quarantines the malformed ones and reconciles the rest.
func (r *Runner) Run(ctx context.Context, raws []ledger.RawRecord) (*RunResult, error) {
	started := r.now().UTC()
	q := &ledger.Quarantine{}
	records := ledger.Intake(raws, q, started)
	return r.run(ctx, started, len(raws), records, q)
}

// RunRecords reconciles records again, typically a previous run's output.
// Processing an already reconciled ledger yields identical records.
func (r *Runner) RunRecords(ctx context.Context, records []*domain.LedgerRecord) (*RunResult, error) {
	started := r.now().UTC()
	q := &ledger.Quarantine{}

	seen := make(map[domain.RecordKey]bool, len(records))
	unique := make([]*domain.LedgerRecord, 0, len(records))
	for i, rec := range records {
		if seen[rec.Key()] {
			q.Add(ledger.QuarantineEntry{
				Platform:      rec.Platform,
				UserID:        rec.UserID,
				TransactionID: rec.TransactionID,
				Index:         i,
				Reason:        ledger.ReasonDuplicateID,
				Detail:        "transaction id already present for platform",
				QuarantinedAt: started,
			})
			continue
		}
		seen[rec.Key()] = true
		unique = append(unique, rec.Clone())
	}
	return r.run(ctx, started, len(records), unique, q)
}

type partitionOutcome struct {
	state  *PipelineState
	failed bool
}

func (r *Runner) run(ctx context.Context, started time.Time, input int, records []*domain.LedgerRecord, q *ledger.Quarantine) (*RunResult, error) {
	runID := uuid.NewString()
	log := logger.FromContext(ctx).With().Str("run_id", runID).Logger()
	ctx = logger.WithContext(ctx, log)

	partitions, err := ledger.SplitPartitions(records)
	if err != nil {
		return nil, fmt.Errorf("Run: split partitions: %w", err)
	}

	outcomes := make([]partitionOutcome, len(partitions))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, p := range partitions {
		g.Go(func() error {
			state, err := r.runPartition(ctx, p)
			if err != nil {
				log.Error().Err(err).Str("partition", p.Key.String()).Msg("partition failed")
				quarantinePartition(q, p, err, r.now().UTC())
				outcomes[i] = partitionOutcome{failed: true}
				return nil
			}
			outcomes[i] = partitionOutcome{state: state}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}

	var ok []*ledger.Partition
	res := &RunResult{RunID: runID, StartedAt: started}
	res.Summary.Input = input
	res.Summary.Partitions = len(partitions)
	for i, out := range outcomes {
		if out.failed {
			res.Summary.FailedPartitions++
			continue
		}
		ok = append(ok, partitions[i])
		r.collect(res, out.state)
	}

	arena, err := ledger.Merge(ok)
	if err != nil {
		return nil, fmt.Errorf("Run: merge partitions: %w", err)
	}
	res.Arena = arena
	res.Quarantine = q.Entries()
	res.Summary.Accepted = arena.Len()
	res.Summary.Quarantined = len(res.Quarantine)
	res.Summary.TrackRulesVersion = r.components.Tracks.Version()
	res.Summary.TaxonomyRulesVersion = r.components.Taxonomy.RulesVersion()
	res.FinishedAt = r.now().UTC()

	log.Info().
		Int("input", res.Summary.Input).
		Int("accepted", res.Summary.Accepted).
		Int("quarantined", res.Summary.Quarantined).
		Int("partitions", res.Summary.Partitions).
		Int("failed_partitions", res.Summary.FailedPartitions).
		Int("review", len(res.Review)).
		Dur("elapsed", res.FinishedAt.Sub(res.StartedAt)).
		Msg("reconciliation run finished")
	return res, nil
}

// runPartition executes the pipeline over one partition, converting panics
// into errors so one bad partition cannot take the run down.
func (r *Runner) runPartition(ctx context.Context, p *ledger.Partition) (state *PipelineState, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log := logger.FromContext(ctx)
			log.Error().
				Str("partition", p.Key.String()).
				Bytes("stack", debug.Stack()).
				Msg("partition panicked")
			state, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()

	plog := logger.WithFields(logger.FromContext(ctx), map[string]interface{}{
		"platform": p.Key.Platform,
		"user_id":  p.Key.UserID,
	})
	ctx = logger.WithContext(ctx, plog)

	state = &PipelineState{Partition: p.Key, Arena: p.Arena}
	if err := r.newPipeline(r.components).Execute(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func quarantinePartition(q *ledger.Quarantine, p *ledger.Partition, cause error, now time.Time) {
	for _, rec := range p.Arena.Records() {
		q.Add(ledger.QuarantineEntry{
			Platform:      rec.Platform,
			UserID:        rec.UserID,
			TransactionID: rec.TransactionID,
			Index:         -1,
			Reason:        ledger.ReasonPartitionFailed,
			Detail:        cause.Error(),
			QuarantinedAt: now,
		})
	}
}

func (r *Runner) collect(res *RunResult, state *PipelineState) {
	s := &res.Summary
	if n := state.Netting; n != nil {
		s.Exact += n.Exact
		s.Heuristic += n.Heuristic
		s.SelfDescribed += n.SelfDescribed
		s.Unmatched += n.Unmatched
		s.Duplicates += n.Duplicates
		for _, notice := range n.Notices {
			if notice.Kind == netting.NoticeDuplicateApply {
				continue
			}
			res.Review = append(res.Review, ReviewItem{
				Kind:          string(notice.Kind),
				Platform:      notice.Platform,
				UserID:        notice.UserID,
				TransactionID: notice.RefundID,
				OriginalID:    notice.OriginalID,
				Detail:        notice.Detail,
			})
		}
	}
	if t := state.Tracks; t != nil {
		s.Consumption += t.Consumption
		s.Cashflow += t.Cashflow
		s.Refund += t.Refund
	}
	s.Overlaid += state.Overlaid
	if c := state.Taxonomy; c != nil {
		s.Categorized += c.Categorized
		s.Pending += c.Pending
		s.Manual += c.Manual
	}
}
