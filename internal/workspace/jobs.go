package workspace

import (
	"context"
	"fmt"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/jobs"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
)

// BatchLoader fetches the raw batch a job's Source points at.
type BatchLoader func(ctx context.Context, uri string) ([]ledger.RawRecord, error)

// JobHandler returns a jobs.JobHandler that reconciles ReconcileJobs. load
// may be nil when only inline jobs are expected.
func (w *Workspace) JobHandler(load BatchLoader) jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		rj, ok := job.(*jobs.ReconcileJob)
		if !ok {
			return fmt.Errorf("unexpected job type: %T", job)
		}
		log := logger.FromContext(ctx).With().
			Str("job_id", rj.JobID).
			Str("source", rj.Source).
			Logger()

		raws := rj.Raws
		if rj.Source != jobs.SourceInline {
			if load == nil {
				return fmt.Errorf("job %s: no batch loader for %s: %w", rj.JobID, rj.Source, domain.ErrValidation)
			}
			var err error
			raws, err = load(ctx, rj.Source)
			if err != nil {
				return fmt.Errorf("job %s: %w", rj.JobID, err)
			}
		}

		log.Info().Int("records", len(raws)).Msg("Processing reconcile job")

		out, err := w.Reconcile(ctx, rj.Source, raws)
		if out != nil {
			rj.RunID = out.Run.RunID
			rj.Accepted = out.Run.Summary.Accepted
			rj.Quarantined = out.Run.Summary.Quarantined
			rj.ReviewItems = len(out.Run.Review)
			rj.OutputURI = out.Locations["gcs"]
		}
		if err != nil {
			log.Error().Err(err).Msg("Reconcile job failed")
			return fmt.Errorf("job %s: %w", rj.JobID, err)
		}

		log.Info().
			Str("run_id", rj.RunID).
			Int("accepted", rj.Accepted).
			Int("quarantined", rj.Quarantined).
			Msg("Reconcile job completed")
		return nil
	}
}
