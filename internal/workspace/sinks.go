package workspace

import (
	"context"

	"github.com/dvloznov/ledger-reconciler/internal/gcsuploader"
	infraBQ "github.com/dvloznov/ledger-reconciler/internal/infra/bigquery"
	"github.com/dvloznov/ledger-reconciler/internal/notionsync"
	"github.com/dvloznov/ledger-reconciler/internal/pipeline"
)

// Sink receives every committed run. The returned location, when not empty,
// identifies where the sink put it.
type Sink interface {
	Name() string
	Publish(ctx context.Context, run *pipeline.RunResult, source string) (string, error)
}

// LedgerSink persists runs through a LedgerRepository.
type LedgerSink struct {
	Repo infraBQ.LedgerRepository
}

func (s *LedgerSink) Name() string { return "bigquery" }

func (s *LedgerSink) Publish(ctx context.Context, run *pipeline.RunResult, source string) (string, error) {
	err := s.Repo.SaveRun(ctx, infraBQ.RunBatch{
		RunID:  run.RunID,
		Source: source,
		Versions: infraBQ.RunVersions{
			Track:    run.Summary.TrackRulesVersion,
			Taxonomy: run.Summary.TaxonomyRulesVersion,
		},
		Records:    run.Records(),
		Quarantine: run.Quarantine,
		Summary:    run.Summary,
	})
	if err != nil {
		return "", err
	}
	return run.RunID, nil
}

// ArchiveSink uploads the enriched ledger and quarantine to a bucket.
type ArchiveSink struct {
	Storage gcsuploader.StorageService
	Bucket  string
}

func (s *ArchiveSink) Name() string { return "gcs" }

func (s *ArchiveSink) Publish(ctx context.Context, run *pipeline.RunResult, _ string) (string, error) {
	return gcsuploader.SaveRunOutput(ctx, s.Storage, s.Bucket, run.RunID, run.Records(), run.Quarantine)
}

// ReviewPublisher broadcasts review items, e.g. on an AMQP queue.
type ReviewPublisher interface {
	PublishReviewNotices(ctx context.Context, runID string, items []pipeline.ReviewItem) error
}

// NoticeSink publishes the review queue of each run.
type NoticeSink struct {
	Publisher ReviewPublisher
}

func (s *NoticeSink) Name() string { return "review_notices" }

func (s *NoticeSink) Publish(ctx context.Context, run *pipeline.RunResult, _ string) (string, error) {
	if len(run.Review) == 0 {
		return "", nil
	}
	if err := s.Publisher.PublishReviewNotices(ctx, run.RunID, run.Review); err != nil {
		return "", err
	}
	return "", nil
}

// NotionSink mirrors the review queue into a Notion database.
type NotionSink struct {
	Client     notionsync.NotionService
	DatabaseID string
}

func (s *NotionSink) Name() string { return "notion" }

func (s *NotionSink) Publish(ctx context.Context, run *pipeline.RunResult, _ string) (string, error) {
	// Per-page failures are logged by the sync and picked up by the next run.
	if _, err := notionsync.SyncReviewItems(ctx, s.Client, s.DatabaseID, run.RunID, run.Review,
		notionsync.IndexRecords(run.Records()), false); err != nil {
		return "", err
	}
	return s.DatabaseID, nil
}
