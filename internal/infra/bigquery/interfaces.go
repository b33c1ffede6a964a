package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
)

// RunBatch is everything one reconciliation run persists.
type RunBatch struct {
	RunID      string
	Source     string
	Versions   RunVersions
	Records    []*domain.LedgerRecord
	Quarantine []ledger.QuarantineEntry
	Summary    any
}

// LedgerRepository persists reconciliation output and reads it back.
type LedgerRepository interface {
	// SaveRun records the run, its enriched records and its quarantine.
	// A failed write removes the partial rows and marks the run FAILED.
	SaveRun(ctx context.Context, batch RunBatch) error

	// QueryLedgerByDateRange returns the latest version of each record in range.
	QueryLedgerByDateRange(ctx context.Context, startDate, endDate time.Time, userID string) ([]*domain.LedgerRecord, error)

	// DeleteRun removes all rows written by a run.
	DeleteRun(ctx context.Context, runID string) error

	Close() error
}

// BigQueryLedgerRepository is the BigQuery implementation of LedgerRepository.
// It holds one shared client for all operations.
type BigQueryLedgerRepository struct {
	client    *bigquery.Client
	datasetID string
}

// NewBigQueryLedgerRepository creates a repository with a shared BigQuery client.
func NewBigQueryLedgerRepository(ctx context.Context, projectID, datasetID string) (*BigQueryLedgerRepository, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryLedgerRepository: creating client: %w", err)
	}
	return &BigQueryLedgerRepository{client: client, datasetID: datasetID}, nil
}

// Close closes the BigQuery client connection.
func (r *BigQueryLedgerRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// SaveRun writes a run in order: runs row, records, quarantine, then success.
func (r *BigQueryLedgerRepository) SaveRun(ctx context.Context, batch RunBatch) error {
	log := logger.WithComponent(logger.FromContext(ctx), "bigquery")

	if err := StartRunWithClient(ctx, r.client, r.datasetID, batch.RunID, batch.Source, batch.Versions); err != nil {
		return fmt.Errorf("SaveRun: %w", err)
	}

	err := InsertLedgerRecordsWithClient(ctx, r.client, r.datasetID, batch.RunID, batch.Records)
	if err == nil {
		err = InsertQuarantineWithClient(ctx, r.client, r.datasetID, batch.RunID, batch.Quarantine)
	}
	if err == nil {
		err = MarkRunSucceededWithClient(ctx, r.client, r.datasetID, batch.RunID, batch.Summary)
	}
	if err != nil {
		MarkRunFailedWithClient(ctx, r.client, r.datasetID, batch.RunID, err)
		if delErr := r.deleteRows(ctx, batch.RunID); delErr != nil {
			log.Error().Err(delErr).Str("run_id", batch.RunID).Msg("failed to remove partial run rows")
		}
		return fmt.Errorf("SaveRun: %w", err)
	}

	log.Info().
		Str("run_id", batch.RunID).
		Int("records", len(batch.Records)).
		Int("quarantined", len(batch.Quarantine)).
		Msg("run saved")
	return nil
}

// deleteRows drops records and quarantine of a run but keeps the FAILED runs row.
func (r *BigQueryLedgerRepository) deleteRows(ctx context.Context, runID string) error {
	for _, name := range []string{recordsTable, quarantineTable} {
		q := r.client.Query(fmt.Sprintf(`DELETE FROM %s WHERE run_id = @run_id`, table(r.client, r.datasetID, name)))
		q.Parameters = []bigquery.QueryParameter{{Name: "run_id", Value: runID}}
		if err := runDML(ctx, q); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// QueryLedgerByDateRange delegates to QueryLedgerByDateRangeWithClient with the shared client.
func (r *BigQueryLedgerRepository) QueryLedgerByDateRange(ctx context.Context, startDate, endDate time.Time, userID string) ([]*domain.LedgerRecord, error) {
	return QueryLedgerByDateRangeWithClient(ctx, r.client, r.datasetID, startDate, endDate, userID)
}

// DeleteRun delegates to DeleteRunWithClient with the shared client.
func (r *BigQueryLedgerRepository) DeleteRun(ctx context.Context, runID string) error {
	return DeleteRunWithClient(ctx, r.client, r.datasetID, runID)
}

var _ LedgerRepository = (*BigQueryLedgerRepository)(nil)
