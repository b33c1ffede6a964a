package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
)

const (
	recordsTable    = "records"
	quarantineTable = "quarantine"
	runsTable       = "runs"
	dateFormat      = "2006-01-02"

	// insertChunk bounds rows per streaming insert request.
	insertChunk = 500
)

// table renders a fully qualified, backtick-quoted table name.
func table(client *bigquery.Client, datasetID, name string) string {
	return fmt.Sprintf("`%s.%s.%s`", client.Project(), datasetID, name)
}

// InsertLedgerRecords inserts enriched records of a run into ledger.records.
func InsertLedgerRecords(ctx context.Context, projectID, datasetID, runID string, records []*domain.LedgerRecord) error {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return fmt.Errorf("InsertLedgerRecords: bigquery client: %w", err)
	}
	defer client.Close()

	return InsertLedgerRecordsWithClient(ctx, client, datasetID, runID, records)
}

// InsertLedgerRecordsWithClient inserts enriched records using the provided client.
func InsertLedgerRecordsWithClient(ctx context.Context, client *bigquery.Client, datasetID, runID string, records []*domain.LedgerRecord) error {
	if len(records) == 0 {
		return nil
	}

	processed := time.Now().UTC()
	rows := make([]*LedgerRow, 0, len(records))
	for _, rec := range records {
		row, err := NewLedgerRow(runID, rec, processed)
		if err != nil {
			return fmt.Errorf("InsertLedgerRecords: %w", err)
		}
		rows = append(rows, row)
	}

	inserter := client.Dataset(datasetID).Table(recordsTable).Inserter()
	for start := 0; start < len(rows); start += insertChunk {
		end := min(start+insertChunk, len(rows))
		if err := inserter.Put(ctx, rows[start:end]); err != nil {
			return fmt.Errorf("InsertLedgerRecords: inserting rows %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// InsertQuarantineWithClient inserts the quarantine entries of a run.
func InsertQuarantineWithClient(ctx context.Context, client *bigquery.Client, datasetID, runID string, entries []ledger.QuarantineEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := NewQuarantineRows(runID, entries, time.Now().UTC())
	if err := client.Dataset(datasetID).Table(quarantineTable).Inserter().Put(ctx, rows); err != nil {
		return fmt.Errorf("InsertQuarantine: inserting rows: %w", err)
	}
	return nil
}

// QueryLedgerByDateRange reads the latest stored version of each record whose
// transaction date falls within [startDate, endDate]. An empty userID reads all users.
func QueryLedgerByDateRange(ctx context.Context, projectID, datasetID string, startDate, endDate time.Time, userID string) ([]*domain.LedgerRecord, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("QueryLedgerByDateRange: bigquery client: %w", err)
	}
	defer client.Close()

	return QueryLedgerByDateRangeWithClient(ctx, client, datasetID, startDate, endDate, userID)
}

// QueryLedgerByDateRangeWithClient is QueryLedgerByDateRange on the provided client.
// Rows from failed runs are ignored.
func QueryLedgerByDateRangeWithClient(ctx context.Context, client *bigquery.Client, datasetID string, startDate, endDate time.Time, userID string) ([]*domain.LedgerRecord, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT r.*
		FROM %s r
		INNER JOIN %s runs
		  ON r.run_id = runs.run_id
		WHERE r.tx_date >= @start_date
		  AND r.tx_date <= @end_date
		  AND (@user_id = '' OR r.user_id = @user_id)
		  AND runs.status = 'SUCCESS'
		QUALIFY ROW_NUMBER() OVER (
			PARTITION BY r.platform, r.transaction_id
			ORDER BY r.processed_ts DESC
		) = 1
		ORDER BY r.platform, r.user_id, r.tx_timestamp, r.transaction_id
	`, table(client, datasetID, recordsTable), table(client, datasetID, runsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "start_date", Value: startDate.Format(dateFormat)},
		{Name: "end_date", Value: endDate.Format(dateFormat)},
		{Name: "user_id", Value: userID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryLedgerByDateRange: query read: %w", err)
	}

	var records []*domain.LedgerRecord
	for {
		var row LedgerRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryLedgerByDateRange: iter next: %w", err)
		}
		rec, err := row.ToRecord()
		if err != nil {
			return nil, fmt.Errorf("QueryLedgerByDateRange: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteRunWithClient removes every row written by a run: records, quarantine, then the run itself.
func DeleteRunWithClient(ctx context.Context, client *bigquery.Client, datasetID, runID string) error {
	for _, name := range []string{recordsTable, quarantineTable, runsTable} {
		q := client.Query(fmt.Sprintf(`DELETE FROM %s WHERE run_id = @run_id`, table(client, datasetID, name)))
		q.Parameters = []bigquery.QueryParameter{{Name: "run_id", Value: runID}}
		if err := runDML(ctx, q); err != nil {
			return fmt.Errorf("DeleteRun: %s: %w", name, err)
		}
	}
	return nil
}

func runDML(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("run query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
