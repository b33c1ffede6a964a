package bigquery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/ledger-reconciler/internal/logger"
)

const (
	RunStatusRunning = "RUNNING"
	RunStatusSuccess = "SUCCESS"
	RunStatusFailed  = "FAILED"

	maxErrorLen = 2000
)

// RunVersions records which rule versions produced a run.
type RunVersions struct {
	Track    string
	Taxonomy string
}

// StartRunWithClient inserts a runs row with status=RUNNING.
func StartRunWithClient(ctx context.Context, client *bigquery.Client, datasetID, runID, source string, v RunVersions) error {
	q := client.Query(fmt.Sprintf(`
		INSERT %s (
			run_id,
			source,
			started_ts,
			status,
			track_version,
			taxonomy_version
		)
		VALUES (
			@run_id,
			@source,
			@started_ts,
			@status,
			@track_version,
			@taxonomy_version
		)
	`, table(client, datasetID, runsTable)))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: runID},
		{Name: "source", Value: source},
		{Name: "started_ts", Value: time.Now().UTC()},
		{Name: "status", Value: RunStatusRunning},
		{Name: "track_version", Value: v.Track},
		{Name: "taxonomy_version", Value: v.Taxonomy},
	}

	if err := runDML(ctx, q); err != nil {
		return fmt.Errorf("StartRun: %w", err)
	}
	return nil
}

// MarkRunSucceededWithClient sets status=SUCCESS, finished_ts and the JSON summary.
func MarkRunSucceededWithClient(ctx context.Context, client *bigquery.Client, datasetID, runID string, summary any) error {
	b, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("MarkRunSucceeded: marshal summary: %w", err)
	}

	q := client.Query(fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = "",
		    summary = PARSE_JSON(@summary)
		WHERE run_id = @run_id
	`, table(client, datasetID, runsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: RunStatusSuccess},
		{Name: "finished_ts", Value: time.Now().UTC()},
		{Name: "summary", Value: string(b)},
		{Name: "run_id", Value: runID},
	}

	if err := runDML(ctx, q); err != nil {
		return fmt.Errorf("MarkRunSucceeded: %w", err)
	}
	return nil
}

// MarkRunFailedWithClient sets status=FAILED and the error message. Failures
// to record the failure are logged, not returned.
func MarkRunFailedWithClient(ctx context.Context, client *bigquery.Client, datasetID, runID string, runErr error) {
	log := logger.FromContext(ctx)

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		if len(errMsg) > maxErrorLen {
			errMsg = errMsg[:maxErrorLen]
		}
	}

	q := client.Query(fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = @error_message
		WHERE run_id = @run_id
	`, table(client, datasetID, runsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: RunStatusFailed},
		{Name: "finished_ts", Value: time.Now().UTC()},
		{Name: "error_message", Value: errMsg},
		{Name: "run_id", Value: runID},
	}

	if err := runDML(ctx, q); err != nil {
		log.Error().
			Err(err).
			Str("run_id", runID).
			Msg("MarkRunFailed: update failed")
	}
}
