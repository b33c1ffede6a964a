package gcsuploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
)

// LoadRawBatch fetches a JSON array or JSON lines batch and decodes its rows.
func LoadRawBatch(ctx context.Context, svc StorageService, gcsURI string) ([]ledger.RawRecord, error) {
	data, err := svc.FetchFromGCS(ctx, gcsURI)
	if err != nil {
		return nil, fmt.Errorf("LoadRawBatch: %w", err)
	}
	raws, err := ledger.DecodeRaw(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("LoadRawBatch: %s: %w", gcsURI, err)
	}
	return raws, nil
}

// RunOutputPrefix is the object prefix holding the output of one run.
func RunOutputPrefix(runID string) string {
	return path.Join("runs", runID)
}

// SaveRunOutput uploads the enriched ledger and the quarantine of a run and
// returns the gs:// URI of the ledger object.
func SaveRunOutput(ctx context.Context, svc StorageService, bucket, runID string, records []*domain.LedgerRecord, quarantine []ledger.QuarantineEntry) (string, error) {
	var buf bytes.Buffer
	if err := ledger.EncodeLedger(&buf, records); err != nil {
		return "", fmt.Errorf("SaveRunOutput: encoding ledger: %w", err)
	}
	ledgerObject := path.Join(RunOutputPrefix(runID), "ledger.json")
	if err := svc.UploadBytes(ctx, bucket, ledgerObject, "application/json", buf.Bytes()); err != nil {
		return "", fmt.Errorf("SaveRunOutput: uploading ledger: %w", err)
	}

	if len(quarantine) > 0 {
		q, err := json.MarshalIndent(quarantine, "", "  ")
		if err != nil {
			return "", fmt.Errorf("SaveRunOutput: encoding quarantine: %w", err)
		}
		object := path.Join(RunOutputPrefix(runID), "quarantine.json")
		if err := svc.UploadBytes(ctx, bucket, object, "application/json", q); err != nil {
			return "", fmt.Errorf("SaveRunOutput: uploading quarantine: %w", err)
		}
	}

	return fmt.Sprintf("gs://%s/%s", bucket, ledgerObject), nil
}
