package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/gcsuploader"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
)

// fetchFunc reads a gs:// object.
type fetchFunc func(ctx context.Context, uri string) ([]byte, error)

// readInput reads a local file, stdin for "-", or a gs:// object through fetch.
func readInput(ctx context.Context, path string, fetch fetchFunc) ([]byte, error) {
	switch {
	case path == "-":
		return io.ReadAll(os.Stdin)
	case strings.HasPrefix(path, "gs://"):
		if fetch == nil {
			fetch = gcsuploader.FetchFromGCS
		}
		return fetch(ctx, path)
	default:
		return os.ReadFile(path)
	}
}

func readRaw(ctx context.Context, path string, fetch fetchFunc) ([]ledger.RawRecord, error) {
	data, err := readInput(ctx, path, fetch)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	raws, err := ledger.DecodeRaw(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return raws, nil
}

func readLedger(ctx context.Context, path string, fetch fetchFunc) ([]*domain.LedgerRecord, error) {
	data, err := readInput(ctx, path, fetch)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	records, err := ledger.DecodeLedger(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return records, nil
}

// writeOutput writes to path, or stdout when path is empty or "-".
func writeOutput(path string, write func(w io.Writer) error) error {
	if path == "" || path == "-" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeLedger(path string, records []*domain.LedgerRecord) error {
	return writeOutput(path, func(w io.Writer) error {
		return ledger.EncodeLedger(w, records)
	})
}

func writeJSON(path string, v any) error {
	return writeOutput(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}
