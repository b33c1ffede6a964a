package handlers

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	infraBQ "github.com/dvloznov/ledger-reconciler/internal/infra/bigquery"
	"github.com/dvloznov/ledger-reconciler/internal/report"
	"github.com/dvloznov/ledger-reconciler/internal/workspace"
)

const (
	SourceWorkspace = "workspace"
	SourceWarehouse = "warehouse"
)

// RecordSource yields the ledger that queries and reports run over. The
// filter lets a source narrow its read; callers still apply it afterwards.
type RecordSource interface {
	Records(ctx context.Context, f report.Filter) ([]*domain.LedgerRecord, error)
}

// WorkspaceSource reads the in-process ledger of the latest run.
type WorkspaceSource struct {
	WS *workspace.Workspace
}

func (s WorkspaceSource) Records(ctx context.Context, f report.Filter) ([]*domain.LedgerRecord, error) {
	return s.WS.Records(), nil
}

// WarehouseSource reads persisted runs from BigQuery. Without a date or year
// filter it reads the trailing year.
type WarehouseSource struct {
	Repo infraBQ.LedgerRepository
	Now  func() time.Time
}

func (s WarehouseSource) Records(ctx context.Context, f report.Filter) ([]*domain.LedgerRecord, error) {
	start, end := s.window(f)
	records, err := s.Repo.QueryLedgerByDateRange(ctx, start, end, f.UserID)
	if err != nil {
		return nil, fmt.Errorf("WarehouseSource: %w", err)
	}
	return records, nil
}

func (s WarehouseSource) window(f report.Filter) (time.Time, time.Time) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	end := now().UTC()
	start := end.AddDate(-1, 0, 0)

	if f.Year != 0 {
		start = time.Date(f.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0).Add(-time.Nanosecond)
	}
	if !f.DateFrom.IsZero() {
		start = f.DateFrom
	}
	if !f.DateTo.IsZero() {
		end = f.DateTo.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return start, end
}

// Sources picks a RecordSource by the "source" query parameter.
type Sources struct {
	Workspace RecordSource
	Warehouse RecordSource // nil when BigQuery is not configured
}

func (s Sources) pick(name string) (RecordSource, error) {
	switch name {
	case "", SourceWorkspace:
		return s.Workspace, nil
	case SourceWarehouse:
		if s.Warehouse == nil {
			return nil, fmt.Errorf("warehouse source is not configured: %w", domain.ErrValidation)
		}
		return s.Warehouse, nil
	default:
		return nil, fmt.Errorf("unknown source %q: %w", name, domain.ErrValidation)
	}
}

// load resolves the source and filter from the query and returns the
// filtered records.
func (s Sources) load(ctx context.Context, q url.Values) ([]*domain.LedgerRecord, report.Filter, error) {
	f, err := report.ParseFilter(q)
	if err != nil {
		return nil, f, err
	}
	src, err := s.pick(q.Get("source"))
	if err != nil {
		return nil, f, err
	}
	records, err := src.Records(ctx, f)
	if err != nil {
		return nil, f, err
	}
	return f.Apply(records), f, nil
}
