package bigquery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
)

// numericScale is the fractional precision of a BigQuery NUMERIC column.
const numericScale = 9

// LedgerRow is one enriched record as stored in ledger.records.
type LedgerRow struct {
	RunID         string `bigquery:"run_id"`         // REQUIRED
	Platform      string `bigquery:"platform"`       // REQUIRED
	UserID        string `bigquery:"user_id"`        // REQUIRED
	TransactionID string `bigquery:"transaction_id"` // REQUIRED

	TxTimestamp time.Time  `bigquery:"tx_timestamp"` // REQUIRED
	TxDate      civil.Date `bigquery:"tx_date"`      // REQUIRED, partition column

	Direction string `bigquery:"direction"`
	Status    string `bigquery:"status"`

	Amount               *big.Rat `bigquery:"amount"`                 // REQUIRED NUMERIC
	EffectiveAmount      *big.Rat `bigquery:"effective_amount"`       // REQUIRED NUMERIC
	PlatformRefundAmount *big.Rat `bigquery:"platform_refund_amount"` // NUMERIC

	Counterparty     string              `bigquery:"counterparty"`
	Description      string              `bigquery:"description"`
	PaymentMethod    string              `bigquery:"payment_method"`
	PlatformCategory string              `bigquery:"platform_category"`
	PlatformTxType   bigquery.NullString `bigquery:"platform_tx_type"`
	ExplicitLinkID   bigquery.NullString `bigquery:"explicit_link_id"`

	Track              string              `bigquery:"track"`
	IsConsumption      bool                `bigquery:"is_consumption"`
	CategoryL1         bigquery.NullString `bigquery:"category_l1"`
	CategoryL2         bigquery.NullString `bigquery:"category_l2"`
	CategoryProvenance string              `bigquery:"category_provenance"`
	MatchStatus        string              `bigquery:"match_status"`
	MatchedAgainst     bigquery.NullString `bigquery:"matched_against"`
	AppliedRefunds     bigquery.NullJSON   `bigquery:"applied_refunds"`
	State              string              `bigquery:"state"`
	NeedsReview        bool                `bigquery:"needs_review"`
	TrackRule          string              `bigquery:"track_rule"`
	CategoryRule       string              `bigquery:"category_rule"`

	ProcessedTS time.Time `bigquery:"processed_ts"` // REQUIRED
}

// QuarantineRow is one rejected input row or failed partition.
type QuarantineRow struct {
	RunID         string              `bigquery:"run_id"`
	RowIndex      int64               `bigquery:"row_index"` // -1 for partition failures
	Platform      bigquery.NullString `bigquery:"platform"`
	UserID        bigquery.NullString `bigquery:"user_id"`
	TransactionID bigquery.NullString `bigquery:"transaction_id"`
	Reason        string              `bigquery:"reason"`
	Detail        string              `bigquery:"detail"`
	QuarantinedTS time.Time           `bigquery:"quarantined_ts"`
}

// RunRow tracks one reconciliation run.
type RunRow struct {
	RunID  string `bigquery:"run_id"` // REQUIRED
	Source string `bigquery:"source"` // gs:// uri, file path or "api"

	StartedTS  time.Time              `bigquery:"started_ts"`  // REQUIRED
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	Status       string `bigquery:"status"`
	ErrorMessage string `bigquery:"error_message"`

	TrackVersion    string `bigquery:"track_version"`
	TaxonomyVersion string `bigquery:"taxonomy_version"`

	Summary bigquery.NullJSON `bigquery:"summary"` // NULLABLE JSON
}

// NewLedgerRow converts an enriched record for insertion.
func NewLedgerRow(runID string, rec *domain.LedgerRecord, processed time.Time) (*LedgerRow, error) {
	row := &LedgerRow{
		RunID:                runID,
		Platform:             rec.Platform,
		UserID:               rec.UserID,
		TransactionID:        rec.TransactionID,
		TxTimestamp:          rec.Timestamp,
		TxDate:               civil.DateOf(rec.Timestamp),
		Direction:            string(rec.Direction),
		Status:               string(rec.Status),
		Amount:               rec.Amount.Rat(),
		EffectiveAmount:      rec.EffectiveAmount.Rat(),
		PlatformRefundAmount: rec.PlatformRefundAmount.Rat(),
		Counterparty:         rec.Counterparty,
		Description:          rec.Description,
		PaymentMethod:        rec.PaymentMethod,
		PlatformCategory:     rec.PlatformCategory,
		PlatformTxType:       nullString(rec.PlatformTxType),
		ExplicitLinkID:       nullString(rec.ExplicitLinkID),
		Track:                string(rec.Track),
		IsConsumption:        rec.IsConsumption,
		CategoryL1:           nullString(rec.CategoryL1),
		CategoryL2:           nullString(rec.CategoryL2),
		CategoryProvenance:   string(rec.CategoryProvenance),
		MatchStatus:          string(rec.MatchStatus),
		MatchedAgainst:       nullString(rec.MatchedAgainst),
		State:                string(rec.State),
		NeedsReview:          rec.NeedsReview,
		TrackRule:            rec.TrackRule,
		CategoryRule:         rec.CategoryRule,
		ProcessedTS:          processed,
	}
	if len(rec.AppliedRefunds) > 0 {
		b, err := json.Marshal(rec.AppliedRefunds)
		if err != nil {
			return nil, fmt.Errorf("NewLedgerRow: %s: applied refunds: %w", rec.Key(), err)
		}
		row.AppliedRefunds = bigquery.NullJSON{JSONVal: string(b), Valid: true}
	}
	return row, nil
}

// ToRecord converts a stored row back into a ledger record.
func (r *LedgerRow) ToRecord() (*domain.LedgerRecord, error) {
	rec := &domain.LedgerRecord{
		Platform:             r.Platform,
		UserID:               r.UserID,
		TransactionID:        r.TransactionID,
		Timestamp:            r.TxTimestamp.UTC(),
		Direction:            domain.Direction(r.Direction),
		Amount:               fromRat(r.Amount),
		Counterparty:         r.Counterparty,
		Description:          r.Description,
		PaymentMethod:        r.PaymentMethod,
		Status:               domain.Status(r.Status),
		PlatformCategory:     r.PlatformCategory,
		PlatformTxType:       r.PlatformTxType.StringVal,
		ExplicitLinkID:       r.ExplicitLinkID.StringVal,
		PlatformRefundAmount: fromRat(r.PlatformRefundAmount),
		EffectiveAmount:      fromRat(r.EffectiveAmount),
		CategoryL1:           r.CategoryL1.StringVal,
		CategoryL2:           r.CategoryL2.StringVal,
		CategoryProvenance:   domain.Provenance(r.CategoryProvenance),
		MatchStatus:          domain.MatchStatus(r.MatchStatus),
		MatchedAgainst:       r.MatchedAgainst.StringVal,
		State:                domain.State(r.State),
		NeedsReview:          r.NeedsReview,
		CategoryRule:         r.CategoryRule,
	}
	rec.SetTrack(domain.Track(r.Track), r.TrackRule)
	if r.AppliedRefunds.Valid {
		if err := json.Unmarshal([]byte(r.AppliedRefunds.JSONVal), &rec.AppliedRefunds); err != nil {
			return nil, fmt.Errorf("ToRecord: %s: applied refunds: %w", rec.Key(), err)
		}
	}
	return rec, nil
}

// NewQuarantineRows converts quarantine entries for insertion.
func NewQuarantineRows(runID string, entries []ledger.QuarantineEntry, now time.Time) []*QuarantineRow {
	rows := make([]*QuarantineRow, 0, len(entries))
	for _, e := range entries {
		ts := e.QuarantinedAt
		if ts.IsZero() {
			ts = now
		}
		rows = append(rows, &QuarantineRow{
			RunID:         runID,
			RowIndex:      int64(e.Index),
			Platform:      nullString(e.Platform),
			UserID:        nullString(e.UserID),
			TransactionID: nullString(e.TransactionID),
			Reason:        string(e.Reason),
			Detail:        e.Detail,
			QuarantinedTS: ts,
		})
	}
	return rows
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func fromRat(r *big.Rat) decimal.Decimal {
	if r == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigRat(r, numericScale)
}
