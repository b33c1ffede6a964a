package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the money flow of a record as reported by the platform.
type Direction string

const (
	DirectionInflow  Direction = "inflow"
	DirectionOutflow Direction = "outflow"
	// DirectionNeutral covers platform rows that move money without income or
	// expense semantics (wallet sweeps, pre-authorisations).
	DirectionNeutral Direction = "neutral"
)

// Status is the platform settlement status.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
)

// Track is the accounting bucket of a record.
type Track string

const (
	TrackConsumption Track = "consumption"
	TrackCashflow    Track = "cashflow"
	TrackRefund      Track = "refund"
)

// Provenance is the origin of a category assignment.
type Provenance string

const (
	ProvenanceAuto   Provenance = "auto"
	ProvenanceManual Provenance = "manual"
)

// MatchStatus describes how a record took part in refund netting.
type MatchStatus string

const (
	MatchUnmatched MatchStatus = "unmatched"
	MatchExact     MatchStatus = "matched_exact"
	MatchHeuristic MatchStatus = "matched_heuristic"
)

// State is the classification lifecycle of a record.
type State string

const (
	StateRaw           State = "RAW"
	StateNetted        State = "NETTED"
	StateTrackAssigned State = "TRACK_ASSIGNED"
	StateCategorized   State = "CATEGORIZED"
	StatePending       State = "PENDING"
	StateConfirmed     State = "CONFIRMED"
)

// RefundApplication is one refund subtracted from an original record.
type RefundApplication struct {
	RefundID string          `json:"refund_id"`
	Amount   decimal.Decimal `json:"amount"`
	Tier     MatchStatus     `json:"tier"`
}

// LedgerRecord is one payment-export line. Raw fields are set once by the
// parsing collaborator; derived fields are owned by the reconciliation stages.
type LedgerRecord struct {
	Platform      string    `json:"platform"`
	UserID        string    `json:"user_id"`
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`

	Direction            Direction       `json:"direction"`
	Amount               decimal.Decimal `json:"amount"`
	Counterparty         string          `json:"counterparty"`
	Description          string          `json:"description"`
	PaymentMethod        string          `json:"payment_method"`
	Status               Status          `json:"status"`
	PlatformCategory     string          `json:"platform_category"`
	PlatformTxType       string          `json:"platform_tx_type,omitempty"`
	ExplicitLinkID       string          `json:"explicit_link_id,omitempty"`
	PlatformRefundAmount decimal.Decimal `json:"platform_refund_amount"`

	EffectiveAmount    decimal.Decimal     `json:"effective_amount"`
	Track              Track               `json:"track"`
	IsConsumption      bool                `json:"is_consumption"`
	CategoryL1         string              `json:"category_l1"`
	CategoryL2         string              `json:"category_l2"`
	CategoryProvenance Provenance          `json:"category_provenance"`
	MatchStatus        MatchStatus         `json:"match_status"`
	MatchedAgainst     string              `json:"matched_against,omitempty"`
	AppliedRefunds     []RefundApplication `json:"applied_refunds,omitempty"`
	State              State               `json:"state"`
	NeedsReview        bool                `json:"needs_review"`
	TrackRule          string              `json:"track_rule,omitempty"`
	CategoryRule       string              `json:"category_rule,omitempty"`
}

// Key returns the arena key of the record. Transaction ids are unique per platform.
func (r *LedgerRecord) Key() RecordKey {
	return RecordKey{Platform: r.Platform, TransactionID: r.TransactionID}
}

// SetTrack assigns the track and keeps IsConsumption consistent with it.
func (r *LedgerRecord) SetTrack(t Track, rule string) {
	r.Track = t
	r.IsConsumption = t == TrackConsumption
	r.TrackRule = rule
}

// IsManual reports whether the category is protected from automatic passes.
func (r *LedgerRecord) IsManual() bool {
	return r.CategoryProvenance == ProvenanceManual
}

// AppliedTotal sums every refund applied to this record.
func (r *LedgerRecord) AppliedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.AppliedRefunds {
		total = total.Add(a.Amount)
	}
	return total
}

// HasApplied reports whether the refund id was already subtracted from this record.
func (r *LedgerRecord) HasApplied(refundID string) bool {
	for _, a := range r.AppliedRefunds {
		if a.RefundID == refundID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hand records across goroutines.
func (r *LedgerRecord) Clone() *LedgerRecord {
	c := *r
	if r.AppliedRefunds != nil {
		c.AppliedRefunds = append([]RefundApplication(nil), r.AppliedRefunds...)
	}
	return &c
}

// RecordKey addresses a record across platforms.
type RecordKey struct {
	Platform      string
	TransactionID string
}

func (k RecordKey) String() string {
	return k.Platform + "/" + k.TransactionID
}

// PartitionKey identifies the unit of independent processing.
type PartitionKey struct {
	Platform string `json:"platform"`
	UserID   string `json:"user_id"`
}

func (k PartitionKey) String() string {
	return k.Platform + "/" + k.UserID
}
