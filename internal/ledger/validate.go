package ledger

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
)

// ReasonCode classifies why a record was quarantined.
type ReasonCode string

const (
	ReasonMissingField     ReasonCode = "missing_field"
	ReasonInvalidTimestamp ReasonCode = "invalid_timestamp"
	ReasonInvalidAmount    ReasonCode = "invalid_amount"
	ReasonInvalidDirection ReasonCode = "invalid_direction"
	ReasonInvalidStatus    ReasonCode = "invalid_status"
	ReasonDuplicateID      ReasonCode = "duplicate_transaction_id"
	ReasonPartitionFailed  ReasonCode = "partition_failed"
)

// timestampLayouts are tried in order; zone-less values are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04",
	"2006-01-02",
}

// RecordError is a validation failure carrying its quarantine reason.
type RecordError struct {
	Reason ReasonCode
	Field  string
	Detail string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Reason, e.Field, e.Detail)
}

func (e *RecordError) Unwrap() error {
	return domain.ErrValidation
}

// Validator turns raw rows into ledger records.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a validator for raw records.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &Validator{v: v}
}

// ToRecord validates a raw row and builds a RAW ledger record from it.
func (val *Validator) ToRecord(raw RawRecord) (*domain.LedgerRecord, error) {
	raw = trimRaw(raw)

	if err := val.v.Struct(raw); err != nil {
		return nil, structError(err)
	}

	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, &RecordError{Reason: ReasonInvalidTimestamp, Field: "timestamp", Detail: err.Error()}
	}

	amount, err := parseAmount(string(raw.Amount))
	if err != nil {
		return nil, &RecordError{Reason: ReasonInvalidAmount, Field: "amount", Detail: err.Error()}
	}
	if !amount.IsPositive() {
		return nil, &RecordError{Reason: ReasonInvalidAmount, Field: "amount", Detail: "amount must be positive"}
	}

	platformRefund := decimal.Zero
	if raw.PlatformRefundAmount != "" {
		platformRefund, err = parseAmount(string(raw.PlatformRefundAmount))
		if err != nil {
			return nil, &RecordError{Reason: ReasonInvalidAmount, Field: "platform_refund_amount", Detail: err.Error()}
		}
		if platformRefund.GreaterThan(amount) {
			platformRefund = amount
		}
	}

	return &domain.LedgerRecord{
		Platform:             strings.ToLower(raw.Platform),
		UserID:               raw.UserID,
		TransactionID:        string(raw.TransactionID),
		Timestamp:            ts,
		Direction:            domain.Direction(raw.Direction),
		Amount:               amount,
		Counterparty:         raw.Counterparty,
		Description:          raw.Description,
		PaymentMethod:        raw.PaymentMethod,
		Status:               domain.Status(raw.Status),
		PlatformCategory:     raw.PlatformCategory,
		PlatformTxType:       raw.PlatformTxType,
		ExplicitLinkID:       string(raw.ExplicitLinkID),
		PlatformRefundAmount: platformRefund,
		State:                domain.StateRaw,
	}, nil
}

// ParseTimestamp accepts RFC 3339 and the common export layouts.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.NewReplacer(",", "", "¥", "", "￥", "").Replace(strings.TrimSpace(s))
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a number: %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %s", d)
	}
	return d, nil
}

func trimRaw(raw RawRecord) RawRecord {
	raw.Platform = strings.TrimSpace(raw.Platform)
	raw.UserID = strings.TrimSpace(raw.UserID)
	raw.TransactionID = Scalar(strings.TrimSpace(string(raw.TransactionID)))
	raw.Timestamp = strings.TrimSpace(raw.Timestamp)
	raw.Amount = Scalar(strings.TrimSpace(string(raw.Amount)))
	raw.Direction = strings.ToLower(strings.TrimSpace(raw.Direction))
	raw.Status = strings.ToLower(strings.TrimSpace(raw.Status))
	raw.ExplicitLinkID = Scalar(strings.TrimSpace(string(raw.ExplicitLinkID)))
	raw.PlatformRefundAmount = Scalar(strings.TrimSpace(string(raw.PlatformRefundAmount)))
	return raw
}

func structError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("ToRecord: %w: %v", domain.ErrValidation, err)
	}

	fe := verrs[0]
	field := fe.Field()
	if fe.Tag() == "required" {
		return &RecordError{Reason: ReasonMissingField, Field: field, Detail: "required field is empty"}
	}

	switch field {
	case "direction":
		return &RecordError{Reason: ReasonInvalidDirection, Field: field, Detail: fmt.Sprintf("unsupported direction %q", fe.Value())}
	case "status":
		return &RecordError{Reason: ReasonInvalidStatus, Field: field, Detail: fmt.Sprintf("unsupported status %q", fe.Value())}
	}
	return &RecordError{Reason: ReasonMissingField, Field: field, Detail: fe.Error()}
}
