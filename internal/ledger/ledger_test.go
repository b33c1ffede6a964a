package ledger

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
)

func validRaw() RawRecord {
	return RawRecord{
		Platform:      "Alipay",
		UserID:        "u1",
		TransactionID: "2024030122001",
		Timestamp:     "2024-03-01 12:30:00",
		Amount:        "100.50",
		Direction:     "outflow",
		Status:        "success",
		Counterparty:  "Shop X",
	}
}

func TestToRecord(t *testing.T) {
	val := NewValidator()

	tests := []struct {
		name       string
		mutate     func(r *RawRecord)
		wantReason ReasonCode
	}{
		{"valid", func(r *RawRecord) {}, ""},
		{"missing platform", func(r *RawRecord) { r.Platform = " " }, ReasonMissingField},
		{"missing transaction id", func(r *RawRecord) { r.TransactionID = "" }, ReasonMissingField},
		{"missing amount", func(r *RawRecord) { r.Amount = "" }, ReasonMissingField},
		{"bad timestamp", func(r *RawRecord) { r.Timestamp = "yesterday" }, ReasonInvalidTimestamp},
		{"bad amount", func(r *RawRecord) { r.Amount = "abc" }, ReasonInvalidAmount},
		{"negative amount", func(r *RawRecord) { r.Amount = "-3" }, ReasonInvalidAmount},
		{"zero amount", func(r *RawRecord) { r.Amount = "0" }, ReasonInvalidAmount},
		{"zero decimal amount", func(r *RawRecord) { r.Amount = "0.00" }, ReasonInvalidAmount},
		{"zero platform refund is allowed", func(r *RawRecord) { r.PlatformRefundAmount = "0" }, ""},
		{"bad direction", func(r *RawRecord) { r.Direction = "sideways" }, ReasonInvalidDirection},
		{"bad status", func(r *RawRecord) { r.Status = "pending" }, ReasonInvalidStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.mutate(&raw)

			rec, err := val.ToRecord(raw)
			if tt.wantReason == "" {
				require.NoError(t, err)
				assert.Equal(t, "alipay", rec.Platform)
				assert.True(t, rec.Amount.Equal(decimal.RequireFromString("100.5")))
				assert.Equal(t, domain.StateRaw, rec.State)
				assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), rec.Timestamp)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))
			var recErr *RecordError
			require.True(t, errors.As(err, &recErr))
			assert.Equal(t, tt.wantReason, recErr.Reason)
		})
	}
}

func TestPlatformRefundAmountIsCapped(t *testing.T) {
	raw := validRaw()
	raw.Status = "refunded"
	raw.PlatformRefundAmount = "500"

	rec, err := NewValidator().ToRecord(raw)
	require.NoError(t, err)
	assert.True(t, rec.PlatformRefundAmount.Equal(rec.Amount))
}

func TestIntakeQuarantinesAndDeduplicates(t *testing.T) {
	good := validRaw()
	dup := validRaw()
	bad := validRaw()
	bad.TransactionID = "t-bad"
	bad.Timestamp = ""

	q := &Quarantine{}
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	records := Intake([]RawRecord{good, bad, dup}, q, now)

	require.Len(t, records, 1)
	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, ReasonMissingField, entries[0].Reason)
	assert.Equal(t, 1, entries[0].Index)
	assert.Equal(t, ReasonDuplicateID, entries[1].Reason)
	assert.Equal(t, 2, entries[1].Index)
}

func TestDecodeRaw_ArrayAndLines(t *testing.T) {
	array := `[{"platform":"wechat","user_id":"u","transaction_id":123456,"timestamp":"2024-01-02","amount":12.5,"direction":"outflow","status":"success"}]`
	lines := "\ufeff" + `{"platform":"wechat","user_id":"u","transaction_id":"a","timestamp":"2024-01-02","amount":"1","direction":"inflow","status":"refunded"}` + "\n\n" +
		`{"platform":"wechat","user_id":"u","transaction_id":"b","timestamp":"2024-01-03","amount":null,"direction":"inflow","status":"refunded"}`

	got, err := DecodeRaw(strings.NewReader(array))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Scalar("123456"), got[0].TransactionID)
	assert.Equal(t, Scalar("12.5"), got[0].Amount)

	got, err = DecodeRaw(strings.NewReader(lines))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Scalar(""), got[1].Amount)
}

func TestLedgerRoundTrip(t *testing.T) {
	rec, err := NewValidator().ToRecord(validRaw())
	require.NoError(t, err)
	rec.EffectiveAmount = rec.Amount

	var buf bytes.Buffer
	require.NoError(t, EncodeLedger(&buf, []*domain.LedgerRecord{rec}))

	back, err := DecodeLedger(&buf)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, rec.Key(), back[0].Key())
	assert.True(t, back[0].EffectiveAmount.Equal(rec.Amount))
}

func rec(platform, user, id string, day int) *domain.LedgerRecord {
	return &domain.LedgerRecord{
		Platform:      platform,
		UserID:        user,
		TransactionID: id,
		Timestamp:     time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC),
		Amount:        decimal.NewFromInt(10),
	}
}

func TestArenaOrderingAndResolve(t *testing.T) {
	a, err := NewArena(
		rec("wechat", "u1", "w1", 3),
		rec("alipay", "u1", "a2", 2),
		rec("alipay", "u1", "a1", 2),
		rec("wechat", "u1", "a1", 1),
	)
	require.NoError(t, err)

	var ids []string
	for _, r := range a.Records() {
		ids = append(ids, r.Platform+":"+r.TransactionID)
	}
	assert.Equal(t, []string{"alipay:a1", "alipay:a2", "wechat:a1", "wechat:w1"}, ids)

	_, err = a.Resolve("", "a1")
	assert.ErrorIs(t, err, domain.ErrAmbiguous)

	key, err := a.Resolve("", "w1")
	require.NoError(t, err)
	assert.Equal(t, "wechat", key.Platform)

	_, err = a.Resolve("alipay", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestArenaRejectsDuplicates(t *testing.T) {
	_, err := NewArena(rec("alipay", "u1", "a1", 1), rec("alipay", "u2", "a1", 2))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestArenaUpdateAndSnapshotIsolation(t *testing.T) {
	a, err := NewArena(rec("alipay", "u1", "a1", 1))
	require.NoError(t, err)

	snap := a.Snapshot()
	key := domain.RecordKey{Platform: "alipay", TransactionID: "a1"}
	require.NoError(t, a.Update(key, func(r *domain.LedgerRecord) error {
		r.CategoryL1 = "餐饮美食"
		return nil
	}))

	live, _ := a.Get(key)
	assert.Equal(t, "餐饮美食", live.CategoryL1)
	assert.Empty(t, snap[0].CategoryL1)

	err = a.Update(domain.RecordKey{Platform: "alipay", TransactionID: "zz"}, func(*domain.LedgerRecord) error { return nil })
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSplitPartitions(t *testing.T) {
	parts, err := SplitPartitions([]*domain.LedgerRecord{
		rec("wechat", "u2", "w1", 1),
		rec("alipay", "u2", "a1", 1),
		rec("alipay", "u1", "a2", 1),
		rec("alipay", "u1", "a3", 2),
	})
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, domain.PartitionKey{Platform: "alipay", UserID: "u1"}, parts[0].Key)
	assert.Equal(t, 2, parts[0].Arena.Len())
	assert.Equal(t, domain.PartitionKey{Platform: "wechat", UserID: "u2"}, parts[2].Key)

	merged, err := Merge(parts)
	require.NoError(t, err)
	assert.Equal(t, 4, merged.Len())
}
