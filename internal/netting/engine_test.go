package netting

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
)

func testCtx() context.Context {
	return logger.WithContext(context.Background(), zerolog.Nop())
}

func day(d int) time.Time {
	return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).AddDate(0, 0, d-1)
}

func purchase(id, counterparty string, amount int64, d int) *domain.LedgerRecord {
	return &domain.LedgerRecord{
		Platform:      "alipay",
		UserID:        "u1",
		TransactionID: id,
		Timestamp:     day(d),
		Direction:     domain.DirectionOutflow,
		Amount:        decimal.NewFromInt(amount),
		Counterparty:  counterparty,
		Status:        domain.StatusSuccess,
		State:         domain.StateRaw,
	}
}

func refund(id, counterparty string, amount int64, d int) *domain.LedgerRecord {
	r := purchase(id, counterparty, amount, d)
	r.Direction = domain.DirectionInflow
	r.Status = domain.StatusRefunded
	return r
}

func linked(id, link string, amount int64, d int) *domain.LedgerRecord {
	r := refund(id, "", amount, d)
	r.ExplicitLinkID = link
	return r
}

func net(t *testing.T, records ...*domain.LedgerRecord) (*ledger.Arena, *Result) {
	t.Helper()
	arena, err := ledger.NewArena(records...)
	require.NoError(t, err)
	res, err := NewEngine(DefaultConfig()).Net(testCtx(), arena)
	require.NoError(t, err)
	return arena, res
}

func get(t *testing.T, a *ledger.Arena, id string) *domain.LedgerRecord {
	t.Helper()
	r, ok := a.Get(domain.RecordKey{Platform: "alipay", TransactionID: id})
	require.True(t, ok, "record %s", id)
	return r
}

func TestScenarioA_HeuristicFullRefund(t *testing.T) {
	arena, res := net(t,
		purchase("p1", "Shop X", 100, 1),
		refund("r1", "Shop X (refund)", 100, 20),
	)

	orig, ref := get(t, arena, "p1"), get(t, arena, "r1")
	assert.Equal(t, domain.MatchHeuristic, ref.MatchStatus)
	assert.Equal(t, domain.MatchHeuristic, orig.MatchStatus)
	assert.Equal(t, "p1", ref.MatchedAgainst)
	assert.True(t, orig.EffectiveAmount.IsZero())
	assert.Equal(t, domain.TrackRefund, ref.Track)
	assert.False(t, ref.IsConsumption)
	assert.Equal(t, 1, res.Heuristic)
}

func TestScenarioB_ExplicitLinkIgnoresTextAndDistance(t *testing.T) {
	arena, res := net(t,
		purchase("p1", "Completely Different Merchant", 80, 1),
		func() *domain.LedgerRecord {
			r := linked("r1", "p1", 80, 28)
			r.Timestamp = day(1).AddDate(0, 4, 0)
			r.Counterparty = "zzz"
			return r
		}(),
	)

	ref := get(t, arena, "r1")
	assert.Equal(t, domain.MatchExact, ref.MatchStatus)
	assert.Equal(t, domain.MatchExact, get(t, arena, "p1").MatchStatus)
	assert.Equal(t, "p1", ref.MatchedAgainst)
	assert.Equal(t, 1, res.Exact)
}

func TestScenarioC_PartialRefundsAndReprocessing(t *testing.T) {
	arena, res := net(t,
		purchase("p1", "Shop Y", 100, 1),
		linked("r1", "p1", 30, 3),
		refund("r2", "Shop Y", 40, 5),
	)

	orig := get(t, arena, "p1")
	assert.True(t, orig.EffectiveAmount.Equal(decimal.NewFromInt(30)), "got %s", orig.EffectiveAmount)
	assert.Equal(t, domain.MatchExact, get(t, arena, "r1").MatchStatus)
	assert.Equal(t, domain.MatchHeuristic, get(t, arena, "r2").MatchStatus)
	assert.Equal(t, domain.MatchExact, orig.MatchStatus)
	require.Len(t, orig.AppliedRefunds, 2)
	assert.Equal(t, 0, res.Duplicates)

	// Second pass over the processed arena must not subtract again.
	res2, err := NewEngine(DefaultConfig()).Net(testCtx(), arena)
	require.NoError(t, err)
	assert.True(t, orig.EffectiveAmount.Equal(decimal.NewFromInt(30)))
	assert.Len(t, orig.AppliedRefunds, 2)
	assert.Equal(t, 2, res2.Duplicates)
	assert.Equal(t, domain.MatchHeuristic, get(t, arena, "r2").MatchStatus)
}

func TestTier1FloorsAtZero(t *testing.T) {
	arena, _ := net(t,
		purchase("p1", "Shop", 50, 1),
		linked("r1", "p1", 30, 2),
		linked("r2", "p1", 40, 3),
	)
	orig := get(t, arena, "p1")
	assert.True(t, orig.EffectiveAmount.IsZero())
	assert.True(t, orig.AppliedTotal().Equal(decimal.NewFromInt(70)))
}

func TestTier2Constraints(t *testing.T) {
	tests := []struct {
		name     string
		original *domain.LedgerRecord
		refund   *domain.LedgerRecord
	}{
		{"outside window", purchase("p1", "Shop X", 100, 1), refund("r1", "Shop X", 100, 40)},
		{"amount exceeds remaining", purchase("p1", "Shop X", 50, 1), refund("r1", "Shop X", 60, 2)},
		{"dissimilar counterparty", purchase("p1", "Shop X", 100, 1), refund("r1", "Metro Card", 10, 2)},
		{"candidate not successful", func() *domain.LedgerRecord {
			p := purchase("p1", "Shop X", 100, 1)
			p.Status = domain.StatusCancelled
			return p
		}(), refund("r1", "Shop X", 10, 2)},
		{"candidate is income", func() *domain.LedgerRecord {
			p := purchase("p1", "Shop X", 100, 1)
			p.Direction = domain.DirectionInflow
			p.Status = domain.StatusSuccess
			return p
		}(), refund("r1", "Shop X", 10, 2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arena, res := net(t, tt.original, tt.refund)
			ref := get(t, arena, "r1")
			assert.Equal(t, domain.MatchUnmatched, ref.MatchStatus)
			assert.True(t, ref.NeedsReview)
			assert.Equal(t, domain.TrackRefund, ref.Track)
			assert.Empty(t, ref.MatchedAgainst)
			assert.True(t, ref.EffectiveAmount.Equal(ref.Amount))
			assert.Equal(t, 1, res.Unmatched)
			require.NotEmpty(t, res.Notices)
			assert.Equal(t, NoticeUnmatched, res.Notices[len(res.Notices)-1].Kind)
		})
	}
}

func TestWindowIsSymmetric(t *testing.T) {
	arena, _ := net(t,
		refund("r1", "Shop X", 20, 1),
		purchase("p1", "Shop X", 20, 25),
	)
	assert.Equal(t, domain.MatchHeuristic, get(t, arena, "r1").MatchStatus)
}

func TestTieBreakNearestTimestamp(t *testing.T) {
	arena, res := net(t,
		purchase("p-far", "Shop X", 100, 1),
		purchase("p-near", "Shop X", 100, 15),
		refund("r1", "Shop X", 50, 18),
	)

	assert.Equal(t, "p-near", get(t, arena, "r1").MatchedAgainst)
	require.Len(t, res.Notices, 1)
	assert.Equal(t, NoticeLowConfidence, res.Notices[0].Kind)
}

func TestTieBreakPrefersHigherSimilarity(t *testing.T) {
	arena, res := net(t,
		purchase("p-best", "Coffee House", 100, 1),
		purchase("p-close", "Coffee Housf", 100, 17),
		refund("r1", "Coffee House", 50, 18),
	)

	assert.Equal(t, "p-best", get(t, arena, "r1").MatchedAgainst)
	assert.Empty(t, res.Notices)
}

func TestTieBreakEqualDistanceFallsBackToEarlierThenID(t *testing.T) {
	arena, _ := net(t,
		purchase("p-b", "Shop X", 100, 10),
		purchase("p-a", "Shop X", 100, 10),
		refund("r1", "Shop X", 50, 12),
	)
	assert.Equal(t, "p-a", get(t, arena, "r1").MatchedAgainst)
}

func TestDeterministicAcrossInputOrder(t *testing.T) {
	build := func(reverse bool) []*domain.LedgerRecord {
		recs := []*domain.LedgerRecord{
			purchase("p1", "Shop X", 100, 1),
			purchase("p2", "Shop X", 100, 3),
			refund("r1", "Shop X", 60, 2),
			refund("r2", "Shop X", 60, 2),
		}
		if reverse {
			for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
				recs[i], recs[j] = recs[j], recs[i]
			}
		}
		return recs
	}

	a1, _ := net(t, build(false)...)
	a2, _ := net(t, build(true)...)
	for _, id := range []string{"r1", "r2"} {
		assert.Equal(t, get(t, a1, id).MatchedAgainst, get(t, a2, id).MatchedAgainst, id)
	}
	assert.NotEqual(t, get(t, a1, "r1").MatchedAgainst, get(t, a1, "r2").MatchedAgainst)
}

func TestCompoundRefundID(t *testing.T) {
	assert.Equal(t, "2024030122001400", CompoundOriginalID("2024030122001400_R1"))
	assert.Equal(t, "2024030122001400", CompoundOriginalID("2024030122001400*7"))
	assert.Empty(t, CompoundOriginalID("short_1"))
	assert.Empty(t, CompoundOriginalID("2024030122001400"))

	r := refund("2024030122001400_R1", "", 25, 9)
	r.Direction = domain.DirectionNeutral
	arena, res := net(t,
		purchase("2024030122001400", "Shop", 100, 1),
		r,
	)
	assert.Equal(t, domain.MatchExact, get(t, arena, "2024030122001400_R1").MatchStatus)
	assert.True(t, get(t, arena, "2024030122001400").EffectiveAmount.Equal(decimal.NewFromInt(75)))
	assert.Equal(t, 1, res.Exact)
}

func TestUnresolvedLinkFallsBackToHeuristic(t *testing.T) {
	r := linked("r1", "missing", 10, 2)
	r.Counterparty = "Shop X"
	arena, res := net(t, purchase("p1", "Shop X", 10, 1), r)

	assert.Equal(t, domain.MatchHeuristic, get(t, arena, "r1").MatchStatus)
	require.NotEmpty(t, res.Notices)
	assert.Equal(t, NoticeLinkUnresolved, res.Notices[0].Kind)
}

func TestSelfDescribedRefund(t *testing.T) {
	partial := purchase("p1", "Cafe", 50, 1)
	partial.Status = domain.StatusRefunded
	partial.PlatformRefundAmount = decimal.NewFromInt(14)

	full := purchase("p2", "Cafe", 30, 1)
	full.Status = domain.StatusRefunded

	arena, res := net(t, partial, full)
	assert.True(t, get(t, arena, "p1").EffectiveAmount.Equal(decimal.NewFromInt(36)))
	assert.True(t, get(t, arena, "p2").EffectiveAmount.IsZero())
	assert.Equal(t, domain.MatchExact, get(t, arena, "p1").MatchStatus)
	assert.Equal(t, 2, res.SelfDescribed)
	assert.NotEqual(t, domain.TrackRefund, get(t, arena, "p1").Track)

	_, err := NewEngine(DefaultConfig()).Net(testCtx(), arena)
	require.NoError(t, err)
	assert.Len(t, get(t, arena, "p1").AppliedRefunds, 1)
	assert.True(t, get(t, arena, "p1").EffectiveAmount.Equal(decimal.NewFromInt(36)))
}

func TestSelfDescribedYieldsToRefundLeg(t *testing.T) {
	orig := purchase("p1", "Cafe", 50, 1)
	orig.Status = domain.StatusRefunded
	arena, _ := net(t, orig, linked("r1", "p1", 20, 2))

	o := get(t, arena, "p1")
	require.Len(t, o.AppliedRefunds, 1)
	assert.Equal(t, "r1", o.AppliedRefunds[0].RefundID)
	assert.True(t, o.EffectiveAmount.Equal(decimal.NewFromInt(30)))
}

func TestCancelledHasNoEffect(t *testing.T) {
	c := purchase("p1", "Shop", 40, 1)
	c.Status = domain.StatusCancelled
	arena, _ := net(t, c)
	assert.True(t, get(t, arena, "p1").EffectiveAmount.IsZero())
	assert.True(t, get(t, arena, "p1").Amount.Equal(decimal.NewFromInt(40)))
}

func TestEffectiveAmountBounds(t *testing.T) {
	arena, _ := net(t,
		purchase("p1", "Shop X", 100, 1),
		purchase("p2", "Shop X", 10, 2),
		linked("r1", "p1", 150, 3),
		refund("r2", "Shop X", 5, 3),
		refund("r3", "Nobody", 5, 3),
	)
	for _, r := range arena.Records() {
		assert.False(t, r.EffectiveAmount.IsNegative(), r.TransactionID)
		assert.True(t, r.EffectiveAmount.LessThanOrEqual(r.Amount), r.TransactionID)
		assert.Equal(t, domain.StateNetted, r.State)
	}
}
