// Package netting links refund legs to the purchases they cancel and keeps
// each purchase's effective amount equal to its amount minus applied refunds.
package netting

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
)

const (
	DefaultWindow    = 30 * 24 * time.Hour
	DefaultThreshold = 0.85

	// selfPrefix keys refunds the platform reports on the original leg itself.
	selfPrefix = "self:"
	// compoundMinPrefix is the shortest original id accepted from a compound refund id.
	compoundMinPrefix = 10
)

var refundWording = regexp.MustCompile(`(?i)refund|退款`)

// Config tunes the heuristic tier.
type Config struct {
	Window    time.Duration
	Threshold float64
}

// DefaultConfig returns the ±30 day window and 0.85 similarity threshold.
func DefaultConfig() Config {
	return Config{Window: DefaultWindow, Threshold: DefaultThreshold}
}

// Engine runs refund netting over one partition at a time.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine; zero config fields take the defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Engine{cfg: cfg}
}

// Net matches every refund leg of the partition and recomputes effective
// amounts. It is deterministic and idempotent over its own output.
func (e *Engine) Net(ctx context.Context, arena *ledger.Arena) (*Result, error) {
	log := logger.WithComponent(logger.FromContext(ctx), "netting")
	res := &Result{}

	records := arena.Records()
	var refunds, originals []*domain.LedgerRecord
	for _, rec := range records {
		initialise(rec)
		if IsRefundLeg(rec) {
			rec.SetTrack(domain.TrackRefund, "refund_leg")
			refunds = append(refunds, rec)
			continue
		}
		originals = append(originals, rec)
	}

	// Idempotency index: refund id -> original already carrying it.
	appliedBy := make(map[string]*domain.LedgerRecord)
	for _, orig := range originals {
		for _, app := range orig.AppliedRefunds {
			if !strings.HasPrefix(app.RefundID, selfPrefix) {
				appliedBy[app.RefundID] = orig
			}
		}
	}

	var pending []*domain.LedgerRecord
	for _, refund := range refunds {
		if orig, ok := appliedBy[refund.TransactionID]; ok {
			e.duplicate(log, res, refund, orig)
			continue
		}

		linkID := refund.ExplicitLinkID
		if linkID == "" {
			linkID = CompoundOriginalID(refund.TransactionID)
		}
		if orig := resolveLink(arena, refund, linkID); orig != nil {
			apply(orig, refund, domain.MatchExact)
			appliedBy[refund.TransactionID] = orig
			res.Exact++
			log.Debug().
				Str("refund_id", refund.TransactionID).
				Str("original_id", orig.TransactionID).
				Msg("refund matched by link")
			continue
		}
		if refund.ExplicitLinkID != "" {
			res.notice(NoticeLinkUnresolved, refund, "", "explicit link "+refund.ExplicitLinkID+" not found in partition")
		}
		pending = append(pending, refund)
	}

	for _, refund := range pending {
		orig, tied := e.bestCandidate(refund, originals)
		if orig == nil {
			refund.MatchStatus = domain.MatchUnmatched
			refund.MatchedAgainst = ""
			refund.NeedsReview = true
			res.Unmatched++
			res.notice(NoticeUnmatched, refund, "", "no qualifying original within window")
			log.Info().
				Str("event", string(NoticeUnmatched)).
				Str("refund_id", refund.TransactionID).
				Str("amount", refund.Amount.String()).
				Msg("refund left unmatched for review")
			continue
		}

		apply(orig, refund, domain.MatchHeuristic)
		appliedBy[refund.TransactionID] = orig
		res.Heuristic++
		if tied {
			res.notice(NoticeLowConfidence, refund, orig.TransactionID, "similarity tie resolved by nearest timestamp")
			log.Warn().
				Str("event", string(NoticeLowConfidence)).
				Str("refund_id", refund.TransactionID).
				Str("original_id", orig.TransactionID).
				Msg("heuristic match resolved by tie-break")
		}
	}

	for _, orig := range originals {
		res.SelfDescribed += applySelfDescribed(orig)
		settle(orig)
		if orig.State != domain.StateConfirmed {
			orig.State = domain.StateNetted
		}
	}
	for _, refund := range refunds {
		settleRefund(refund)
		if refund.State != domain.StateConfirmed {
			refund.State = domain.StateNetted
		}
	}

	return res, nil
}

func (e *Engine) duplicate(log zerolog.Logger, res *Result, refund, orig *domain.LedgerRecord) {
	for _, app := range orig.AppliedRefunds {
		if app.RefundID == refund.TransactionID {
			refund.MatchStatus = app.Tier
		}
	}
	refund.MatchedAgainst = orig.TransactionID
	refund.NeedsReview = false
	res.Duplicates++
	res.notice(NoticeDuplicateApply, refund, orig.TransactionID, "refund already applied; skipped")
	log.Info().
		Str("event", string(NoticeDuplicateApply)).
		Str("refund_id", refund.TransactionID).
		Str("original_id", orig.TransactionID).
		Msg("duplicate refund application skipped")
}

// bestCandidate picks the qualifying original with the highest similarity,
// then the nearest timestamp, then the earliest timestamp and smallest id.
// tied reports whether another candidate shared the best similarity.
func (e *Engine) bestCandidate(refund *domain.LedgerRecord, originals []*domain.LedgerRecord) (best *domain.LedgerRecord, tied bool) {
	var bestScore float64
	var bestGap time.Duration

	for _, cand := range originals {
		if !e.qualifiesWindow(refund, cand) {
			continue
		}
		if refund.Amount.GreaterThan(cand.EffectiveAmount) {
			continue
		}
		score := Similarity(refund.Counterparty, cand.Counterparty)
		if score < e.cfg.Threshold {
			continue
		}
		gap := absDuration(refund.Timestamp.Sub(cand.Timestamp))

		switch {
		case best == nil || score > bestScore:
			best, bestScore, bestGap, tied = cand, score, gap, false
		case score == bestScore:
			tied = true
			if gap < bestGap || (gap == bestGap && earlier(cand, best)) {
				best, bestGap = cand, gap
			}
		}
	}
	return best, tied
}

func (e *Engine) qualifiesWindow(refund, cand *domain.LedgerRecord) bool {
	if cand.Status != domain.StatusSuccess || cand.Direction != domain.DirectionOutflow {
		return false
	}
	if !cand.EffectiveAmount.IsPositive() {
		return false
	}
	return absDuration(refund.Timestamp.Sub(cand.Timestamp)) <= e.cfg.Window
}

// IsRefundLeg reports whether a record is itself a refund transaction.
func IsRefundLeg(rec *domain.LedgerRecord) bool {
	if rec.Track == domain.TrackRefund {
		return true
	}
	if rec.ExplicitLinkID != "" && rec.ExplicitLinkID != rec.TransactionID {
		return true
	}
	if rec.Status != domain.StatusRefunded {
		return false
	}
	if rec.Direction != domain.DirectionOutflow {
		return true
	}
	return refundWording.MatchString(rec.PlatformTxType) ||
		refundWording.MatchString(rec.Description) ||
		refundWording.MatchString(rec.Counterparty)
}

// CompoundOriginalID extracts the original id from refund ids shaped
// "<original>_<suffix>" or "<original>*<suffix>".
func CompoundOriginalID(id string) string {
	for _, sep := range []string{"_", "*"} {
		if !strings.Contains(id, sep) {
			continue
		}
		candidate := strings.TrimSpace(strings.SplitN(id, sep, 2)[0])
		if len([]rune(candidate)) > compoundMinPrefix {
			return candidate
		}
	}
	return ""
}

func resolveLink(arena *ledger.Arena, refund *domain.LedgerRecord, linkID string) *domain.LedgerRecord {
	if linkID == "" || linkID == refund.TransactionID {
		return nil
	}
	orig, ok := arena.Get(domain.RecordKey{Platform: refund.Platform, TransactionID: linkID})
	if !ok || orig.UserID != refund.UserID || IsRefundLeg(orig) {
		return nil
	}
	return orig
}

func initialise(rec *domain.LedgerRecord) {
	if rec.State == "" || rec.State == domain.StateRaw {
		rec.EffectiveAmount = rec.Amount
		rec.State = domain.StateRaw
	}
	if rec.MatchStatus == "" {
		rec.MatchStatus = domain.MatchUnmatched
	}
}

func apply(orig, refund *domain.LedgerRecord, tier domain.MatchStatus) {
	orig.AppliedRefunds = append(orig.AppliedRefunds, domain.RefundApplication{
		RefundID: refund.TransactionID,
		Amount:   refund.Amount,
		Tier:     tier,
	})
	settle(orig)

	refund.MatchStatus = tier
	refund.MatchedAgainst = orig.TransactionID
	refund.NeedsReview = false
}

// applySelfDescribed nets an original the platform itself reports as refunded
// when no refund leg was linked to it. Returns 1 when an application exists.
func applySelfDescribed(orig *domain.LedgerRecord) int {
	selfID := selfPrefix + orig.TransactionID
	if orig.Status != domain.StatusRefunded {
		return 0
	}

	legs := 0
	kept := orig.AppliedRefunds[:0]
	for _, app := range orig.AppliedRefunds {
		if app.RefundID == selfID {
			continue
		}
		legs++
		kept = append(kept, app)
	}
	if legs > 0 {
		orig.AppliedRefunds = kept
		return 0
	}

	amount := orig.PlatformRefundAmount
	if !amount.IsPositive() {
		amount = orig.Amount
	}
	orig.AppliedRefunds = append(kept, domain.RefundApplication{
		RefundID: selfID,
		Amount:   amount,
		Tier:     domain.MatchExact,
	})
	return 1
}

// settle recomputes derived netting fields of an original from its applications.
func settle(orig *domain.LedgerRecord) {
	if len(orig.AppliedRefunds) == 0 {
		orig.AppliedRefunds = nil
	}
	if orig.Status == domain.StatusCancelled {
		orig.EffectiveAmount = decimal.Zero
	} else {
		orig.EffectiveAmount = decimal.Max(decimal.Zero, orig.Amount.Sub(orig.AppliedTotal()))
	}

	orig.MatchStatus = domain.MatchUnmatched
	for _, app := range orig.AppliedRefunds {
		if app.Tier == domain.MatchExact {
			orig.MatchStatus = domain.MatchExact
			return
		}
		orig.MatchStatus = domain.MatchHeuristic
	}
}

// settleRefund sets a refund leg's own impact: zero once netted into an
// original, its full amount while unmatched.
func settleRefund(refund *domain.LedgerRecord) {
	if refund.MatchStatus == domain.MatchUnmatched {
		refund.EffectiveAmount = refund.Amount
		refund.NeedsReview = true
		return
	}
	refund.EffectiveAmount = decimal.Zero
}

func earlier(a, b *domain.LedgerRecord) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.TransactionID < b.TransactionID
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
