package track

import (
	"context"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
)

// Result counts track decisions for one partition.
type Result struct {
	Consumption int            `json:"consumption"`
	Cashflow    int            `json:"cashflow"`
	Refund      int            `json:"refund"`
	ByRule      map[string]int `json:"by_rule"`
}

// Classifier assigns tracks after netting has marked refund legs.
type Classifier struct {
	rules *RuleSet
}

// NewClassifier creates a classifier; nil rules selects DefaultRules.
func NewClassifier(rules *RuleSet) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Version reports the rule set version in use.
func (c *Classifier) Version() string {
	return c.rules.Version
}

// Assign sets track and is_consumption on every non-refund record. Records
// are only tagged, never dropped.
func (c *Classifier) Assign(ctx context.Context, arena *ledger.Arena) *Result {
	log := logger.WithComponent(logger.FromContext(ctx), "track")
	res := &Result{ByRule: make(map[string]int)}

	for _, rec := range arena.Records() {
		if rec.Track == domain.TrackRefund {
			res.Refund++
			continue
		}

		t, rule := c.rules.Decide(rec)
		rec.SetTrack(t, rule)
		if rec.State != domain.StateConfirmed {
			rec.State = domain.StateTrackAssigned
		}
		res.ByRule[rule]++
		if t == domain.TrackConsumption {
			res.Consumption++
		} else {
			res.Cashflow++
		}

		log.Debug().
			Str("transaction_id", rec.TransactionID).
			Str("track", string(t)).
			Str("rule", rule).
			Msg("track assigned")
	}

	log.Debug().
		Str("rules_version", c.rules.Version).
		Int("consumption", res.Consumption).
		Int("cashflow", res.Cashflow).
		Msg("track classification finished")
	return res
}
