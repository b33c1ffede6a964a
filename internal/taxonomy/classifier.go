package taxonomy

import (
	"context"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
)

// Result counts category decisions for one partition.
type Result struct {
	Categorized int `json:"categorized"`
	Pending     int `json:"pending"`
	Manual      int `json:"manual"`
}

// Classifier applies the platform mapping, then keyword rules.
type Classifier struct {
	tree    *Tree
	mapping PlatformMap
	rules   *RuleSet
}

// NewClassifier wires a classifier; nil arguments select the defaults.
func NewClassifier(tree *Tree, mapping PlatformMap, rules *RuleSet) *Classifier {
	if tree == nil {
		tree = NewTree(nil)
	}
	if mapping == nil {
		mapping = DefaultPlatformMap()
	}
	if rules == nil {
		rules = DefaultRuleSet()
	}
	return &Classifier{tree: tree, mapping: mapping, rules: rules}
}

// Tree returns the taxonomy used for validation.
func (c *Classifier) Tree() *Tree {
	return c.tree
}

// RulesVersion reports the keyword rule set version.
func (c *Classifier) RulesVersion() string {
	return c.rules.Version
}

// Classify categorizes every record without manual provenance. Records that
// no mapping or rule resolves are left pending with empty categories.
func (c *Classifier) Classify(ctx context.Context, arena *ledger.Arena) *Result {
	log := logger.WithComponent(logger.FromContext(ctx), "taxonomy")
	res := &Result{}

	for _, rec := range arena.Records() {
		if rec.IsManual() {
			res.Manual++
			continue
		}

		l1, l2, rule := c.Decide(rec)
		rec.CategoryL1, rec.CategoryL2, rec.CategoryRule = l1, l2, rule
		rec.CategoryProvenance = domain.ProvenanceAuto
		if l1 == "" {
			rec.State = domain.StatePending
			res.Pending++
			continue
		}
		rec.State = domain.StateCategorized
		res.Categorized++
	}

	log.Debug().
		Str("rules_version", c.rules.Version).
		Int("categorized", res.Categorized).
		Int("pending", res.Pending).
		Int("manual", res.Manual).
		Msg("taxonomy classification finished")
	return res
}

// Decide returns the category pair for a record and the name of the rule
// that produced it; empty values mean pending.
func (c *Classifier) Decide(rec *domain.LedgerRecord) (l1, l2, rule string) {
	if hit, ok := c.mapping.Lookup(rec.Platform, rec.PlatformCategory); ok {
		if hit.L2 != "" {
			return hit.L1, hit.L2, "map:" + rec.Platform
		}
		if r, ok := c.rules.MatchL1(rec, hit.L1); ok {
			return r.L1, r.L2, "map:" + rec.Platform + "+rule:" + r.Name
		}
		if r, ok := c.rules.FirstForL1(hit.L1); ok {
			return hit.L1, r.L2, "map:" + rec.Platform + "+l1_default"
		}
		return hit.L1, "", "map:" + rec.Platform
	}

	if r, ok := c.rules.Match(rec); ok {
		return r.L1, r.L2, "rule:" + r.Name
	}
	return "", "", ""
}
