package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/taxonomy"
)

const (
	DefaultMerchantLimit = 15
	DefaultCategoryLimit = 20
	DefaultPerPage       = 50
	MaxPerPage           = 500
)

// Level selects L1 or L1+L2 grouping.
type Level string

const (
	LevelL1 Level = "l1"
	LevelL2 Level = "l2"
)

// Granularity selects the period bucket.
type Granularity string

const (
	GranularityYear  Granularity = "year"
	GranularityMonth Granularity = "month"
	GranularityWeek  Granularity = "week"
)

// Summary is the headline view of a filtered ledger.
type Summary struct {
	TotalRecords       int             `json:"total_records"`
	ConsumptionRecords int             `json:"consumption_records"`
	CashflowRecords    int             `json:"cashflow_records"`
	RefundRecords      int             `json:"refund_records"`
	TotalSpend         decimal.Decimal `json:"total_spend"`
	TotalRefunded      decimal.Decimal `json:"total_refunded"`
	CashflowOutflow    decimal.Decimal `json:"cashflow_total"`
	PendingReview      int             `json:"pending_review"`
	Platforms          map[string]int  `json:"platforms"`
}

// Bucket is one aggregation row.
type Bucket struct {
	Key        string          `json:"key"`
	CategoryL1 string          `json:"category_l1,omitempty"`
	CategoryL2 string          `json:"category_l2,omitempty"`
	Total      decimal.Decimal `json:"total"`
	Count      int             `json:"count"`
	Average    decimal.Decimal `json:"avg"`
}

// Consumption keeps consumption-track records only.
func Consumption(records []*domain.LedgerRecord) []*domain.LedgerRecord {
	out := make([]*domain.LedgerRecord, 0, len(records))
	for _, rec := range records {
		if rec.IsConsumption {
			out = append(out, rec)
		}
	}
	return out
}

// Summarize computes the headline figures.
func Summarize(records []*domain.LedgerRecord) Summary {
	s := Summary{Platforms: make(map[string]int)}
	for _, rec := range records {
		s.TotalRecords++
		s.Platforms[rec.Platform]++
		s.TotalRefunded = s.TotalRefunded.Add(rec.AppliedTotal())
		if rec.NeedsReview {
			s.PendingReview++
		}
		switch rec.Track {
		case domain.TrackConsumption:
			s.ConsumptionRecords++
			s.TotalSpend = s.TotalSpend.Add(rec.EffectiveAmount)
		case domain.TrackCashflow:
			s.CashflowRecords++
			if rec.Direction == domain.DirectionOutflow {
				s.CashflowOutflow = s.CashflowOutflow.Add(rec.Amount)
			}
		case domain.TrackRefund:
			s.RefundRecords++
		}
	}
	s.TotalSpend = s.TotalSpend.Round(2)
	s.TotalRefunded = s.TotalRefunded.Round(2)
	s.CashflowOutflow = s.CashflowOutflow.Round(2)
	return s
}

// ByCategory groups consumption spend by L1, or by L1+L2, largest first.
func ByCategory(records []*domain.LedgerRecord, level Level) []Bucket {
	return group(Consumption(records), func(rec *domain.LedgerRecord) (string, string, string) {
		if level == LevelL2 {
			return rec.CategoryL1 + "/" + rec.CategoryL2, rec.CategoryL1, rec.CategoryL2
		}
		return rec.CategoryL1, rec.CategoryL1, ""
	}, byTotal)
}

// TopCategories is ByCategory truncated to limit.
func TopCategories(records []*domain.LedgerRecord, level Level, limit int) []Bucket {
	if limit <= 0 {
		limit = DefaultCategoryLimit
	}
	return head(ByCategory(records, level), limit)
}

// ByPeriod groups consumption spend by period, oldest first.
func ByPeriod(records []*domain.LedgerRecord, g Granularity) []Bucket {
	return group(Consumption(records), func(rec *domain.LedgerRecord) (string, string, string) {
		return PeriodKey(rec, g), "", ""
	}, byKey)
}

// PeriodKey renders the bucket of a record: "2024", "2024-03" or "2024-W09".
// Weeks start on Monday; days before the first Monday fall in week 00.
func PeriodKey(rec *domain.LedgerRecord, g Granularity) string {
	ts := rec.Timestamp
	switch g {
	case GranularityYear:
		return ts.Format("2006")
	case GranularityWeek:
		weekday := (int(ts.Weekday()) + 6) % 7
		week := (ts.YearDay() - 1 + 7 - weekday) / 7
		return fmt.Sprintf("%d-W%02d", ts.Year(), week)
	default:
		return ts.Format("2006-01")
	}
}

// TopMerchants ranks counterparties by consumption spend.
func TopMerchants(records []*domain.LedgerRecord, limit int) []Bucket {
	if limit <= 0 {
		limit = DefaultMerchantLimit
	}
	buckets := group(Consumption(records), func(rec *domain.LedgerRecord) (string, string, string) {
		return rec.Counterparty, "", ""
	}, byTotal)
	return head(buckets, limit)
}

// ByTrack counts and sums effective amounts per track.
func ByTrack(records []*domain.LedgerRecord) []Bucket {
	return group(records, func(rec *domain.LedgerRecord) (string, string, string) {
		return string(rec.Track), "", ""
	}, byKey)
}

// CashflowSummary groups cashflow records by platform label, summing raw amounts.
func CashflowSummary(records []*domain.LedgerRecord) []Bucket {
	var cash []*domain.LedgerRecord
	for _, rec := range records {
		if rec.Track == domain.TrackCashflow {
			cash = append(cash, rec)
		}
	}
	return groupAmount(cash, func(rec *domain.LedgerRecord) string {
		switch {
		case strings.TrimSpace(rec.PlatformCategory) != "":
			return rec.PlatformCategory
		case strings.TrimSpace(rec.PlatformTxType) != "":
			return rec.PlatformTxType
		}
		return "其他"
	})
}

// TaxonomyUsage is one L1 with its children and usage count.
type TaxonomyUsage struct {
	L1    string   `json:"l1"`
	L2s   []string `json:"l2s"`
	Count int      `json:"count"`
}

// Meta lists the values available for filter dropdowns.
type Meta struct {
	Users     []string        `json:"users"`
	Years     []int           `json:"years"`
	Platforms []string        `json:"platforms"`
	Taxonomy  []TaxonomyUsage `json:"taxonomy"`
}

// BuildMeta collects users, years (newest first), platforms and L1 usage.
func BuildMeta(records []*domain.LedgerRecord, tree *taxonomy.Tree) Meta {
	users := map[string]bool{}
	years := map[int]bool{}
	platforms := map[string]bool{}
	l1Count := map[string]int{}
	for _, rec := range records {
		users[rec.UserID] = true
		years[rec.Timestamp.Year()] = true
		platforms[rec.Platform] = true
		l1Count[rec.CategoryL1]++
	}

	m := Meta{Users: sortedKeys(users), Platforms: sortedKeys(platforms)}
	for y := range years {
		m.Years = append(m.Years, y)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(m.Years)))
	for _, n := range tree.Nodes() {
		m.Taxonomy = append(m.Taxonomy, TaxonomyUsage{L1: n.L1, L2s: n.L2s, Count: l1Count[n.L1]})
	}
	return m
}

type keyFunc func(rec *domain.LedgerRecord) (key, l1, l2 string)

func group(records []*domain.LedgerRecord, key keyFunc, less func(a, b Bucket) bool) []Bucket {
	idx := make(map[string]int)
	var out []Bucket
	for _, rec := range records {
		k, l1, l2 := key(rec)
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, Bucket{Key: k, CategoryL1: l1, CategoryL2: l2})
		}
		out[i].Total = out[i].Total.Add(rec.EffectiveAmount)
		out[i].Count++
	}
	return finish(out, less)
}

func groupAmount(records []*domain.LedgerRecord, key func(rec *domain.LedgerRecord) string) []Bucket {
	idx := make(map[string]int)
	var out []Bucket
	for _, rec := range records {
		k := key(rec)
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, Bucket{Key: k})
		}
		out[i].Total = out[i].Total.Add(rec.Amount)
		out[i].Count++
	}
	return finish(out, byTotal)
}

func finish(out []Bucket, less func(a, b Bucket) bool) []Bucket {
	for i := range out {
		out[i].Average = out[i].Total.Div(decimal.NewFromInt(int64(out[i].Count))).Round(2)
		out[i].Total = out[i].Total.Round(2)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if out == nil {
		return []Bucket{}
	}
	return out
}

func byTotal(a, b Bucket) bool {
	if !a.Total.Equal(b.Total) {
		return a.Total.GreaterThan(b.Total)
	}
	return a.Key < b.Key
}

func byKey(a, b Bucket) bool {
	return a.Key < b.Key
}

func head(b []Bucket, limit int) []Bucket {
	if len(b) > limit {
		return b[:limit]
	}
	return b
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
