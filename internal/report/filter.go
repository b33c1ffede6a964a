// Package report aggregates an enriched ledger for the query surface.
// Spending figures always use effective_amount of consumption records.
package report

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
)

// Filter narrows the records an aggregation sees. Zero fields match all.
type Filter struct {
	UserID            string
	Year              int
	DateFrom          time.Time
	DateTo            time.Time // inclusive, whole day
	Platform          string
	Track             domain.Track
	CategoryL1        string
	ExcludeCategories []string
	CategoryL2        string
}

// ParseFilter reads the filter from query parameters.
func ParseFilter(q url.Values) (Filter, error) {
	f := Filter{
		UserID:     q.Get("user"),
		Platform:   q.Get("platform"),
		Track:      domain.Track(q.Get("track")),
		CategoryL1: q.Get("category"),
		CategoryL2: q.Get("category_l2"),
	}
	if v := q.Get("year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			return Filter{}, fmt.Errorf("ParseFilter: year %q: %w", v, domain.ErrValidation)
		}
		f.Year = year
	}
	if v := q.Get("date_from"); v != "" {
		ts, err := ledger.ParseTimestamp(v)
		if err != nil {
			return Filter{}, fmt.Errorf("ParseFilter: date_from: %v: %w", err, domain.ErrValidation)
		}
		f.DateFrom = ts
	}
	if v := q.Get("date_to"); v != "" {
		ts, err := ledger.ParseTimestamp(v)
		if err != nil {
			return Filter{}, fmt.Errorf("ParseFilter: date_to: %v: %w", err, domain.ErrValidation)
		}
		f.DateTo = ts
	}
	if v := q.Get("exclude_categories"); v != "" {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				f.ExcludeCategories = append(f.ExcludeCategories, c)
			}
		}
	}
	return f, nil
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec *domain.LedgerRecord) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.Year != 0 && rec.Timestamp.Year() != f.Year {
		return false
	}
	if !f.DateFrom.IsZero() && rec.Timestamp.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() {
		end := time.Date(f.DateTo.Year(), f.DateTo.Month(), f.DateTo.Day(), 23, 59, 59, 999999999, time.UTC)
		if rec.Timestamp.After(end) {
			return false
		}
	}
	if f.Platform != "" && rec.Platform != f.Platform {
		return false
	}
	if f.Track != "" && rec.Track != f.Track {
		return false
	}
	if f.CategoryL1 != "" && rec.CategoryL1 != f.CategoryL1 {
		return false
	}
	for _, c := range f.ExcludeCategories {
		if rec.CategoryL1 == c {
			return false
		}
	}
	if f.CategoryL2 != "" && rec.CategoryL2 != f.CategoryL2 {
		return false
	}
	return true
}

// Apply returns the records passing the filter, preserving order.
func (f Filter) Apply(records []*domain.LedgerRecord) []*domain.LedgerRecord {
	out := make([]*domain.LedgerRecord, 0, len(records))
	for _, rec := range records {
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	return out
}
