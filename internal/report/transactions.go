package report

import (
	"sort"
	"strings"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
)

// Query pages through filtered records, newest first.
type Query struct {
	Search  string
	Page    int
	PerPage int
}

// Page is one page of transactions.
type Page struct {
	Total   int                    `json:"total"`
	Page    int                    `json:"page"`
	PerPage int                    `json:"per_page"`
	Records []*domain.LedgerRecord `json:"records"`
}

// Transactions searches counterparty and description case-insensitively,
// sorts by timestamp descending and returns the requested page.
func Transactions(records []*domain.LedgerRecord, q Query) Page {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage <= 0 {
		q.PerPage = DefaultPerPage
	}
	if q.PerPage > MaxPerPage {
		q.PerPage = MaxPerPage
	}

	needle := strings.ToLower(strings.TrimSpace(q.Search))
	var hits []*domain.LedgerRecord
	for _, rec := range records {
		if needle != "" &&
			!strings.Contains(strings.ToLower(rec.Counterparty), needle) &&
			!strings.Contains(strings.ToLower(rec.Description), needle) {
			continue
		}
		hits = append(hits, rec)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if !hits[i].Timestamp.Equal(hits[j].Timestamp) {
			return hits[i].Timestamp.After(hits[j].Timestamp)
		}
		return hits[i].Key().String() < hits[j].Key().String()
	})

	p := Page{Total: len(hits), Page: q.Page, PerPage: q.PerPage, Records: []*domain.LedgerRecord{}}
	start := (q.Page - 1) * q.PerPage
	if start >= len(hits) {
		return p
	}
	end := min(start+q.PerPage, len(hits))
	p.Records = hits[start:end]
	return p
}
