package ledger

import (
	"sort"
	"sync"
	"time"
)

// QuarantineEntry is one input row (or partition) held back from processing.
type QuarantineEntry struct {
	Platform      string     `json:"platform"`
	UserID        string     `json:"user_id"`
	TransactionID string     `json:"transaction_id"`
	Index         int        `json:"index"`
	Reason        ReasonCode `json:"reason"`
	Detail        string     `json:"detail"`
	QuarantinedAt time.Time  `json:"quarantined_at"`
}

// Quarantine is a concurrency-safe list of quarantined rows.
type Quarantine struct {
	mu      sync.Mutex
	entries []QuarantineEntry
}

// Add appends an entry.
func (q *Quarantine) Add(e QuarantineEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
}

// Len returns the number of entries.
func (q *Quarantine) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a sorted copy: by input index, then platform and id.
func (q *Quarantine) Entries() []QuarantineEntry {
	q.mu.Lock()
	out := append([]QuarantineEntry(nil), q.entries...)
	q.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out
}
