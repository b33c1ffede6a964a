package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
)

// Arena is an in-memory record set addressed by (platform, transaction id).
// Iteration order is stable: platform, user, timestamp, transaction id.
// All methods are safe for concurrent use; Update serialises writers per arena.
type Arena struct {
	mu      sync.RWMutex
	records []*domain.LedgerRecord
	index   map[domain.RecordKey]int
}

// NewArena builds an arena and sorts it. Duplicate keys are rejected.
func NewArena(records ...*domain.LedgerRecord) (*Arena, error) {
	a := &Arena{index: make(map[domain.RecordKey]int, len(records))}
	for _, rec := range records {
		if err := a.add(rec); err != nil {
			return nil, err
		}
	}
	a.sort()
	return a, nil
}

func (a *Arena) add(rec *domain.LedgerRecord) error {
	key := rec.Key()
	if _, exists := a.index[key]; exists {
		return fmt.Errorf("arena: %w: duplicate record %s", domain.ErrValidation, key)
	}
	a.index[key] = len(a.records)
	a.records = append(a.records, rec)
	return nil
}

func (a *Arena) sort() {
	SortRecords(a.records)
	for i, rec := range a.records {
		a.index[rec.Key()] = i
	}
}

// Len returns the number of records.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

// Get returns the live record for key. Callers outside a pipeline stage must
// go through Update to mutate it.
func (a *Arena) Get(key domain.RecordKey) (*domain.LedgerRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i, ok := a.index[key]
	if !ok {
		return nil, false
	}
	return a.records[i], true
}

// Records returns the live records in stable order.
func (a *Arena) Records() []*domain.LedgerRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*domain.LedgerRecord, len(a.records))
	copy(out, a.records)
	return out
}

// Snapshot returns deep copies of all records in stable order.
func (a *Arena) Snapshot() []*domain.LedgerRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*domain.LedgerRecord, len(a.records))
	for i, rec := range a.records {
		out[i] = rec.Clone()
	}
	return out
}

// Update runs fn on the record under the arena write lock. It is the
// read-modify-write primitive shared by automatic passes and overrides.
func (a *Arena) Update(key domain.RecordKey, fn func(rec *domain.LedgerRecord) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.index[key]
	if !ok {
		return fmt.Errorf("arena: %w: %s", domain.ErrNotFound, key)
	}
	return fn(a.records[i])
}

// Resolve finds a record by transaction id. An empty platform matches any
// platform and fails with ErrAmbiguous when more than one record shares the id.
func (a *Arena) Resolve(platform, transactionID string) (domain.RecordKey, error) {
	if platform != "" {
		key := domain.RecordKey{Platform: platform, TransactionID: transactionID}
		if _, ok := a.Get(key); !ok {
			return domain.RecordKey{}, fmt.Errorf("arena: %w: %s", domain.ErrNotFound, key)
		}
		return key, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	var found []domain.RecordKey
	for _, rec := range a.records {
		if rec.TransactionID == transactionID {
			found = append(found, rec.Key())
		}
	}
	switch len(found) {
	case 0:
		return domain.RecordKey{}, fmt.Errorf("arena: %w: transaction %s", domain.ErrNotFound, transactionID)
	case 1:
		return found[0], nil
	default:
		return domain.RecordKey{}, fmt.Errorf("arena: %w: transaction %s exists on %d platforms", domain.ErrAmbiguous, transactionID, len(found))
	}
}

// SortRecords orders records by platform, user, timestamp and transaction id.
func SortRecords(records []*domain.LedgerRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Platform != b.Platform {
			return a.Platform < b.Platform
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.TransactionID < b.TransactionID
	})
}
