package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/override"
)

// Store is an in-memory implementation of override.Store.
// It is safe for concurrent use. Data is lost on restart; use the sqlite
// store for persistence.
type Store struct {
	mu      sync.RWMutex
	entries map[domain.RecordKey]*override.Entry
}

// NewStore creates a new in-memory override store.
func NewStore() *Store {
	return &Store{
		entries: make(map[domain.RecordKey]*override.Entry),
	}
}

// Get implements the override.Store interface.
func (s *Store) Get(ctx context.Context, key domain.RecordKey) (*override.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[key]
	if !exists {
		return nil, fmt.Errorf("override %s: %w", key, domain.ErrNotFound)
	}

	// Return a copy to avoid external modifications
	entryCopy := *entry
	return &entryCopy, nil
}

// CompareAndSet implements the override.Store interface.
func (s *Store) CompareAndSet(ctx context.Context, entry *override.Entry, expectedVersion int64) (*override.Entry, error) {
	if entry.Platform == "" || entry.TransactionID == "" {
		return nil, fmt.Errorf("override key is required: %w", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entry.Key()
	var current int64
	if existing, ok := s.entries[key]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return nil, fmt.Errorf("override %s: stored version %d, expected %d: %w", key, current, expectedVersion, domain.ErrVersionConflict)
	}

	entryCopy := *entry
	entryCopy.Version = current + 1
	s.entries[key] = &entryCopy

	out := entryCopy
	return &out, nil
}

// List implements the override.Store interface.
func (s *Store) List(ctx context.Context, filter override.Filter) ([]*override.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*override.Entry
	for _, entry := range s.entries {
		if filter.Platform != "" && entry.Platform != filter.Platform {
			continue
		}
		if filter.Source != "" && entry.Source != filter.Source {
			continue
		}
		entryCopy := *entry
		result = append(result, &entryCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Platform != result[j].Platform {
			return result[i].Platform < result[j].Platform
		}
		return result[i].TransactionID < result[j].TransactionID
	})

	// Apply limit and offset
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*override.Entry{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

// Close implements the override.Store interface.
func (s *Store) Close() error {
	return nil
}

// Ensure Store implements the override.Store interface.
var _ override.Store = (*Store)(nil)
