// Package override stores manual category assignments and applies them to
// ledger records. It is the only path that mutates records after a run.
package override

import (
	"context"
	"time"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
)

// Source identifies who produced a category assignment.
type Source string

const (
	// SourceUser is a human edit.
	SourceUser Source = "user"
	// SourceLLM is an external batch tagging provider.
	SourceLLM Source = "llm"
)

// Entry is one stored category assignment for a record.
type Entry struct {
	Platform      string            `json:"platform"`
	TransactionID string            `json:"transaction_id"`
	L1            string            `json:"category_l1"`
	L2            string            `json:"category_l2"`
	Provenance    domain.Provenance `json:"category_provenance"`
	Source        Source            `json:"source"`

	// Version increases by one with every write; zero means never stored.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the record key the entry applies to.
func (e *Entry) Key() domain.RecordKey {
	return domain.RecordKey{Platform: e.Platform, TransactionID: e.TransactionID}
}

// Filter narrows List results.
type Filter struct {
	Platform string
	Source   Source
	Limit    int
	Offset   int
}

// Store persists override entries with optimistic concurrency.
type Store interface {
	// Get returns the entry for key or an error wrapping domain.ErrNotFound.
	Get(ctx context.Context, key domain.RecordKey) (*Entry, error)

	// CompareAndSet writes entry when the stored version equals
	// expectedVersion (0 when absent) and returns the stored copy with its
	// new version. A mismatch fails with domain.ErrVersionConflict.
	CompareAndSet(ctx context.Context, entry *Entry, expectedVersion int64) (*Entry, error)

	// List returns entries ordered by platform and transaction id.
	List(ctx context.Context, filter Filter) ([]*Entry, error)

	Close() error
}
