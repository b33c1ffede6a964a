package override

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
)

// maxCASAttempts bounds retries when concurrent writers race on one entry.
const maxCASAttempts = 5

// CategoryValidator checks and canonicalizes category pairs.
type CategoryValidator interface {
	Canonical(l1, l2 string) (string, string, error)
}

// Request asks for a category assignment. Platform may be empty when the
// transaction id is unique within the target arena.
type Request struct {
	Platform      string `json:"platform,omitempty"`
	TransactionID string `json:"transaction_id"`
	L1            string `json:"category_l1"`
	L2            string `json:"category_l2"`
	Source        Source `json:"source,omitempty"`
}

// Service is the category-override contract.
type Service struct {
	store     Store
	validator CategoryValidator
	now       func() time.Time
}

// NewService creates a service over store, validating with validator.
func NewService(store Store, validator CategoryValidator) *Service {
	return &Service{store: store, validator: validator, now: time.Now}
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Apply validates req, writes it to the store and then sets category_l1,
// category_l2, provenance and state on the arena record. No other field
// changes. arena may be nil to only record the override for later runs, in
// which case Platform is required.
func (s *Service) Apply(ctx context.Context, arena *ledger.Arena, req Request) (*Entry, error) {
	log := logger.WithComponent(logger.FromContext(ctx), "override")

	if req.TransactionID == "" {
		return nil, fmt.Errorf("Apply: transaction_id is required: %w", domain.ErrValidation)
	}
	if req.Source == "" {
		req.Source = SourceUser
	}
	if req.Source != SourceUser && req.Source != SourceLLM {
		return nil, fmt.Errorf("Apply: unknown source %q: %w", req.Source, domain.ErrValidation)
	}
	l1, l2, err := s.validator.Canonical(req.L1, req.L2)
	if err != nil {
		return nil, fmt.Errorf("Apply: %w", err)
	}

	key := domain.RecordKey{Platform: req.Platform, TransactionID: req.TransactionID}
	if arena != nil {
		key, err = arena.Resolve(req.Platform, req.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("Apply: %w", err)
		}
	} else if req.Platform == "" {
		return nil, fmt.Errorf("Apply: platform is required without a ledger: %w", domain.ErrValidation)
	}

	entry := &Entry{
		Platform:      key.Platform,
		TransactionID: key.TransactionID,
		L1:            l1,
		L2:            l2,
		Provenance:    domain.ProvenanceManual,
		Source:        req.Source,
		UpdatedAt:     s.now().UTC(),
	}
	stored, err := s.write(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("Apply: %w", err)
	}

	if arena != nil {
		if err := arena.Update(key, func(rec *domain.LedgerRecord) error {
			confirm(rec, stored)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("Apply: %w", err)
		}
	}

	log.Info().
		Str("event", "category_override").
		Str("platform", stored.Platform).
		Str("transaction_id", stored.TransactionID).
		Str("category_l1", stored.L1).
		Str("category_l2", stored.L2).
		Str("source", string(stored.Source)).
		Int64("version", stored.Version).
		Msg("category override applied")
	return stored, nil
}

// write stores entry on top of whatever version is current. The last write
// wins; CAS only guarantees that no write is lost to a torn update.
func (s *Service) write(ctx context.Context, entry *Entry) (*Entry, error) {
	var lastErr error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var expected int64
		current, err := s.store.Get(ctx, entry.Key())
		switch {
		case err == nil:
			expected = current.Version
		case errors.Is(err, domain.ErrNotFound):
		default:
			return nil, fmt.Errorf("read override: %w", err)
		}

		stored, err := s.store.CompareAndSet(ctx, entry, expected)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, fmt.Errorf("write override: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("write override after %d attempts: %w", maxCASAttempts, lastErr)
}

// Overlay re-applies every stored override to the matching arena records so
// confirmed categories survive a fresh run over raw input. It returns the
// number of records touched.
func (s *Service) Overlay(ctx context.Context, arena *ledger.Arena) (int, error) {
	entries, err := s.store.List(ctx, Filter{})
	if err != nil {
		return 0, fmt.Errorf("Overlay: list overrides: %w", err)
	}

	applied := 0
	for _, entry := range entries {
		if _, ok := arena.Get(entry.Key()); !ok {
			continue
		}
		if err := arena.Update(entry.Key(), func(rec *domain.LedgerRecord) error {
			confirm(rec, entry)
			return nil
		}); err != nil {
			return applied, fmt.Errorf("Overlay: %w", err)
		}
		applied++
	}
	return applied, nil
}

func confirm(rec *domain.LedgerRecord, entry *Entry) {
	rec.CategoryL1 = entry.L1
	rec.CategoryL2 = entry.L2
	rec.CategoryProvenance = domain.ProvenanceManual
	rec.CategoryRule = "override:" + string(entry.Source)
	rec.State = domain.StateConfirmed
}
