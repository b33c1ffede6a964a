// Package tagging asks an external model for categories of pending
// consumption records and applies the answers through the override contract.
package tagging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
	"github.com/dvloznov/ledger-reconciler/internal/override"
	"github.com/dvloznov/ledger-reconciler/internal/taxonomy"
)

const (
	DefaultBatchSize   = 20
	DefaultConcurrency = 5
)

// Applier is the override contract as seen by the tagger.
type Applier interface {
	Apply(ctx context.Context, arena *ledger.Arena, req override.Request) (*override.Entry, error)
}

// Report counts what a tagging pass did.
type Report struct {
	Candidates    int `json:"candidates"`
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
	Applied       int `json:"applied"`
	Coerced       int `json:"coerced"`
	Rejected      int `json:"rejected"`
}

// Tagger batches pending records into prompts.
type Tagger struct {
	generator   Generator
	applier     Applier
	tree        *taxonomy.Tree
	batchSize   int
	concurrency int
}

// NewTagger wires a tagger; batchSize <= 0 selects DefaultBatchSize.
func NewTagger(generator Generator, applier Applier, tree *taxonomy.Tree, batchSize int) *Tagger {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if tree == nil {
		tree = taxonomy.NewTree(nil)
	}
	return &Tagger{
		generator:   generator,
		applier:     applier,
		tree:        tree,
		batchSize:   batchSize,
		concurrency: DefaultConcurrency,
	}
}

// Candidates returns consumption records still missing an L2 category and
// not protected by manual provenance, in ledger order.
func Candidates(arena *ledger.Arena) []*domain.LedgerRecord {
	var out []*domain.LedgerRecord
	for _, rec := range arena.Snapshot() {
		if rec.Track == domain.TrackConsumption && rec.CategoryL2 == "" && !rec.IsManual() {
			out = append(out, rec)
		}
	}
	return out
}

// Tag suggests categories for every candidate. A failing batch is logged and
// skipped; only an error from the override store aborts the pass.
func (t *Tagger) Tag(ctx context.Context, arena *ledger.Arena) (*Report, error) {
	log := logger.WithComponent(logger.FromContext(ctx), "tagging")

	candidates := Candidates(arena)
	report := &Report{Candidates: len(candidates)}
	if len(candidates) == 0 {
		return report, nil
	}

	var batches [][]*domain.LedgerRecord
	for start := 0; start < len(candidates); start += t.batchSize {
		end := min(start+t.batchSize, len(candidates))
		batches = append(batches, candidates[start:end])
	}
	report.Batches = len(batches)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	block := t.tree.PromptBlock()

	for n, batch := range batches {
		g.Go(func() error {
			raw, err := t.generator.Generate(gctx, BuildPrompt(block, batch))
			if err != nil {
				log.Warn().Err(err).Int("batch", n).Msg("tagging batch failed")
				mu.Lock()
				report.FailedBatches++
				mu.Unlock()
				return nil
			}
			suggestions, err := ParseSuggestions(raw)
			if err != nil {
				log.Warn().Err(err).Int("batch", n).Msg("tagging batch returned unusable output")
				mu.Lock()
				report.FailedBatches++
				mu.Unlock()
				return nil
			}

			for _, s := range suggestions {
				i := s.Index - 1
				if i < 0 || i >= len(batch) {
					mu.Lock()
					report.Rejected++
					mu.Unlock()
					continue
				}
				rec := batch[i]

				l1, l2, err := t.tree.Coerce(s.L1, s.L2)
				if err != nil {
					log.Debug().Err(err).Str("transaction_id", rec.TransactionID).Msg("suggestion rejected")
					mu.Lock()
					report.Rejected++
					mu.Unlock()
					continue
				}

				_, err = t.applier.Apply(gctx, arena, override.Request{
					Platform:      rec.Platform,
					TransactionID: rec.TransactionID,
					L1:            l1,
					L2:            l2,
					Source:        override.SourceLLM,
				})
				if err != nil {
					if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
						mu.Lock()
						report.Rejected++
						mu.Unlock()
						continue
					}
					return fmt.Errorf("apply suggestion for %s: %w", rec.Key(), err)
				}

				mu.Lock()
				report.Applied++
				if !strings.EqualFold(strings.TrimSpace(s.L2), l2) {
					report.Coerced++
				}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("Tag: %w", err)
	}

	log.Info().
		Int("candidates", report.Candidates).
		Int("batches", report.Batches).
		Int("failed_batches", report.FailedBatches).
		Int("applied", report.Applied).
		Int("rejected", report.Rejected).
		Msg("tagging pass finished")
	return report, nil
}
