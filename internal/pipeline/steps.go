package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/ledger"
	"github.com/dvloznov/ledger-reconciler/internal/netting"
	"github.com/dvloznov/ledger-reconciler/internal/override"
	"github.com/dvloznov/ledger-reconciler/internal/taxonomy"
	"github.com/dvloznov/ledger-reconciler/internal/track"
)

// PipelineStep represents a single stage of partition processing.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the partition and the per-stage results.
type PipelineState struct {
	Partition domain.PartitionKey
	Arena     *ledger.Arena

	Netting  *netting.Result
	Tracks   *track.Result
	Overlaid int
	Taxonomy *taxonomy.Result
}

// Step 1: NettingStep links refund legs and recomputes effective amounts.
type NettingStep struct {
	Engine *netting.Engine
}

func (s *NettingStep) Execute(ctx context.Context, state *PipelineState) error {
	res, err := s.Engine.Net(ctx, state.Arena)
	if err != nil {
		return fmt.Errorf("netting %s: %w", state.Partition, err)
	}
	state.Netting = res
	return nil
}

// Step 2: TrackStep assigns consumption or cashflow to non-refund records.
type TrackStep struct {
	Classifier *track.Classifier
}

func (s *TrackStep) Execute(ctx context.Context, state *PipelineState) error {
	state.Tracks = s.Classifier.Assign(ctx, state.Arena)
	return nil
}

// Step 3: OverrideOverlayStep re-applies stored manual categories. A nil
// service makes the step a no-op.
type OverrideOverlayStep struct {
	Service *override.Service
}

func (s *OverrideOverlayStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Service == nil {
		return nil
	}
	n, err := s.Service.Overlay(ctx, state.Arena)
	if err != nil {
		return fmt.Errorf("override overlay %s: %w", state.Partition, err)
	}
	state.Overlaid = n
	return nil
}

// Step 4: TaxonomyStep categorizes every record without manual provenance.
type TaxonomyStep struct {
	Classifier *taxonomy.Classifier
}

func (s *TaxonomyStep) Execute(ctx context.Context, state *PipelineState) error {
	state.Taxonomy = s.Classifier.Classify(ctx, state.Arena)
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially. The context is checked between steps.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline step %d: %w", i+1, err)
		}
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// Components are the stage implementations shared by every partition.
type Components struct {
	Netting   *netting.Engine
	Tracks    *track.Classifier
	Overrides *override.Service
	Taxonomy  *taxonomy.Classifier
}

// DefaultComponents returns the built-in stages without an override store.
func DefaultComponents() Components {
	return Components{
		Netting:  netting.NewEngine(netting.DefaultConfig()),
		Tracks:   track.NewClassifier(nil),
		Taxonomy: taxonomy.NewClassifier(nil, nil, nil),
	}
}

// NewReconciliationPipeline creates the standard four-step pipeline:
// netting, track, override overlay, taxonomy.
func NewReconciliationPipeline(c Components) *Pipeline {
	return NewPipeline(
		&NettingStep{Engine: c.Netting},
		&TrackStep{Classifier: c.Tracks},
		&OverrideOverlayStep{Service: c.Overrides},
		&TaxonomyStep{Classifier: c.Taxonomy},
	)
}
