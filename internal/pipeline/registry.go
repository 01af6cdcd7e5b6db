// Package pipeline is the registry of organization-defined pipelines and
// their ordered stages: CRUD plus the invariants the board depends on
// (at most one default pipeline, all-or-nothing reorders, no deletes that
// would orphan deal stage references).
package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dealdesk/dealdesk/internal/models"
	"github.com/dealdesk/dealdesk/internal/store"
	"github.com/dealdesk/dealdesk/internal/store/retry"
	"github.com/dealdesk/dealdesk/internal/telemetry"
)

// Registry manages pipelines and stages for organizations.
type Registry struct {
	pipelines store.PipelineStore
}

// NewRegistry creates a registry on top of a pipeline store.
func NewRegistry(pipelines store.PipelineStore) *Registry {
	return &Registry{pipelines: pipelines}
}

// CreatePipeline creates a pipeline for the organization. When in.IsDefault
// is set, the store clears the default flag on all other pipelines of the
// organization in the same transaction as the insert. Returns the created
// pipeline with an empty stage list.
func (r *Registry) CreatePipeline(ctx context.Context, orgID uuid.UUID, in CreatePipelineInput) (*models.Pipeline, error) {
	in.applyDefaults()
	if err := in.validate(); err != nil {
		return nil, err
	}

	p := &models.Pipeline{
		PipelineID: uuid.Must(uuid.NewV7()),
		OrgID:      orgID,
		Name:       in.Name,
		Active:     true,
		IsDefault:  in.IsDefault,
		Position:   in.Position,
	}

	_, err := retry.Do(ctx, "pipeline.create", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.pipelines.Create(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("pipeline_id", p.PipelineID.String()).
		Str("org_id", orgID.String()).
		Str("name", p.Name).
		Msg("Created pipeline")

	p.Stages = []*models.Stage{}
	return p, nil
}

// UpdatePipeline applies replacement state to a pipeline, preserving the
// at-most-one-default invariant. Disabling is how in-use pipelines are
// retired; they are never hard-deleted while deals reference their stages.
func (r *Registry) UpdatePipeline(ctx context.Context, orgID, pipelineID uuid.UUID, in UpdatePipelineInput) (*models.Pipeline, error) {
	in.applyDefaults()
	if err := in.validate(); err != nil {
		return nil, err
	}

	p := &models.Pipeline{
		PipelineID: pipelineID,
		OrgID:      orgID,
		Name:       in.Name,
		Active:     in.Active,
		IsDefault:  in.IsDefault,
		Position:   in.Position,
	}

	_, err := retry.Do(ctx, "pipeline.update", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.pipelines.Update(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	return r.GetPipeline(ctx, orgID, pipelineID)
}

// GetPipeline retrieves an org-scoped pipeline with its ordered stages.
func (r *Registry) GetPipeline(ctx context.Context, orgID, pipelineID uuid.UUID) (*models.Pipeline, error) {
	return retry.Do(ctx, "pipeline.get", func(ctx context.Context) (*models.Pipeline, error) {
		return r.pipelines.Get(ctx, orgID, pipelineID)
	})
}

// ListPipelines returns the organization's pipelines with nested ordered
// stages.
func (r *Registry) ListPipelines(ctx context.Context, orgID uuid.UUID) ([]*models.Pipeline, error) {
	return retry.Do(ctx, "pipeline.list", func(ctx context.Context) ([]*models.Pipeline, error) {
		return r.pipelines.ListByOrg(ctx, orgID)
	})
}

// DeletePipeline removes a pipeline with no dependent deals. A pipeline
// whose stages are still referenced fails with DependencyConflictError;
// soft-disable it via UpdatePipeline instead.
func (r *Registry) DeletePipeline(ctx context.Context, orgID, pipelineID uuid.UUID) error {
	_, err := retry.Do(ctx, "pipeline.delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.pipelines.Delete(ctx, orgID, pipelineID)
	})
	return err
}

// CreateStage adds a stage to one of the organization's pipelines,
// appending after the current maximum position when none is supplied.
func (r *Registry) CreateStage(ctx context.Context, orgID uuid.UUID, in CreateStageInput) (*models.Stage, error) {
	in.applyDefaults()
	if err := in.validate(); err != nil {
		return nil, err
	}

	position := -1
	if in.Position != nil {
		position = *in.Position
	}

	st := &models.Stage{
		StageID:     uuid.Must(uuid.NewV7()),
		PipelineID:  in.PipelineID,
		Name:        in.Name,
		Color:       in.Color,
		Position:    position,
		Probability: *in.Probability,
		IsFinal:     in.IsFinal,
	}

	_, err := retry.Do(ctx, "stage.create", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.pipelines.CreateStage(ctx, orgID, st)
	})
	if err != nil {
		return nil, err
	}

	return st, nil
}

// UpdateStage applies replacement state to a stage.
func (r *Registry) UpdateStage(ctx context.Context, orgID, stageID uuid.UUID, in UpdateStageInput) (*models.Stage, error) {
	in.applyDefaults()
	if err := in.validate(); err != nil {
		return nil, err
	}

	st := &models.Stage{
		StageID:     stageID,
		Name:        in.Name,
		Color:       in.Color,
		Probability: in.Probability,
		IsFinal:     in.IsFinal,
	}

	_, err := retry.Do(ctx, "stage.update", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.pipelines.UpdateStage(ctx, orgID, st)
	})
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, "stage.get", func(ctx context.Context) (*models.Stage, error) {
		return r.pipelines.GetStage(ctx, orgID, stageID)
	})
}

// GetStage retrieves an org-scoped stage.
func (r *Registry) GetStage(ctx context.Context, orgID, stageID uuid.UUID) (*models.Stage, error) {
	return retry.Do(ctx, "stage.get", func(ctx context.Context) (*models.Stage, error) {
		return r.pipelines.GetStage(ctx, orgID, stageID)
	})
}

// ReorderStages applies orderedStageIDs as the new order of the pipeline's
// stages in a single all-or-nothing batch: each id's position becomes its
// index in the list.
func (r *Registry) ReorderStages(ctx context.Context, orgID, pipelineID uuid.UUID, orderedStageIDs []uuid.UUID) error {
	if len(orderedStageIDs) == 0 {
		return ValidationError{{Field: "stageIds", Message: "is required"}}
	}

	_, err := retry.Do(ctx, "stage.reorder", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.pipelines.ReorderStages(ctx, orgID, pipelineID, orderedStageIDs)
	})
	if err != nil {
		return err
	}

	telemetry.GetMetrics().StageReordersTotal.Add(ctx, 1)
	log.Debug().
		Str("pipeline_id", pipelineID.String()).
		Int("stages", len(orderedStageIDs)).
		Msg("Reordered stages")

	return nil
}

// DeleteStage removes a stage with no dependent deals.
func (r *Registry) DeleteStage(ctx context.Context, orgID, stageID uuid.UUID) error {
	_, err := retry.Do(ctx, "stage.delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.pipelines.DeleteStage(ctx, orgID, stageID)
	})
	return err
}
