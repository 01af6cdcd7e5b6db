package pipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dealdesk/dealdesk/internal/store"
	memorystore "github.com/dealdesk/dealdesk/internal/store/memory"
)

func TestRegistryCreatePipeline(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.Must(uuid.NewV7())

	t.Run("creates an active pipeline with empty stage list", func(t *testing.T) {
		r := NewRegistry(memorystore.NewPipelineStore(nil))

		p, err := r.CreatePipeline(ctx, orgID, CreatePipelineInput{Name: "  Sales  "})
		require.NoError(t, err)
		require.Equal(t, "Sales", p.Name)
		require.True(t, p.Active)
		require.NotNil(t, p.Stages)
		require.Empty(t, p.Stages)
	})

	t.Run("blank name is rejected", func(t *testing.T) {
		r := NewRegistry(memorystore.NewPipelineStore(nil))

		_, err := r.CreatePipeline(ctx, orgID, CreatePipelineInput{Name: "   "})
		var verr ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "name", verr[0].Field)
	})

	t.Run("new default demotes the previous one", func(t *testing.T) {
		st := memorystore.NewPipelineStore(nil)
		r := NewRegistry(st)

		first, err := r.CreatePipeline(ctx, orgID, CreatePipelineInput{Name: "Sales", IsDefault: true})
		require.NoError(t, err)
		_, err = r.CreatePipeline(ctx, orgID, CreatePipelineInput{Name: "Renewals", IsDefault: true, Position: 1})
		require.NoError(t, err)

		got, err := r.GetPipeline(ctx, orgID, first.PipelineID)
		require.NoError(t, err)
		require.False(t, got.IsDefault)
	})
}

func TestRegistryStages(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.Must(uuid.NewV7())

	setup := func(t *testing.T) (*Registry, uuid.UUID) {
		r := NewRegistry(memorystore.NewPipelineStore(nil))
		p, err := r.CreatePipeline(ctx, orgID, CreatePipelineInput{Name: "Sales", IsDefault: true})
		require.NoError(t, err)
		return r, p.PipelineID
	}

	t.Run("omitted position appends", func(t *testing.T) {
		r, pipelineID := setup(t)

		first, err := r.CreateStage(ctx, orgID, CreateStageInput{PipelineID: pipelineID, Name: "Qualified"})
		require.NoError(t, err)
		require.Equal(t, 0, first.Position)

		second, err := r.CreateStage(ctx, orgID, CreateStageInput{PipelineID: pipelineID, Name: "Proposal"})
		require.NoError(t, err)
		require.Equal(t, 1, second.Position)
	})

	t.Run("explicit position collision is rejected", func(t *testing.T) {
		r, pipelineID := setup(t)

		pos := 3
		_, err := r.CreateStage(ctx, orgID, CreateStageInput{PipelineID: pipelineID, Name: "Qualified", Position: &pos})
		require.NoError(t, err)

		_, err = r.CreateStage(ctx, orgID, CreateStageInput{PipelineID: pipelineID, Name: "Proposal", Position: &pos})
		require.ErrorIs(t, err, store.ErrStagePositionTaken)
	})

	t.Run("probability out of range is rejected", func(t *testing.T) {
		r, pipelineID := setup(t)

		bad := 120
		_, err := r.CreateStage(ctx, orgID, CreateStageInput{PipelineID: pipelineID, Name: "Won", Probability: &bad})
		var verr ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("update replaces stage attributes", func(t *testing.T) {
		r, pipelineID := setup(t)

		st, err := r.CreateStage(ctx, orgID, CreateStageInput{PipelineID: pipelineID, Name: "Won"})
		require.NoError(t, err)

		updated, err := r.UpdateStage(ctx, orgID, st.StageID, UpdateStageInput{
			Name:        "Closed Won",
			Color:       "#2a9d8f",
			Probability: 100,
			IsFinal:     true,
		})
		require.NoError(t, err)
		require.Equal(t, "Closed Won", updated.Name)
		require.Equal(t, 100, updated.Probability)
		require.True(t, updated.IsFinal)
	})

	t.Run("reorder applies the permutation", func(t *testing.T) {
		r, pipelineID := setup(t)

		a, err := r.CreateStage(ctx, orgID, CreateStageInput{PipelineID: pipelineID, Name: "A"})
		require.NoError(t, err)
		b, err := r.CreateStage(ctx, orgID, CreateStageInput{PipelineID: pipelineID, Name: "B"})
		require.NoError(t, err)

		require.NoError(t, r.ReorderStages(ctx, orgID, pipelineID, []uuid.UUID{b.StageID, a.StageID}))

		got, err := r.GetPipeline(ctx, orgID, pipelineID)
		require.NoError(t, err)
		require.Equal(t, "B", got.Stages[0].Name)
		require.Equal(t, "A", got.Stages[1].Name)
	})

	t.Run("empty reorder list is rejected", func(t *testing.T) {
		r, pipelineID := setup(t)

		err := r.ReorderStages(ctx, orgID, pipelineID, nil)
		var verr ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("reorder of a foreign pipeline is not found", func(t *testing.T) {
		r, _ := setup(t)

		err := r.ReorderStages(ctx, orgID, uuid.Must(uuid.NewV7()), []uuid.UUID{uuid.Must(uuid.NewV7())})
		require.ErrorIs(t, err, store.ErrPipelineNotFound)
	})
}
