package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dealdesk/dealdesk/internal/models"
	"github.com/dealdesk/dealdesk/internal/store"
)

func newPipeline(orgID uuid.UUID, name string, isDefault bool, position int) *models.Pipeline {
	return &models.Pipeline{
		PipelineID: uuid.Must(uuid.NewV7()),
		OrgID:      orgID,
		Name:       name,
		Active:     true,
		IsDefault:  isDefault,
		Position:   position,
	}
}

func newStage(pipelineID uuid.UUID, name string, position int) *models.Stage {
	return &models.Stage{
		StageID:    uuid.Must(uuid.NewV7()),
		PipelineID: pipelineID,
		Name:       name,
		Position:   position,
	}
}

func TestPipelineStoreDefaultInvariant(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.Must(uuid.NewV7())

	t.Run("creating a second default clears the first", func(t *testing.T) {
		st := NewPipelineStore(nil)

		first := newPipeline(orgID, "Sales", true, 0)
		require.NoError(t, st.Create(ctx, first))

		second := newPipeline(orgID, "Renewals", true, 1)
		require.NoError(t, st.Create(ctx, second))

		list, err := st.ListByOrg(ctx, orgID)
		require.NoError(t, err)
		require.Len(t, list, 2)

		defaults := 0
		for _, p := range list {
			if p.IsDefault {
				defaults++
				require.Equal(t, second.PipelineID, p.PipelineID)
			}
		}
		require.Equal(t, 1, defaults)
	})

	t.Run("default flag does not leak across organizations", func(t *testing.T) {
		st := NewPipelineStore(nil)
		otherOrg := uuid.Must(uuid.NewV7())

		require.NoError(t, st.Create(ctx, newPipeline(orgID, "Sales", true, 0)))
		require.NoError(t, st.Create(ctx, newPipeline(otherOrg, "Sales", true, 0)))

		for _, org := range []uuid.UUID{orgID, otherOrg} {
			list, err := st.ListByOrg(ctx, org)
			require.NoError(t, err)
			require.Len(t, list, 1)
			require.True(t, list[0].IsDefault)
		}
	})

	t.Run("update promoting a pipeline demotes the previous default", func(t *testing.T) {
		st := NewPipelineStore(nil)

		first := newPipeline(orgID, "Sales", true, 0)
		second := newPipeline(orgID, "Renewals", false, 1)
		require.NoError(t, st.Create(ctx, first))
		require.NoError(t, st.Create(ctx, second))

		second.IsDefault = true
		require.NoError(t, st.Update(ctx, second))

		got, err := st.Get(ctx, orgID, first.PipelineID)
		require.NoError(t, err)
		require.False(t, got.IsDefault)
	})
}

func TestPipelineStoreDefaultWithStages(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.Must(uuid.NewV7())

	t.Run("no pipelines resolves to not found", func(t *testing.T) {
		st := NewPipelineStore(nil)
		_, err := st.DefaultWithStages(ctx, orgID)
		require.ErrorIs(t, err, store.ErrPipelineNotFound)
	})

	t.Run("prefers the active default", func(t *testing.T) {
		st := NewPipelineStore(nil)
		first := newPipeline(orgID, "First", false, 0)
		second := newPipeline(orgID, "Second", true, 1)
		require.NoError(t, st.Create(ctx, first))
		require.NoError(t, st.Create(ctx, second))

		got, err := st.DefaultWithStages(ctx, orgID)
		require.NoError(t, err)
		require.Equal(t, second.PipelineID, got.PipelineID)
	})

	t.Run("falls back to lowest position when no default", func(t *testing.T) {
		st := NewPipelineStore(nil)
		first := newPipeline(orgID, "First", false, 0)
		second := newPipeline(orgID, "Second", false, 1)
		require.NoError(t, st.Create(ctx, second))
		require.NoError(t, st.Create(ctx, first))

		got, err := st.DefaultWithStages(ctx, orgID)
		require.NoError(t, err)
		require.Equal(t, first.PipelineID, got.PipelineID)
	})

	t.Run("skips inactive pipelines", func(t *testing.T) {
		st := NewPipelineStore(nil)
		inactive := newPipeline(orgID, "Old", true, 0)
		inactive.Active = false
		require.NoError(t, st.Create(ctx, inactive))

		_, err := st.DefaultWithStages(ctx, orgID)
		require.ErrorIs(t, err, store.ErrPipelineNotFound)
	})

	t.Run("returns stages in position order", func(t *testing.T) {
		st := NewPipelineStore(nil)
		p := newPipeline(orgID, "Sales", true, 0)
		require.NoError(t, st.Create(ctx, p))

		s2 := newStage(p.PipelineID, "Second", 1)
		s1 := newStage(p.PipelineID, "First", 0)
		require.NoError(t, st.CreateStage(ctx, orgID, s2))
		require.NoError(t, st.CreateStage(ctx, orgID, s1))

		got, err := st.DefaultWithStages(ctx, orgID)
		require.NoError(t, err)
		require.Len(t, got.Stages, 2)
		require.Equal(t, "First", got.Stages[0].Name)
		require.Equal(t, "Second", got.Stages[1].Name)
	})
}

func TestPipelineStoreCreateStage(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.Must(uuid.NewV7())

	t.Run("negative position appends after current max", func(t *testing.T) {
		st := NewPipelineStore(nil)
		p := newPipeline(orgID, "Sales", true, 0)
		require.NoError(t, st.Create(ctx, p))

		first := newStage(p.PipelineID, "First", -1)
		require.NoError(t, st.CreateStage(ctx, orgID, first))
		require.Equal(t, 0, first.Position)

		second := newStage(p.PipelineID, "Second", -1)
		require.NoError(t, st.CreateStage(ctx, orgID, second))
		require.Equal(t, 1, second.Position)
	})

	t.Run("rejects explicit position held by a sibling stage", func(t *testing.T) {
		st := NewPipelineStore(nil)
		p := newPipeline(orgID, "Sales", true, 0)
		require.NoError(t, st.Create(ctx, p))

		require.NoError(t, st.CreateStage(ctx, orgID, newStage(p.PipelineID, "First", 1)))
		err := st.CreateStage(ctx, orgID, newStage(p.PipelineID, "Second", 1))
		require.ErrorIs(t, err, store.ErrStagePositionTaken)

		// The same position on another pipeline is fine.
		other := newPipeline(orgID, "Renewals", false, 1)
		require.NoError(t, st.Create(ctx, other))
		require.NoError(t, st.CreateStage(ctx, orgID, newStage(other.PipelineID, "First", 1)))

		// Appends still land after the taken position.
		appended := newStage(p.PipelineID, "Appended", -1)
		require.NoError(t, st.CreateStage(ctx, orgID, appended))
		require.Equal(t, 2, appended.Position)
	})

	t.Run("rejects stage on another organization's pipeline", func(t *testing.T) {
		st := NewPipelineStore(nil)
		p := newPipeline(orgID, "Sales", true, 0)
		require.NoError(t, st.Create(ctx, p))

		otherOrg := uuid.Must(uuid.NewV7())
		err := st.CreateStage(ctx, otherOrg, newStage(p.PipelineID, "Sneaky", -1))
		require.ErrorIs(t, err, store.ErrPipelineNotFound)
	})
}

func TestPipelineStoreReorderStages(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.Must(uuid.NewV7())

	setup := func(t *testing.T) (*PipelineStore, *models.Pipeline, []*models.Stage) {
		st := NewPipelineStore(nil)
		p := newPipeline(orgID, "Sales", true, 0)
		require.NoError(t, st.Create(ctx, p))

		stages := []*models.Stage{
			newStage(p.PipelineID, "A", 0),
			newStage(p.PipelineID, "B", 1),
			newStage(p.PipelineID, "C", 2),
		}
		for _, s := range stages {
			require.NoError(t, st.CreateStage(ctx, orgID, s))
		}
		return st, p, stages
	}

	t.Run("applies full permutation", func(t *testing.T) {
		st, p, stages := setup(t)

		order := []uuid.UUID{stages[2].StageID, stages[0].StageID, stages[1].StageID}
		require.NoError(t, st.ReorderStages(ctx, orgID, p.PipelineID, order))

		got, err := st.Get(ctx, orgID, p.PipelineID)
		require.NoError(t, err)
		require.Equal(t, "C", got.Stages[0].Name)
		require.Equal(t, "A", got.Stages[1].Name)
		require.Equal(t, "B", got.Stages[2].Name)
	})

	t.Run("partial list leaves order untouched", func(t *testing.T) {
		st, p, stages := setup(t)

		err := st.ReorderStages(ctx, orgID, p.PipelineID, []uuid.UUID{stages[1].StageID})
		require.ErrorIs(t, err, store.ErrStageNotFound)

		got, err := st.Get(ctx, orgID, p.PipelineID)
		require.NoError(t, err)
		require.Equal(t, "A", got.Stages[0].Name)
		require.Equal(t, "B", got.Stages[1].Name)
		require.Equal(t, "C", got.Stages[2].Name)
	})

	t.Run("unknown stage id leaves order untouched", func(t *testing.T) {
		st, p, stages := setup(t)

		order := []uuid.UUID{stages[0].StageID, stages[1].StageID, uuid.Must(uuid.NewV7())}
		err := st.ReorderStages(ctx, orgID, p.PipelineID, order)
		require.ErrorIs(t, err, store.ErrStageNotFound)

		got, err := st.Get(ctx, orgID, p.PipelineID)
		require.NoError(t, err)
		require.Equal(t, "A", got.Stages[0].Name)
	})

	t.Run("duplicate stage id is rejected", func(t *testing.T) {
		st, p, stages := setup(t)

		order := []uuid.UUID{stages[0].StageID, stages[0].StageID, stages[1].StageID}
		err := st.ReorderStages(ctx, orgID, p.PipelineID, order)
		require.ErrorIs(t, err, store.ErrStageNotFound)
	})
}

func TestPipelineStoreDependentDelete(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.Must(uuid.NewV7())

	setup := func(t *testing.T) (*PipelineStore, *DealStore, *models.Pipeline, *models.Stage) {
		deals := NewDealStore()
		st := NewPipelineStore(deals)

		p := newPipeline(orgID, "Sales", true, 0)
		require.NoError(t, st.Create(ctx, p))
		stage := newStage(p.PipelineID, "Qualified", 0)
		require.NoError(t, st.CreateStage(ctx, orgID, stage))

		return st, deals, p, stage
	}

	t.Run("stage with deals cannot be deleted", func(t *testing.T) {
		st, deals, _, stage := setup(t)

		for range 3 {
			sid := stage.StageID
			require.NoError(t, deals.Create(ctx, &models.Deal{
				DealID:    uuid.Must(uuid.NewV7()),
				OrgID:     orgID,
				ContactID: uuid.Must(uuid.NewV7()),
				Status:    models.DealStatusOpen,
				StageID:   &sid,
			}))
		}

		err := st.DeleteStage(ctx, orgID, stage.StageID)
		var conflict *store.DependencyConflictError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, "stage", conflict.Resource)
		require.Equal(t, int64(3), conflict.Dependents)

		// Stage is still there.
		_, err = st.GetStage(ctx, orgID, stage.StageID)
		require.NoError(t, err)
	})

	t.Run("pipeline with referenced stages cannot be deleted", func(t *testing.T) {
		st, deals, p, stage := setup(t)

		sid := stage.StageID
		require.NoError(t, deals.Create(ctx, &models.Deal{
			DealID:    uuid.Must(uuid.NewV7()),
			OrgID:     orgID,
			ContactID: uuid.Must(uuid.NewV7()),
			Status:    models.DealStatusOpen,
			StageID:   &sid,
		}))

		err := st.Delete(ctx, orgID, p.PipelineID)
		var conflict *store.DependencyConflictError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, "pipeline", conflict.Resource)
		require.Equal(t, int64(1), conflict.Dependents)
	})

	t.Run("unreferenced stage deletes cleanly", func(t *testing.T) {
		st, _, _, stage := setup(t)

		require.NoError(t, st.DeleteStage(ctx, orgID, stage.StageID))
		_, err := st.GetStage(ctx, orgID, stage.StageID)
		require.ErrorIs(t, err, store.ErrStageNotFound)
	})

	t.Run("unreferenced pipeline deletes with its stages", func(t *testing.T) {
		st, _, p, stage := setup(t)

		require.NoError(t, st.Delete(ctx, orgID, p.PipelineID))
		_, err := st.Get(ctx, orgID, p.PipelineID)
		require.ErrorIs(t, err, store.ErrPipelineNotFound)
		_, err = st.GetStage(ctx, orgID, stage.StageID)
		require.ErrorIs(t, err, store.ErrStageNotFound)
	})
}
