//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dealdesk/dealdesk/internal/models"
	"github.com/dealdesk/dealdesk/internal/store"
)

func setupPostgresPool(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	pool, err := NewPool(ctx, &PoolConfig{ConnString: connString})
	require.NoError(t, err)

	require.NoError(t, RunMigrations(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}

	return pool, cleanup
}

func TestIntegration_TenantProvisioning(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresPool(t, ctx)
	defer cleanup()

	accounts := NewAccountStore(pool)

	t.Run("create tenant lands org, account and admin grant", func(t *testing.T) {
		ext := "github:42"
		created, err := accounts.CreateTenant(ctx,
			&models.Organization{OrgID: uuid.Must(uuid.NewV7()), Name: "Acme", Plan: models.PlanFree},
			&models.Account{AccountID: uuid.Must(uuid.NewV7()), Email: "ada@example.com", Name: "Ada", ExternalID: &ext},
		)
		require.NoError(t, err)
		require.NotNil(t, created.OrgID)
		require.True(t, created.Active)
		require.Contains(t, created.Roles, models.AdminRoleName)
	})

	t.Run("duplicate email rolls the whole transaction back", func(t *testing.T) {
		var orgsBefore int64
		require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM organizations").Scan(&orgsBefore))

		_, err := accounts.CreateTenant(ctx,
			&models.Organization{OrgID: uuid.Must(uuid.NewV7()), Name: "Dup", Plan: models.PlanFree},
			&models.Account{AccountID: uuid.Must(uuid.NewV7()), Email: "ada@example.com"},
		)
		require.ErrorIs(t, err, store.ErrAccountExists)

		var orgsAfter int64
		require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM organizations").Scan(&orgsAfter))
		require.Equal(t, orgsBefore, orgsAfter)
	})

	t.Run("lookup by email and external id agree", func(t *testing.T) {
		byEmail, err := accounts.GetByEmail(ctx, "ada@example.com")
		require.NoError(t, err)

		byExt, err := accounts.GetByExternalID(ctx, "github:42")
		require.NoError(t, err)
		require.Equal(t, byEmail.AccountID, byExt.AccountID)
	})
}

func TestIntegration_PipelineInvariants(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresPool(t, ctx)
	defer cleanup()

	pipelines := NewPipelineStore(pool)
	deals := NewDealStore(pool)
	orgID := seedOrg(t, ctx, pool)

	newP := func(name string, isDefault bool, position int) *models.Pipeline {
		return &models.Pipeline{
			PipelineID: uuid.Must(uuid.NewV7()),
			OrgID:      orgID,
			Name:       name,
			Active:     true,
			IsDefault:  isDefault,
			Position:   position,
		}
	}

	t.Run("partial unique index enforces one default per org", func(t *testing.T) {
		first := newP("Sales", true, 0)
		require.NoError(t, pipelines.Create(ctx, first))

		second := newP("Renewals", true, 1)
		require.NoError(t, pipelines.Create(ctx, second))

		list, err := pipelines.ListByOrg(ctx, orgID)
		require.NoError(t, err)

		defaults := 0
		for _, p := range list {
			if p.IsDefault {
				defaults++
			}
		}
		require.Equal(t, 1, defaults)
	})

	t.Run("reorder is transactional", func(t *testing.T) {
		p := newP("Board", false, 2)
		require.NoError(t, pipelines.Create(ctx, p))

		var ids []uuid.UUID
		for i, name := range []string{"A", "B", "C"} {
			st := &models.Stage{StageID: uuid.Must(uuid.NewV7()), PipelineID: p.PipelineID, Name: name, Position: i}
			require.NoError(t, pipelines.CreateStage(ctx, orgID, st))
			ids = append(ids, st.StageID)
		}

		// Valid permutation applies.
		require.NoError(t, pipelines.ReorderStages(ctx, orgID, p.PipelineID, []uuid.UUID{ids[2], ids[0], ids[1]}))

		// Partial list fails and changes nothing.
		err := pipelines.ReorderStages(ctx, orgID, p.PipelineID, []uuid.UUID{ids[0]})
		require.ErrorIs(t, err, store.ErrStageNotFound)

		got, err := pipelines.Get(ctx, orgID, p.PipelineID)
		require.NoError(t, err)
		require.Equal(t, "C", got.Stages[0].Name)
		require.Equal(t, "A", got.Stages[1].Name)
		require.Equal(t, "B", got.Stages[2].Name)
	})

	t.Run("duplicate stage position is rejected at commit", func(t *testing.T) {
		p := newP("Ordered", false, 4)
		require.NoError(t, pipelines.Create(ctx, p))

		first := &models.Stage{StageID: uuid.Must(uuid.NewV7()), PipelineID: p.PipelineID, Name: "Qualified", Position: 1}
		require.NoError(t, pipelines.CreateStage(ctx, orgID, first))

		dup := &models.Stage{StageID: uuid.Must(uuid.NewV7()), PipelineID: p.PipelineID, Name: "Proposal", Position: 1}
		err := pipelines.CreateStage(ctx, orgID, dup)
		require.ErrorIs(t, err, store.ErrStagePositionTaken)

		got, err := pipelines.Get(ctx, orgID, p.PipelineID)
		require.NoError(t, err)
		require.Len(t, got.Stages, 1)
	})

	t.Run("delete with dependent deals conflicts", func(t *testing.T) {
		p := newP("Guarded", false, 3)
		require.NoError(t, pipelines.Create(ctx, p))

		st := &models.Stage{StageID: uuid.Must(uuid.NewV7()), PipelineID: p.PipelineID, Name: "Qualified", Position: 0}
		require.NoError(t, pipelines.CreateStage(ctx, orgID, st))

		sid := st.StageID
		require.NoError(t, deals.Create(ctx, &models.Deal{
			DealID:      uuid.Must(uuid.NewV7()),
			OrgID:       orgID,
			ContactID:   uuid.Must(uuid.NewV7()),
			Title:       "Widgets",
			Status:      models.DealStatusOpen,
			LegacyStage: models.LegacyStageProspecting,
			StageID:     &sid,
		}))

		var conflict *store.DependencyConflictError
		err := pipelines.DeleteStage(ctx, orgID, st.StageID)
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, int64(1), conflict.Dependents)

		err = pipelines.Delete(ctx, orgID, p.PipelineID)
		require.ErrorAs(t, err, &conflict)
	})
}

func TestIntegration_DealStageTransitions(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresPool(t, ctx)
	defer cleanup()

	pipelines := NewPipelineStore(pool)
	deals := NewDealStore(pool)
	orgID := seedOrg(t, ctx, pool)

	d := &models.Deal{
		DealID:      uuid.Must(uuid.NewV7()),
		OrgID:       orgID,
		ContactID:   uuid.Must(uuid.NewV7()),
		Title:       "Widgets",
		Status:      models.DealStatusOpen,
		LegacyStage: models.LegacyStageProspecting,
	}
	require.NoError(t, deals.Create(ctx, d))

	t.Run("legacy enum update leaves stage reference nil", func(t *testing.T) {
		moved, err := deals.SetLegacyStage(ctx, orgID, d.DealID, models.LegacyStageProposal)
		require.NoError(t, err)
		require.Equal(t, models.LegacyStageProposal, moved.LegacyStage)
		require.Nil(t, moved.StageID)
	})

	t.Run("stage reference update leaves legacy enum untouched", func(t *testing.T) {
		p := &models.Pipeline{PipelineID: uuid.Must(uuid.NewV7()), OrgID: orgID, Name: "Sales", Active: true, IsDefault: true}
		require.NoError(t, pipelines.Create(ctx, p))
		st := &models.Stage{StageID: uuid.Must(uuid.NewV7()), PipelineID: p.PipelineID, Name: "Qualified", Position: 0}
		require.NoError(t, pipelines.CreateStage(ctx, orgID, st))

		moved, err := deals.SetStage(ctx, orgID, d.DealID, st.StageID)
		require.NoError(t, err)
		require.NotNil(t, moved.StageID)
		require.Equal(t, st.StageID, *moved.StageID)
		require.Equal(t, models.LegacyStageProposal, moved.LegacyStage)
	})

	t.Run("org scoping hides the deal from other tenants", func(t *testing.T) {
		otherOrg := seedOrg(t, ctx, pool)
		_, err := deals.Get(ctx, otherOrg, d.DealID)
		require.ErrorIs(t, err, store.ErrDealNotFound)
	})
}

func seedOrg(t *testing.T, ctx context.Context, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	orgID := uuid.Must(uuid.NewV7())
	_, err := pool.Exec(ctx,
		"INSERT INTO organizations (org_id, name, plan, created_at, updated_at) VALUES ($1, $2, $3, now(), now())",
		orgID, "Org "+orgID.String()[:8], models.PlanFree)
	require.NoError(t, err)
	return orgID
}
