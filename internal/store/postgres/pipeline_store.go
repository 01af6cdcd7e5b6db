package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/dealdesk/dealdesk/internal/models"
	"github.com/dealdesk/dealdesk/internal/store"
)

// PipelineStore implements store.PipelineStore using PostgreSQL.
type PipelineStore struct {
	pool *pgxpool.Pool
}

// NewPipelineStore creates a new PostgreSQL-backed pipeline store.
// It shares the connection pool with other stores.
func NewPipelineStore(pool *pgxpool.Pool) *PipelineStore {
	return &PipelineStore{
		pool: pool,
	}
}

// Create inserts a pipeline. When the new pipeline is flagged default, the
// organization's other defaults are cleared in the same transaction so the
// at-most-one-default invariant holds at every observation point.
func (s *PipelineStore) Create(ctx context.Context, p *models.Pipeline) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	now := time.Now()

	if p.IsDefault {
		if err := clearDefault(ctx, tx, p.OrgID, now); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO pipelines (pipeline_id, org_id, name, active, is_default, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, p.PipelineID, p.OrgID, p.Name, p.Active, p.IsDefault, p.Position, now)
	if err != nil {
		return classifyError(fmt.Errorf("failed to create pipeline: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyError(fmt.Errorf("failed to commit pipeline creation: %w", err))
	}

	log.Debug().
		Str("pipeline_id", p.PipelineID.String()).
		Str("org_id", p.OrgID.String()).
		Bool("is_default", p.IsDefault).
		Msg("Created pipeline")

	return nil
}

// Update applies name/active/default/position changes, clearing other
// defaults transactionally when the pipeline becomes the default.
func (s *PipelineStore) Update(ctx context.Context, p *models.Pipeline) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	now := time.Now()

	if p.IsDefault {
		if err := clearDefault(ctx, tx, p.OrgID, now); err != nil {
			return err
		}
	}

	result, err := tx.Exec(ctx, `
		UPDATE pipelines SET
			name = $3,
			active = $4,
			is_default = $5,
			position = $6,
			updated_at = $7
		WHERE pipeline_id = $1 AND org_id = $2
	`, p.PipelineID, p.OrgID, p.Name, p.Active, p.IsDefault, p.Position, now)
	if err != nil {
		return classifyError(fmt.Errorf("failed to update pipeline: %w", err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrPipelineNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyError(fmt.Errorf("failed to commit pipeline update: %w", err))
	}

	return nil
}

func clearDefault(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE pipelines SET is_default = FALSE, updated_at = $2
		WHERE org_id = $1 AND is_default
	`, orgID, now)
	if err != nil {
		return classifyError(fmt.Errorf("failed to clear default pipeline: %w", err))
	}
	return nil
}

// Get retrieves an org-scoped pipeline with its ordered stages.
func (s *PipelineStore) Get(ctx context.Context, orgID, pipelineID uuid.UUID) (*models.Pipeline, error) {
	query := `
		SELECT pipeline_id, org_id, name, active, is_default, position, created_at, updated_at
		FROM pipelines
		WHERE pipeline_id = $1 AND org_id = $2
	`

	var p models.Pipeline
	err := s.pool.QueryRow(ctx, query, pipelineID, orgID).Scan(
		&p.PipelineID,
		&p.OrgID,
		&p.Name,
		&p.Active,
		&p.IsDefault,
		&p.Position,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrPipelineNotFound
		}
		return nil, classifyError(fmt.Errorf("failed to get pipeline: %w", err))
	}

	if p.Stages, err = s.loadStages(ctx, p.PipelineID); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListByOrg returns the organization's pipelines ordered by position, each
// with its ordered stages.
func (s *PipelineStore) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.Pipeline, error) {
	query := `
		SELECT pipeline_id, org_id, name, active, is_default, position, created_at, updated_at
		FROM pipelines
		WHERE org_id = $1
		ORDER BY position, created_at
	`

	rows, err := s.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list pipelines: %w", err))
	}
	defer rows.Close()

	var pipelines []*models.Pipeline
	for rows.Next() {
		var p models.Pipeline
		err := rows.Scan(
			&p.PipelineID,
			&p.OrgID,
			&p.Name,
			&p.Active,
			&p.IsDefault,
			&p.Position,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, classifyError(fmt.Errorf("failed to scan pipeline: %w", err))
		}
		pipelines = append(pipelines, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(fmt.Errorf("error iterating pipelines: %w", err))
	}

	for _, p := range pipelines {
		if p.Stages, err = s.loadStages(ctx, p.PipelineID); err != nil {
			return nil, err
		}
	}
	return pipelines, nil
}

// DefaultWithStages resolves the pipeline governing board placement for an
// organization: the active default, or the first active pipeline by
// position when none is flagged default.
func (s *PipelineStore) DefaultWithStages(ctx context.Context, orgID uuid.UUID) (*models.Pipeline, error) {
	query := `
		SELECT pipeline_id, org_id, name, active, is_default, position, created_at, updated_at
		FROM pipelines
		WHERE org_id = $1 AND active
		ORDER BY is_default DESC, position, created_at
		LIMIT 1
	`

	var p models.Pipeline
	err := s.pool.QueryRow(ctx, query, orgID).Scan(
		&p.PipelineID,
		&p.OrgID,
		&p.Name,
		&p.Active,
		&p.IsDefault,
		&p.Position,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrPipelineNotFound
		}
		return nil, classifyError(fmt.Errorf("failed to resolve default pipeline: %w", err))
	}

	if p.Stages, err = s.loadStages(ctx, p.PipelineID); err != nil {
		return nil, err
	}
	return &p, nil
}

// Delete removes a pipeline and its stages. Rejected with
// DependencyConflictError while any deal references one of its stages.
func (s *PipelineStore) Delete(ctx context.Context, orgID, pipelineID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM pipelines WHERE pipeline_id = $1 AND org_id = $2)
	`, pipelineID, orgID).Scan(&exists)
	if err != nil {
		return classifyError(fmt.Errorf("failed to check pipeline: %w", err))
	}
	if !exists {
		return store.ErrPipelineNotFound
	}

	var dependents int64
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM deals d
		JOIN stages s ON s.stage_id = d.stage_id
		WHERE s.pipeline_id = $1
	`, pipelineID).Scan(&dependents)
	if err != nil {
		return classifyError(fmt.Errorf("failed to count dependent deals: %w", err))
	}
	if dependents > 0 {
		return &store.DependencyConflictError{Resource: "pipeline", Dependents: dependents}
	}

	if _, err = tx.Exec(ctx, `DELETE FROM stages WHERE pipeline_id = $1`, pipelineID); err != nil {
		return classifyError(fmt.Errorf("failed to delete stages: %w", err))
	}
	if _, err = tx.Exec(ctx, `DELETE FROM pipelines WHERE pipeline_id = $1`, pipelineID); err != nil {
		return classifyError(fmt.Errorf("failed to delete pipeline: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyError(fmt.Errorf("failed to commit pipeline delete: %w", err))
	}

	log.Info().
		Str("pipeline_id", pipelineID.String()).
		Str("org_id", orgID.String()).
		Msg("Deleted pipeline")

	return nil
}

// CreateStage inserts a stage into one of the organization's pipelines.
// Position < 0 appends after the current maximum; the append is computed in
// the same transaction as the insert. An explicit position already held by a
// sibling stage surfaces as ErrStagePositionTaken when the deferred unique
// constraint fires at commit.
func (s *PipelineStore) CreateStage(ctx context.Context, orgID uuid.UUID, st *models.Stage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM pipelines WHERE pipeline_id = $1 AND org_id = $2)
	`, st.PipelineID, orgID).Scan(&exists)
	if err != nil {
		return classifyError(fmt.Errorf("failed to check pipeline: %w", err))
	}
	if !exists {
		return store.ErrPipelineNotFound
	}

	if st.Position < 0 {
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(position) + 1, 0) FROM stages WHERE pipeline_id = $1
		`, st.PipelineID).Scan(&st.Position)
		if err != nil {
			return classifyError(fmt.Errorf("failed to compute stage position: %w", err))
		}
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		INSERT INTO stages (stage_id, pipeline_id, name, color, position, probability, is_final, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, st.StageID, st.PipelineID, st.Name, st.Color, st.Position, st.Probability, st.IsFinal, now)
	if err != nil {
		return classifyError(fmt.Errorf("failed to create stage: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		if isStagePositionViolation(err) {
			return store.ErrStagePositionTaken
		}
		return classifyError(fmt.Errorf("failed to commit stage creation: %w", err))
	}

	return nil
}

// UpdateStage applies name/color/probability/final changes to a stage.
func (s *PipelineStore) UpdateStage(ctx context.Context, orgID uuid.UUID, st *models.Stage) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE stages SET
			name = $3,
			color = $4,
			probability = $5,
			is_final = $6,
			updated_at = $7
		FROM pipelines p
		WHERE stages.stage_id = $1
		  AND stages.pipeline_id = p.pipeline_id
		  AND p.org_id = $2
	`, st.StageID, orgID, st.Name, st.Color, st.Probability, st.IsFinal, time.Now())
	if err != nil {
		return classifyError(fmt.Errorf("failed to update stage: %w", err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrStageNotFound
	}
	return nil
}

// GetStage retrieves an org-scoped stage.
func (s *PipelineStore) GetStage(ctx context.Context, orgID, stageID uuid.UUID) (*models.Stage, error) {
	query := `
		SELECT s.stage_id, s.pipeline_id, s.name, s.color, s.position, s.probability, s.is_final, s.created_at, s.updated_at
		FROM stages s
		JOIN pipelines p ON p.pipeline_id = s.pipeline_id
		WHERE s.stage_id = $1 AND p.org_id = $2
	`

	var st models.Stage
	err := s.pool.QueryRow(ctx, query, stageID, orgID).Scan(
		&st.StageID,
		&st.PipelineID,
		&st.Name,
		&st.Color,
		&st.Position,
		&st.Probability,
		&st.IsFinal,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrStageNotFound
		}
		return nil, classifyError(fmt.Errorf("failed to get stage: %w", err))
	}
	return &st, nil
}

// ReorderStages applies orderedIDs as the new stage order in one atomic
// batch: each id's position becomes its index in the list. The transaction
// validates the list covers the pipeline's stages exactly before writing, so
// a failed reorder leaves the original order observable.
func (s *PipelineStore) ReorderStages(ctx context.Context, orgID, pipelineID uuid.UUID, orderedIDs []uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM pipelines WHERE pipeline_id = $1 AND org_id = $2)
	`, pipelineID, orgID).Scan(&exists)
	if err != nil {
		return classifyError(fmt.Errorf("failed to check pipeline: %w", err))
	}
	if !exists {
		return store.ErrPipelineNotFound
	}

	var total int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM stages WHERE pipeline_id = $1
	`, pipelineID).Scan(&total)
	if err != nil {
		return classifyError(fmt.Errorf("failed to count stages: %w", err))
	}
	if total != len(orderedIDs) {
		return store.ErrStageNotFound
	}

	now := time.Now()
	result, err := tx.Exec(ctx, `
		UPDATE stages SET position = u.pos, updated_at = $3
		FROM (
			SELECT unnest($1::uuid[]) AS stage_id,
			       generate_subscripts($1::uuid[], 1) - 1 AS pos
		) u
		WHERE stages.stage_id = u.stage_id AND stages.pipeline_id = $2
	`, orderedIDs, pipelineID, now)
	if err != nil {
		return classifyError(fmt.Errorf("failed to reorder stages: %w", err))
	}
	if int(result.RowsAffected()) != len(orderedIDs) {
		// Some supplied id is not a stage of this pipeline; roll back.
		return store.ErrStageNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyError(fmt.Errorf("failed to commit stage reorder: %w", err))
	}

	log.Debug().
		Str("pipeline_id", pipelineID.String()).
		Int("stages", len(orderedIDs)).
		Msg("Reordered stages")

	return nil
}

// DeleteStage removes a stage. Rejected with DependencyConflictError while
// any deal references it.
func (s *PipelineStore) DeleteStage(ctx context.Context, orgID, stageID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM stages s
			JOIN pipelines p ON p.pipeline_id = s.pipeline_id
			WHERE s.stage_id = $1 AND p.org_id = $2
		)
	`, stageID, orgID).Scan(&exists)
	if err != nil {
		return classifyError(fmt.Errorf("failed to check stage: %w", err))
	}
	if !exists {
		return store.ErrStageNotFound
	}

	var dependents int64
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM deals WHERE stage_id = $1`, stageID).Scan(&dependents)
	if err != nil {
		return classifyError(fmt.Errorf("failed to count dependent deals: %w", err))
	}
	if dependents > 0 {
		return &store.DependencyConflictError{Resource: "stage", Dependents: dependents}
	}

	if _, err = tx.Exec(ctx, `DELETE FROM stages WHERE stage_id = $1`, stageID); err != nil {
		return classifyError(fmt.Errorf("failed to delete stage: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyError(fmt.Errorf("failed to commit stage delete: %w", err))
	}

	return nil
}

func (s *PipelineStore) loadStages(ctx context.Context, pipelineID uuid.UUID) ([]*models.Stage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stage_id, pipeline_id, name, color, position, probability, is_final, created_at, updated_at
		FROM stages
		WHERE pipeline_id = $1
		ORDER BY position
	`, pipelineID)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to load stages: %w", err))
	}
	defer rows.Close()

	var stages []*models.Stage
	for rows.Next() {
		var st models.Stage
		err := rows.Scan(
			&st.StageID,
			&st.PipelineID,
			&st.Name,
			&st.Color,
			&st.Position,
			&st.Probability,
			&st.IsFinal,
			&st.CreatedAt,
			&st.UpdatedAt,
		)
		if err != nil {
			return nil, classifyError(fmt.Errorf("failed to scan stage: %w", err))
		}
		stages = append(stages, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(fmt.Errorf("error iterating stages: %w", err))
	}
	return stages, nil
}
