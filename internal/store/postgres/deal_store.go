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

// DealStore implements store.DealStore using PostgreSQL.
type DealStore struct {
	pool *pgxpool.Pool
}

// NewDealStore creates a new PostgreSQL-backed deal store.
// It shares the connection pool with other stores.
func NewDealStore(pool *pgxpool.Pool) *DealStore {
	return &DealStore{
		pool: pool,
	}
}

const dealColumns = `
	deal_id, org_id, contact_id, company_id, title, value_cents,
	status, probability, legacy_stage, stage_id, created_at, updated_at
`

// Create inserts a deal.
func (s *DealStore) Create(ctx context.Context, d *models.Deal) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deals (deal_id, org_id, contact_id, company_id, title, value_cents,
			status, probability, legacy_stage, stage_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, d.DealID, d.OrgID, d.ContactID, d.CompanyID, d.Title, d.ValueCents,
		d.Status, d.Probability, string(d.LegacyStage), d.StageID, now)
	if err != nil {
		return classifyError(fmt.Errorf("failed to create deal: %w", err))
	}

	log.Debug().
		Str("deal_id", d.DealID.String()).
		Str("org_id", d.OrgID.String()).
		Msg("Created deal")

	return nil
}

// Get retrieves an org-scoped deal.
func (s *DealStore) Get(ctx context.Context, orgID, dealID uuid.UUID) (*models.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE deal_id = $1 AND org_id = $2`

	d, err := scanDeal(s.pool.QueryRow(ctx, query, dealID, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrDealNotFound
		}
		return nil, classifyError(fmt.Errorf("failed to get deal: %w", err))
	}
	return d, nil
}

// ListByOrg returns the organization's deals, newest first.
func (s *DealStore) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE org_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list deals: %w", err))
	}
	defer rows.Close()

	var deals []*models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, classifyError(fmt.Errorf("failed to scan deal: %w", err))
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(fmt.Errorf("error iterating deals: %w", err))
	}
	return deals, nil
}

// SetStage updates the custom stage reference, leaving the legacy enum
// untouched.
func (s *DealStore) SetStage(ctx context.Context, orgID, dealID, stageID uuid.UUID) (*models.Deal, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE deals SET stage_id = $3, updated_at = $4
		WHERE deal_id = $1 AND org_id = $2
	`, dealID, orgID, stageID, time.Now())
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to set deal stage: %w", err))
	}
	if result.RowsAffected() == 0 {
		return nil, store.ErrDealNotFound
	}
	return s.Get(ctx, orgID, dealID)
}

// SetLegacyStage updates the legacy enum, leaving the stage reference
// untouched.
func (s *DealStore) SetLegacyStage(ctx context.Context, orgID, dealID uuid.UUID, stage models.LegacyStage) (*models.Deal, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE deals SET legacy_stage = $3, updated_at = $4
		WHERE deal_id = $1 AND org_id = $2
	`, dealID, orgID, string(stage), time.Now())
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to set deal legacy stage: %w", err))
	}
	if result.RowsAffected() == 0 {
		return nil, store.ErrDealNotFound
	}
	return s.Get(ctx, orgID, dealID)
}

// CountByStage reports how many deals reference a stage.
func (s *DealStore) CountByStage(ctx context.Context, stageID uuid.UUID) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deals WHERE stage_id = $1`, stageID).Scan(&n)
	if err != nil {
		return 0, classifyError(fmt.Errorf("failed to count deals by stage: %w", err))
	}
	return n, nil
}

func scanDeal(row pgx.Row) (*models.Deal, error) {
	var d models.Deal
	var legacy string
	err := row.Scan(
		&d.DealID,
		&d.OrgID,
		&d.ContactID,
		&d.CompanyID,
		&d.Title,
		&d.ValueCents,
		&d.Status,
		&d.Probability,
		&legacy,
		&d.StageID,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.LegacyStage = models.LegacyStage(legacy)
	return &d, nil
}
