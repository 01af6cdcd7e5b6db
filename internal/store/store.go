package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/dealdesk/dealdesk/internal/models"
)

// Sentinel errors for common error conditions.
//
// Not-found errors deliberately cover both "does not exist" and "belongs to a
// different organization" so callers cannot probe for cross-tenant records.
var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountExists        = errors.New("account already exists")
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrPipelineNotFound     = errors.New("pipeline not found")
	ErrStageNotFound        = errors.New("stage not found")
	ErrStagePositionTaken   = errors.New("stage position already in use")
	ErrDealNotFound         = errors.New("deal not found")

	// ErrUnavailable is returned by the retry layer when a transient storage
	// failure persists past the retry budget. Callers present it as "try
	// again", distinct from data errors.
	ErrUnavailable = errors.New("storage unavailable")
)

// DependencyConflictError rejects a delete that would orphan deal stage
// references. The operation is never partially applied.
type DependencyConflictError struct {
	Resource   string // "pipeline" or "stage"
	Dependents int64  // number of deals still referencing it
}

func (e *DependencyConflictError) Error() string {
	return fmt.Sprintf("%s has %d dependent deals", e.Resource, e.Dependents)
}

// AccountStore provides identity-keyed access to accounts plus the two
// multi-table transactions the tenant provisioner depends on. Every method
// must be safe to repeat: the retry layer may re-issue any of these calls.
type AccountStore interface {
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Account, error)

	// CreateTenant atomically creates org, finds-or-creates the global admin
	// role, and upserts the account keyed on its unique email with the admin
	// grant. Returns ErrAccountExists when a concurrent provisioning attempt
	// for the same identity won the race on a unique constraint.
	CreateTenant(ctx context.Context, org *models.Organization, account *models.Account) (*models.Account, error)

	// AttachOrganization creates org and points the account at it in one
	// transaction. Repair path for accounts that predate the organization
	// requirement. No-ops (returning the current record) if the account
	// already has an organization.
	AttachOrganization(ctx context.Context, accountID uuid.UUID, org *models.Organization) (*models.Account, error)

	// SetExternalID refreshes the identity-provider reference on an account.
	SetExternalID(ctx context.Context, accountID uuid.UUID, externalID string) error
}

// PipelineStore provides org-scoped access to pipelines and their stages.
// A stage Position < 0 on create means "append after the current maximum";
// an explicit position colliding with another stage of the same pipeline is
// rejected with ErrStagePositionTaken, keeping board order unambiguous.
type PipelineStore interface {
	Create(ctx context.Context, p *models.Pipeline) error
	Update(ctx context.Context, p *models.Pipeline) error
	Get(ctx context.Context, orgID, pipelineID uuid.UUID) (*models.Pipeline, error)
	ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.Pipeline, error)

	// DefaultWithStages resolves the pipeline that governs board placement
	// for an organization: the active default pipeline, or the first active
	// pipeline by position when none is flagged default. Returns
	// ErrPipelineNotFound when the organization has no active pipeline.
	DefaultWithStages(ctx context.Context, orgID uuid.UUID) (*models.Pipeline, error)

	// Delete removes a pipeline and its stages, rejecting with
	// DependencyConflictError while any deal references one of its stages.
	Delete(ctx context.Context, orgID, pipelineID uuid.UUID) error

	CreateStage(ctx context.Context, orgID uuid.UUID, s *models.Stage) error
	UpdateStage(ctx context.Context, orgID uuid.UUID, s *models.Stage) error
	GetStage(ctx context.Context, orgID, stageID uuid.UUID) (*models.Stage, error)

	// ReorderStages applies orderedIDs as the new stage order (each id's
	// position = its index) in a single all-or-nothing batch. Every stage of
	// the pipeline must appear exactly once.
	ReorderStages(ctx context.Context, orgID, pipelineID uuid.UUID, orderedIDs []uuid.UUID) error

	DeleteStage(ctx context.Context, orgID, stageID uuid.UUID) error
}

// DealStore provides org-scoped access to deals. Stage writes update exactly
// one of the two stage representations; selection happens in the deal mover,
// not here.
type DealStore interface {
	Create(ctx context.Context, d *models.Deal) error
	Get(ctx context.Context, orgID, dealID uuid.UUID) (*models.Deal, error)
	ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.Deal, error)
	SetStage(ctx context.Context, orgID, dealID, stageID uuid.UUID) (*models.Deal, error)
	SetLegacyStage(ctx context.Context, orgID, dealID uuid.UUID, stage models.LegacyStage) (*models.Deal, error)
	CountByStage(ctx context.Context, stageID uuid.UUID) (int64, error)
}
