// Package deal applies user-initiated stage transitions to deals. An
// organization is in exactly one of two addressing modes at any time:
// stage mode when it has an active pipeline with stages (targets are stage
// ids), legacy mode otherwise (targets are the fixed four-value enum).
// The mode is resolved per organization at read time, never cached on the
// deal, so every call site agrees.
package deal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dealdesk/dealdesk/internal/models"
	"github.com/dealdesk/dealdesk/internal/pipeline"
	"github.com/dealdesk/dealdesk/internal/store"
	"github.com/dealdesk/dealdesk/internal/store/retry"
	"github.com/dealdesk/dealdesk/internal/telemetry"
)

// ErrInvalidTarget rejects a stage-move target that is neither a stage of
// the organization's board pipeline nor a legacy enum value, depending on
// the organization's addressing mode.
var ErrInvalidTarget = errors.New("invalid target stage")

// Service owns deal reads/writes and the stage-transition operation.
type Service struct {
	deals     store.DealStore
	pipelines store.PipelineStore
}

// NewService creates a deal service.
func NewService(deals store.DealStore, pipelines store.PipelineStore) *Service {
	return &Service{deals: deals, pipelines: pipelines}
}

// CreateInput carries the fields for a new deal.
type CreateInput struct {
	ContactID   uuid.UUID
	CompanyID   *uuid.UUID
	Title       string
	ValueCents  int64
	Probability int
}

func (in *CreateInput) validate() error {
	var errs pipeline.ValidationError
	if in.ContactID == uuid.Nil {
		errs = append(errs, pipeline.FieldError{Field: "contactId", Message: "is required"})
	}
	if in.Probability < 0 || in.Probability > 100 {
		errs = append(errs, pipeline.FieldError{Field: "probability", Message: "must be between 0 and 100"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Create inserts a new open deal attached to a contact. In stage mode the
// deal starts on the board pipeline's first stage; in legacy mode on the
// prospecting enum value. Either way it resolves to exactly one current
// stage under the authoritative representation.
func (s *Service) Create(ctx context.Context, orgID uuid.UUID, in CreateInput) (*models.Deal, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := in.validate(); err != nil {
		return nil, err
	}

	d := &models.Deal{
		DealID:      uuid.Must(uuid.NewV7()),
		OrgID:       orgID,
		ContactID:   in.ContactID,
		CompanyID:   in.CompanyID,
		Title:       in.Title,
		ValueCents:  in.ValueCents,
		Status:      models.DealStatusOpen,
		Probability: in.Probability,
		LegacyStage: models.LegacyStageProspecting,
	}

	board, err := s.resolveBoard(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if board != nil {
		first := board.Stages[0].StageID
		d.StageID = &first
	}

	_, err = retry.Do(ctx, "deal.create", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.deals.Create(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Get retrieves an org-scoped deal.
func (s *Service) Get(ctx context.Context, orgID, dealID uuid.UUID) (*models.Deal, error) {
	return retry.Do(ctx, "deal.get", func(ctx context.Context) (*models.Deal, error) {
		return s.deals.Get(ctx, orgID, dealID)
	})
}

// List returns the organization's deals.
func (s *Service) List(ctx context.Context, orgID uuid.UUID) ([]*models.Deal, error) {
	return retry.Do(ctx, "deal.list", func(ctx context.Context) ([]*models.Deal, error) {
		return s.deals.ListByOrg(ctx, orgID)
	})
}

// Move relocates a deal on the board. target is a stage id in stage mode,
// a legacy enum value in legacy mode. Exactly one representation is
// written; moving a deal to its current stage is a no-op that performs
// zero writes and returns the deal unchanged.
func (s *Service) Move(ctx context.Context, orgID, dealID uuid.UUID, target string) (*models.Deal, error) {
	d, err := retry.Do(ctx, "deal.get", func(ctx context.Context) (*models.Deal, error) {
		return s.deals.Get(ctx, orgID, dealID)
	})
	if err != nil {
		return nil, err
	}

	board, err := s.resolveBoard(ctx, orgID)
	if err != nil {
		return nil, err
	}

	if board != nil {
		return s.moveToStage(ctx, d, board, target)
	}
	return s.moveToLegacy(ctx, d, target)
}

// resolveBoard returns the pipeline governing board placement for the
// organization, or nil when the organization is in legacy enum mode. This
// is the single place the addressing mode is decided.
func (s *Service) resolveBoard(ctx context.Context, orgID uuid.UUID) (*models.Pipeline, error) {
	p, err := retry.Do(ctx, "pipeline.default", func(ctx context.Context) (*models.Pipeline, error) {
		return s.pipelines.DefaultWithStages(ctx, orgID)
	})
	if err != nil {
		if errors.Is(err, store.ErrPipelineNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(p.Stages) == 0 {
		return nil, nil
	}
	return p, nil
}

func (s *Service) moveToStage(ctx context.Context, d *models.Deal, board *models.Pipeline, target string) (*models.Deal, error) {
	stageID, err := uuid.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a stage id", ErrInvalidTarget, target)
	}

	found := false
	for _, st := range board.Stages {
		if st.StageID == stageID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: stage %s is not on pipeline %s", ErrInvalidTarget, stageID, board.PipelineID)
	}

	if d.StageID != nil && *d.StageID == stageID {
		telemetry.GetMetrics().DealMoveNoopsTotal.Add(ctx, 1)
		return d, nil
	}

	// The legacy enum field stays untouched; it is vestigial for this
	// organization.
	moved, err := retry.Do(ctx, "deal.set_stage", func(ctx context.Context) (*models.Deal, error) {
		return s.deals.SetStage(ctx, d.OrgID, d.DealID, stageID)
	})
	if err != nil {
		return nil, err
	}

	telemetry.GetMetrics().DealMovesTotal.Add(ctx, 1)
	log.Debug().
		Str("deal_id", d.DealID.String()).
		Str("stage_id", stageID.String()).
		Msg("Moved deal to stage")

	return moved, nil
}

func (s *Service) moveToLegacy(ctx context.Context, d *models.Deal, target string) (*models.Deal, error) {
	legacy, err := models.ParseLegacyStage(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	if d.LegacyStage == legacy {
		telemetry.GetMetrics().DealMoveNoopsTotal.Add(ctx, 1)
		return d, nil
	}

	moved, err := retry.Do(ctx, "deal.set_legacy_stage", func(ctx context.Context) (*models.Deal, error) {
		return s.deals.SetLegacyStage(ctx, d.OrgID, d.DealID, legacy)
	})
	if err != nil {
		return nil, err
	}

	telemetry.GetMetrics().DealMovesTotal.Add(ctx, 1)
	log.Debug().
		Str("deal_id", d.DealID.String()).
		Str("stage", string(legacy)).
		Msg("Moved deal to legacy stage")

	return moved, nil
}
