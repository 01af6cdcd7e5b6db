package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dealdesk/dealdesk/internal/models"
	"github.com/dealdesk/dealdesk/internal/store"
)

// DealStore is an in-memory implementation of store.DealStore for
// development and testing.
type DealStore struct {
	mu    sync.Mutex
	deals map[uuid.UUID]*models.Deal

	// Writes counts persisted mutations; test hook for the no-op property
	// of deal moves.
	Writes int
}

// NewDealStore creates a new in-memory deal store.
func NewDealStore() *DealStore {
	return &DealStore{
		deals: make(map[uuid.UUID]*models.Deal),
	}
}

// Create inserts a deal.
func (s *DealStore) Create(ctx context.Context, d *models.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cp := copyDeal(d)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.deals[cp.DealID] = cp
	s.Writes++
	return nil
}

// Get retrieves an org-scoped deal.
func (s *DealStore) Get(ctx context.Context, orgID, dealID uuid.UUID) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deals[dealID]
	if !ok || d.OrgID != orgID {
		return nil, store.ErrDealNotFound
	}
	return copyDeal(d), nil
}

// ListByOrg returns the organization's deals, newest first.
func (s *DealStore) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Deal
	for _, d := range s.deals {
		if d.OrgID == orgID {
			out = append(out, copyDeal(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SetStage updates the custom stage reference, leaving the legacy enum
// untouched.
func (s *DealStore) SetStage(ctx context.Context, orgID, dealID, stageID uuid.UUID) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deals[dealID]
	if !ok || d.OrgID != orgID {
		return nil, store.ErrDealNotFound
	}
	id := stageID
	d.StageID = &id
	d.UpdatedAt = time.Now()
	s.Writes++
	return copyDeal(d), nil
}

// SetLegacyStage updates the legacy enum, leaving the stage reference
// untouched.
func (s *DealStore) SetLegacyStage(ctx context.Context, orgID, dealID uuid.UUID, stage models.LegacyStage) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deals[dealID]
	if !ok || d.OrgID != orgID {
		return nil, store.ErrDealNotFound
	}
	d.LegacyStage = stage
	d.UpdatedAt = time.Now()
	s.Writes++
	return copyDeal(d), nil
}

// CountByStage reports how many deals reference a stage.
func (s *DealStore) CountByStage(ctx context.Context, stageID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, d := range s.deals {
		if d.StageID != nil && *d.StageID == stageID {
			n++
		}
	}
	return n, nil
}

func copyDeal(d *models.Deal) *models.Deal {
	cp := *d
	if d.CompanyID != nil {
		v := *d.CompanyID
		cp.CompanyID = &v
	}
	if d.StageID != nil {
		v := *d.StageID
		cp.StageID = &v
	}
	return &cp
}
