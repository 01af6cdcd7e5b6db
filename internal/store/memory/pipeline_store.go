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

// DealCounter is the slice of the deal store the pipeline store needs to
// reject destructive changes that would orphan deal stage references.
type DealCounter interface {
	CountByStage(ctx context.Context, stageID uuid.UUID) (int64, error)
}

// PipelineStore is an in-memory implementation of store.PipelineStore for
// development and testing.
type PipelineStore struct {
	mu        sync.Mutex
	pipelines map[uuid.UUID]*models.Pipeline
	stages    map[uuid.UUID]*models.Stage
	deals     DealCounter
}

// NewPipelineStore creates a new in-memory pipeline store. deals may be nil
// when dependent-delete checks are not needed.
func NewPipelineStore(deals DealCounter) *PipelineStore {
	return &PipelineStore{
		pipelines: make(map[uuid.UUID]*models.Pipeline),
		stages:    make(map[uuid.UUID]*models.Stage),
		deals:     deals,
	}
}

// Create inserts a pipeline, clearing the default flag on the organization's
// other pipelines in the same critical section when the new one is default.
func (s *PipelineStore) Create(ctx context.Context, p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cp := copyPipeline(p)
	cp.Stages = nil
	cp.CreatedAt = now
	cp.UpdatedAt = now

	if cp.IsDefault {
		s.clearDefaultLocked(cp.OrgID)
	}
	s.pipelines[cp.PipelineID] = cp
	return nil
}

// Update applies name/active/default/position changes to a pipeline.
func (s *PipelineStore) Update(ctx context.Context, p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.pipelines[p.PipelineID]
	if !ok || cur.OrgID != p.OrgID {
		return store.ErrPipelineNotFound
	}

	if p.IsDefault && !cur.IsDefault {
		s.clearDefaultLocked(p.OrgID)
	}
	cur.Name = p.Name
	cur.Active = p.Active
	cur.IsDefault = p.IsDefault
	cur.Position = p.Position
	cur.UpdatedAt = time.Now()
	return nil
}

func (s *PipelineStore) clearDefaultLocked(orgID uuid.UUID) {
	for _, other := range s.pipelines {
		if other.OrgID == orgID && other.IsDefault {
			other.IsDefault = false
			other.UpdatedAt = time.Now()
		}
	}
}

// Get retrieves an org-scoped pipeline with its ordered stages.
func (s *PipelineStore) Get(ctx context.Context, orgID, pipelineID uuid.UUID) (*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[pipelineID]
	if !ok || p.OrgID != orgID {
		return nil, store.ErrPipelineNotFound
	}
	return s.withStagesLocked(p), nil
}

// ListByOrg returns the organization's pipelines ordered by position, each
// with its ordered stages.
func (s *PipelineStore) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Pipeline
	for _, p := range s.pipelines {
		if p.OrgID == orgID {
			out = append(out, s.withStagesLocked(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// DefaultWithStages resolves the pipeline governing board placement: the
// active default, or the first active pipeline by position.
func (s *PipelineStore) DefaultWithStages(ctx context.Context, orgID uuid.UUID) (*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fallback *models.Pipeline
	for _, p := range s.pipelines {
		if p.OrgID != orgID || !p.Active {
			continue
		}
		if p.IsDefault {
			return s.withStagesLocked(p), nil
		}
		if fallback == nil || p.Position < fallback.Position {
			fallback = p
		}
	}
	if fallback == nil {
		return nil, store.ErrPipelineNotFound
	}
	return s.withStagesLocked(fallback), nil
}

// Delete removes a pipeline and its stages unless any deal references one of
// its stages.
func (s *PipelineStore) Delete(ctx context.Context, orgID, pipelineID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[pipelineID]
	if !ok || p.OrgID != orgID {
		return store.ErrPipelineNotFound
	}

	var dependents int64
	for _, st := range s.stages {
		if st.PipelineID != pipelineID {
			continue
		}
		n, err := s.countDeals(ctx, st.StageID)
		if err != nil {
			return err
		}
		dependents += n
	}
	if dependents > 0 {
		return &store.DependencyConflictError{Resource: "pipeline", Dependents: dependents}
	}

	for id, st := range s.stages {
		if st.PipelineID == pipelineID {
			delete(s.stages, id)
		}
	}
	delete(s.pipelines, pipelineID)
	return nil
}

// CreateStage inserts a stage into one of the organization's pipelines.
// Position < 0 appends after the current maximum; an explicit position
// already held by a sibling stage is rejected.
func (s *PipelineStore) CreateStage(ctx context.Context, orgID uuid.UUID, st *models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[st.PipelineID]
	if !ok || p.OrgID != orgID {
		return store.ErrPipelineNotFound
	}

	cp := *st
	if cp.Position < 0 {
		cp.Position = s.maxPositionLocked(st.PipelineID) + 1
	} else {
		for _, other := range s.stages {
			if other.PipelineID == st.PipelineID && other.Position == cp.Position {
				return store.ErrStagePositionTaken
			}
		}
	}
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.stages[cp.StageID] = &cp
	st.Position = cp.Position
	return nil
}

// UpdateStage applies name/color/probability/final changes to a stage.
func (s *PipelineStore) UpdateStage(ctx context.Context, orgID uuid.UUID, st *models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.stageLocked(orgID, st.StageID)
	if err != nil {
		return err
	}
	cur.Name = st.Name
	cur.Color = st.Color
	cur.Probability = st.Probability
	cur.IsFinal = st.IsFinal
	cur.UpdatedAt = time.Now()
	return nil
}

// GetStage retrieves an org-scoped stage.
func (s *PipelineStore) GetStage(ctx context.Context, orgID, stageID uuid.UUID) (*models.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stageLocked(orgID, stageID)
	if err != nil {
		return nil, err
	}
	cp := *st
	return &cp, nil
}

// ReorderStages applies orderedIDs as the new stage order, all-or-nothing.
// Validation happens before any position is touched so an induced failure
// leaves the original order observable.
func (s *PipelineStore) ReorderStages(ctx context.Context, orgID, pipelineID uuid.UUID, orderedIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[pipelineID]
	if !ok || p.OrgID != orgID {
		return store.ErrPipelineNotFound
	}

	current := make(map[uuid.UUID]*models.Stage)
	for _, st := range s.stages {
		if st.PipelineID == pipelineID {
			current[st.StageID] = st
		}
	}
	if len(orderedIDs) != len(current) {
		return store.ErrStageNotFound
	}
	seen := make(map[uuid.UUID]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if _, ok := current[id]; !ok || seen[id] {
			return store.ErrStageNotFound
		}
		seen[id] = true
	}

	now := time.Now()
	for i, id := range orderedIDs {
		current[id].Position = i
		current[id].UpdatedAt = now
	}
	return nil
}

// DeleteStage removes a stage unless any deal references it.
func (s *PipelineStore) DeleteStage(ctx context.Context, orgID, stageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stageLocked(orgID, stageID)
	if err != nil {
		return err
	}

	n, err := s.countDeals(ctx, st.StageID)
	if err != nil {
		return err
	}
	if n > 0 {
		return &store.DependencyConflictError{Resource: "stage", Dependents: n}
	}

	delete(s.stages, stageID)
	return nil
}

func (s *PipelineStore) stageLocked(orgID, stageID uuid.UUID) (*models.Stage, error) {
	st, ok := s.stages[stageID]
	if !ok {
		return nil, store.ErrStageNotFound
	}
	p, ok := s.pipelines[st.PipelineID]
	if !ok || p.OrgID != orgID {
		return nil, store.ErrStageNotFound
	}
	return st, nil
}

func (s *PipelineStore) maxPositionLocked(pipelineID uuid.UUID) int {
	max := -1
	for _, st := range s.stages {
		if st.PipelineID == pipelineID && st.Position > max {
			max = st.Position
		}
	}
	return max
}

func (s *PipelineStore) countDeals(ctx context.Context, stageID uuid.UUID) (int64, error) {
	if s.deals == nil {
		return 0, nil
	}
	return s.deals.CountByStage(ctx, stageID)
}

func (s *PipelineStore) withStagesLocked(p *models.Pipeline) *models.Pipeline {
	cp := copyPipeline(p)
	cp.Stages = nil
	for _, st := range s.stages {
		if st.PipelineID == p.PipelineID {
			stCp := *st
			cp.Stages = append(cp.Stages, &stCp)
		}
	}
	sort.Slice(cp.Stages, func(i, j int) bool { return cp.Stages[i].Position < cp.Stages[j].Position })
	return cp
}

func copyPipeline(p *models.Pipeline) *models.Pipeline {
	cp := *p
	cp.Stages = nil
	for _, st := range p.Stages {
		stCp := *st
		cp.Stages = append(cp.Stages, &stCp)
	}
	return &cp
}
