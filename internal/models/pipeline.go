package models

import (
	"time"

	"github.com/google/uuid"
)

// Pipeline is an organization-defined ordered sequence of stages a deal moves
// through. At most one pipeline per organization is the default. Pipelines in
// use are soft-disabled (Active=false) rather than deleted.
type Pipeline struct {
	PipelineID uuid.UUID `json:"pipelineId"` // UUIDv7
	OrgID      uuid.UUID `json:"orgId"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	IsDefault  bool      `json:"isDefault"`
	Position   int       `json:"position"`
	Stages     []*Stage  `json:"stages"` // ordered by Position ascending
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Stage is one step in a pipeline. Position is unique within a pipeline but
// not required to be contiguous. Probability is a win-probability hint 0-100.
type Stage struct {
	StageID     uuid.UUID `json:"stageId"` // UUIDv7
	PipelineID  uuid.UUID `json:"pipelineId"`
	Name        string    `json:"name"`
	Color       string    `json:"color"`
	Position    int       `json:"position"`
	Probability int       `json:"probability"`
	IsFinal     bool      `json:"isFinal"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
