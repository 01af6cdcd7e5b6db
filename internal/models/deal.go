package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DealStatus is the terminal disposition of a deal. Won/lost deals keep their
// records but no longer move between stages on the board.
const (
	DealStatusOpen = "open"
	DealStatusWon  = "won"
	DealStatusLost = "lost"
)

// LegacyStage is the fixed four-value stage enum used by organizations that
// have not configured a custom pipeline.
type LegacyStage string

const (
	LegacyStageProspecting LegacyStage = "prospecting"
	LegacyStageProposal    LegacyStage = "proposal"
	LegacyStageNegotiation LegacyStage = "negotiation"
	LegacyStageClosed      LegacyStage = "closed"
)

// ParseLegacyStage validates a legacy stage enum value.
func ParseLegacyStage(s string) (LegacyStage, error) {
	switch LegacyStage(s) {
	case LegacyStageProspecting, LegacyStageProposal, LegacyStageNegotiation, LegacyStageClosed:
		return LegacyStage(s), nil
	}
	return "", fmt.Errorf("unknown legacy stage %q", s)
}

// Deal is a sales opportunity. During the pipeline migration window a deal
// carries its stage two ways at once: the legacy enum and an optional custom
// stage reference. Which one is authoritative is decided per organization at
// read time, never cached on the deal.
type Deal struct {
	DealID      uuid.UUID   `json:"dealId"` // UUIDv7
	OrgID       uuid.UUID   `json:"orgId"`
	ContactID   uuid.UUID   `json:"contactId"`           // mandatory owner reference
	CompanyID   *uuid.UUID  `json:"companyId,omitempty"` // optional
	Title       string      `json:"title"`
	ValueCents  int64       `json:"valueCents"`
	Status      string      `json:"status"`
	Probability int         `json:"probability"`
	LegacyStage LegacyStage `json:"legacyStage"`
	StageID     *uuid.UUID  `json:"stageId,omitempty"` // custom stage reference, nil in enum mode
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}
