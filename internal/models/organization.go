package models

import (
	"time"

	"github.com/google/uuid"
)

// Plan tiers for organizations. Billing enforcement lives outside this core;
// the tier is carried so callers can surface it.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Organization is the tenant boundary. Every business record in the system is
// scoped to exactly one organization. Organizations are created only as a side
// effect of first-time account provisioning and are never deleted by this core.
type Organization struct {
	OrgID     uuid.UUID // UUIDv7
	Name      string
	Plan      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
