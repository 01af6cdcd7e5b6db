package models

import (
	"time"

	"github.com/google/uuid"
)

// AdminRoleName is the singleton system-level role granted to every account
// on first provisioning. It is global, not organization-scoped.
const AdminRoleName = "admin"

// Account is the backing record for an authenticated principal.
// Email is globally unique. An account is only usable by the rest of the
// system once OrgID is non-nil; older records may predate the organization
// requirement and are repaired on next login.
type Account struct {
	AccountID  uuid.UUID // UUIDv7
	Email      string
	Name       string
	ExternalID *string // identity provider subject, nil until first linked
	OrgID      *uuid.UUID
	Active     bool
	Roles      []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Usable reports whether the account can be handed to callers as "the
// current user". Partially provisioned accounts must never escape the
// provisioner.
func (a *Account) Usable() bool {
	return a != nil && a.OrgID != nil && a.Active
}

// HasRole reports whether the account holds the named role.
func (a *Account) HasRole(name string) bool {
	for _, r := range a.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// Role is a system-level role. The admin role is created lazily on first
// need and shared across all organizations.
type Role struct {
	RoleID    uuid.UUID
	Name      string
	CreatedAt time.Time
}
