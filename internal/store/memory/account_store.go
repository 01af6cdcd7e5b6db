package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dealdesk/dealdesk/internal/models"
	"github.com/dealdesk/dealdesk/internal/store"
)

// AccountStore is an in-memory implementation of store.AccountStore for
// development and testing. It owns the organization and role records too,
// since those are only ever created through provisioning transactions.
type AccountStore struct {
	mu         sync.Mutex
	accounts   map[uuid.UUID]*models.Account
	byEmail    map[string]uuid.UUID
	byExternal map[string]uuid.UUID
	orgs       map[uuid.UUID]*models.Organization
	roles      map[string]*models.Role
}

// NewAccountStore creates a new in-memory account store.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		accounts:   make(map[uuid.UUID]*models.Account),
		byEmail:    make(map[string]uuid.UUID),
		byExternal: make(map[string]uuid.UUID),
		orgs:       make(map[uuid.UUID]*models.Organization),
		roles:      make(map[string]*models.Role),
	}
}

// GetByEmail retrieves an account by its unique email.
func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[email]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return copyAccount(s.accounts[id]), nil
}

// GetByExternalID retrieves an account by its identity-provider reference.
func (s *AccountStore) GetByExternalID(ctx context.Context, externalID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return copyAccount(s.accounts[id]), nil
}

// CreateTenant atomically creates the organization, the admin role grant, and
// the account. The mutex stands in for the transaction: either everything
// lands or ErrAccountExists is returned with no state change, mirroring the
// unique-constraint adjudication of the relational backend.
func (s *AccountStore) CreateTenant(ctx context.Context, org *models.Organization, account *models.Account) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[account.Email]; exists {
		return nil, store.ErrAccountExists
	}
	if account.ExternalID != nil {
		if _, exists := s.byExternal[*account.ExternalID]; exists {
			return nil, store.ErrAccountExists
		}
	}

	now := time.Now()

	o := *org
	o.CreatedAt = now
	o.UpdatedAt = now
	s.orgs[o.OrgID] = &o

	if _, ok := s.roles[models.AdminRoleName]; !ok {
		s.roles[models.AdminRoleName] = &models.Role{
			RoleID:    uuid.Must(uuid.NewV7()),
			Name:      models.AdminRoleName,
			CreatedAt: now,
		}
	}

	a := copyAccount(account)
	a.OrgID = &o.OrgID
	a.Active = true
	a.Roles = []string{models.AdminRoleName}
	a.CreatedAt = now
	a.UpdatedAt = now

	s.accounts[a.AccountID] = a
	s.byEmail[a.Email] = a.AccountID
	if a.ExternalID != nil {
		s.byExternal[*a.ExternalID] = a.AccountID
	}

	return copyAccount(a), nil
}

// AttachOrganization creates org and points the account at it. Repair path
// for accounts without an organization; no-ops when the account already has
// one so a concurrent repair cannot produce a second organization.
func (s *AccountStore) AttachOrganization(ctx context.Context, accountID uuid.UUID, org *models.Organization) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if a.OrgID != nil {
		return copyAccount(a), nil
	}

	now := time.Now()
	o := *org
	o.CreatedAt = now
	o.UpdatedAt = now
	s.orgs[o.OrgID] = &o

	a.OrgID = &o.OrgID
	a.UpdatedAt = now

	return copyAccount(a), nil
}

// SetExternalID refreshes the identity-provider reference on an account.
func (s *AccountStore) SetExternalID(ctx context.Context, accountID uuid.UUID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}

	if a.ExternalID != nil {
		delete(s.byExternal, *a.ExternalID)
	}
	ext := externalID
	a.ExternalID = &ext
	a.UpdatedAt = time.Now()
	s.byExternal[externalID] = accountID

	return nil
}

// SeedAccount inserts an account record verbatim, indexes included, without
// creating an organization; test hook for exercising repair of records that
// predate the organization requirement.
func (s *AccountStore) SeedAccount(a *models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyAccount(a)
	s.accounts[cp.AccountID] = cp
	s.byEmail[cp.Email] = cp.AccountID
	if cp.ExternalID != nil {
		s.byExternal[*cp.ExternalID] = cp.AccountID
	}
}

// OrganizationCount reports the number of organizations; test hook for the
// idempotent-provisioning property.
func (s *AccountStore) OrganizationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orgs)
}

func copyAccount(a *models.Account) *models.Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.ExternalID != nil {
		v := *a.ExternalID
		cp.ExternalID = &v
	}
	if a.OrgID != nil {
		v := *a.OrgID
		cp.OrgID = &v
	}
	if a.Roles != nil {
		cp.Roles = append([]string(nil), a.Roles...)
	}
	return &cp
}
