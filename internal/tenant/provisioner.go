// Package tenant resolves an authenticated principal to exactly one usable
// account with an organization and an admin grant, even when concurrent first
// logins race each other or the backing store fails transiently mid-sequence.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dealdesk/dealdesk/internal/models"
	"github.com/dealdesk/dealdesk/internal/store"
	"github.com/dealdesk/dealdesk/internal/store/retry"
	"github.com/dealdesk/dealdesk/internal/telemetry"
)

var (
	// ErrNotAuthenticated is fatal and never retried: the caller has no
	// valid principal, or the principal lacks a required attribute.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrProvisioningUnavailable means the account could not be set up
	// right now because storage kept failing transiently. Distinct from
	// ErrNotAuthenticated so callers can say "try again" instead of
	// "you are not who you say you are".
	ErrProvisioningUnavailable = errors.New("provisioning unavailable")
)

// Principal is the externally authenticated identity this core trusts but
// does not verify. Token issuance and verification belong to the identity
// provider.
type Principal struct {
	Email      string
	ExternalID string
	Name       string // display name hint, may be empty
}

// Provisioner resolves principals to usable accounts.
type Provisioner struct {
	accounts store.AccountStore
}

// NewProvisioner creates a provisioner on top of an account store.
func NewProvisioner(accounts store.AccountStore) *Provisioner {
	return &Provisioner{accounts: accounts}
}

// EnsureAccount returns the durable account for principal, creating the
// organization, admin grant, and account atomically on first login. The
// returned account always has a non-nil organization id; a partially
// provisioned account is never handed to callers.
func (p *Provisioner) EnsureAccount(ctx context.Context, principal Principal) (*models.Account, error) {
	if principal.Email == "" {
		return nil, fmt.Errorf("%w: principal has no email", ErrNotAuthenticated)
	}

	started := time.Now()

	account, err := p.resolve(ctx, principal)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %w", ErrProvisioningUnavailable, err)
		}
		return nil, err
	}

	p.syncExternalID(ctx, account, principal)

	if !account.Usable() {
		return nil, fmt.Errorf("%w: account %s has no organization", ErrProvisioningUnavailable, account.AccountID)
	}

	telemetry.GetMetrics().ProvisionDuration.Record(ctx, float64(time.Since(started).Milliseconds()))

	return account, nil
}

func (p *Provisioner) resolve(ctx context.Context, principal Principal) (*models.Account, error) {
	account, err := p.lookup(ctx, principal)
	if err != nil && !errors.Is(err, store.ErrAccountNotFound) {
		return nil, err
	}

	if account != nil {
		if account.OrgID == nil {
			return p.repair(ctx, account, principal)
		}
		return account, nil
	}

	return p.createTenant(ctx, principal)
}

// lookup finds an existing account by email first, then by the identity
// provider reference.
func (p *Provisioner) lookup(ctx context.Context, principal Principal) (*models.Account, error) {
	account, err := retry.Do(ctx, "account.get_by_email", func(ctx context.Context) (*models.Account, error) {
		return p.accounts.GetByEmail(ctx, principal.Email)
	})
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, store.ErrAccountNotFound) {
		return nil, err
	}

	if principal.ExternalID == "" {
		return nil, store.ErrAccountNotFound
	}
	return retry.Do(ctx, "account.get_by_external_id", func(ctx context.Context) (*models.Account, error) {
		return p.accounts.GetByExternalID(ctx, principal.ExternalID)
	})
}

// createTenant attempts the atomic first-login transaction. When a
// concurrent request wins the race on the unique email constraint, the
// winner is fetched and repaired if it lacks an organization; the race
// resolves to a single organization either way.
func (p *Provisioner) createTenant(ctx context.Context, principal Principal) (*models.Account, error) {
	org := newOrganization(principal)
	seed := &models.Account{
		AccountID: uuid.Must(uuid.NewV7()),
		Email:     principal.Email,
		Name:      principal.Name,
	}
	if principal.ExternalID != "" {
		ext := principal.ExternalID
		seed.ExternalID = &ext
	}

	account, err := retry.Do(ctx, "account.create_tenant", func(ctx context.Context) (*models.Account, error) {
		return p.accounts.CreateTenant(ctx, org, seed)
	})
	if err == nil {
		telemetry.GetMetrics().AccountsProvisionedTotal.Add(ctx, 1)
		log.Info().
			Str("account_id", account.AccountID.String()).
			Str("org_id", org.OrgID.String()).
			Msg("Provisioned account")
		return account, nil
	}
	if !errors.Is(err, store.ErrAccountExists) {
		return nil, err
	}

	// A concurrent first login won the race; the unique constraint
	// adjudicated. Fetch the winner and verify its invariants.
	telemetry.GetMetrics().ProvisionConflictsTotal.Add(ctx, 1)
	log.Debug().Str("email", principal.Email).Msg("Provisioning race lost, fetching winner")

	winner, err := retry.Do(ctx, "account.get_by_email", func(ctx context.Context) (*models.Account, error) {
		return p.accounts.GetByEmail(ctx, principal.Email)
	})
	if err != nil {
		return nil, err
	}
	if winner.OrgID == nil {
		return p.repair(ctx, winner, principal)
	}
	return winner, nil
}

// repair attaches a fresh organization to an account that predates the
// organization requirement (or lost a provisioning race before its
// organization landed). The store no-ops when another repair got there
// first.
func (p *Provisioner) repair(ctx context.Context, account *models.Account, principal Principal) (*models.Account, error) {
	org := newOrganization(principal)

	repaired, err := retry.Do(ctx, "account.attach_organization", func(ctx context.Context) (*models.Account, error) {
		return p.accounts.AttachOrganization(ctx, account.AccountID, org)
	})
	if err != nil {
		return nil, err
	}

	telemetry.GetMetrics().ProvisionRepairsTotal.Add(ctx, 1)
	return repaired, nil
}

// syncExternalID refreshes the identity-provider reference when it does not
// match the current principal. Best effort: the account is already usable,
// so a failure here must not fail the login.
func (p *Provisioner) syncExternalID(ctx context.Context, account *models.Account, principal Principal) {
	if principal.ExternalID == "" {
		return
	}
	if account.ExternalID != nil && *account.ExternalID == principal.ExternalID {
		return
	}

	_, err := retry.Do(ctx, "account.set_external_id", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.accounts.SetExternalID(ctx, account.AccountID, principal.ExternalID)
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("account_id", account.AccountID.String()).
			Msg("Failed to sync external identity reference")
		return
	}

	ext := principal.ExternalID
	account.ExternalID = &ext
}

// newOrganization names the tenant from the display-name hint, falling back
// to the email's local part.
func newOrganization(principal Principal) *models.Organization {
	name := principal.Name
	if name == "" {
		name, _, _ = strings.Cut(principal.Email, "@")
	}
	return &models.Organization{
		OrgID: uuid.Must(uuid.NewV7()),
		Name:  name,
		Plan:  models.PlanFree,
	}
}
