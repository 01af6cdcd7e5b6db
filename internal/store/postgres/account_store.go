package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/dealdesk/dealdesk/internal/models"
	"github.com/dealdesk/dealdesk/internal/store"
)

// AccountStore implements store.AccountStore using PostgreSQL.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new PostgreSQL-backed account store.
// It shares the connection pool with other stores.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{
		pool: pool,
	}
}

const accountColumns = `
	a.account_id, a.email, a.name, a.external_id, a.org_id, a.active,
	a.created_at, a.updated_at,
	COALESCE(
		(SELECT array_agg(r.name ORDER BY r.name)
		 FROM account_roles ar
		 JOIN roles r ON r.role_id = ar.role_id
		 WHERE ar.account_id = a.account_id),
		'{}'
	)
`

// GetByEmail retrieves an account by its unique email.
func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts a WHERE a.email = $1`
	return s.queryAccount(ctx, query, email)
}

// GetByExternalID retrieves an account by its identity-provider reference.
func (s *AccountStore) GetByExternalID(ctx context.Context, externalID string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts a WHERE a.external_id = $1`
	return s.queryAccount(ctx, query, externalID)
}

func (s *AccountStore) queryAccount(ctx context.Context, query string, arg any) (*models.Account, error) {
	var a models.Account
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&a.AccountID,
		&a.Email,
		&a.Name,
		&a.ExternalID,
		&a.OrgID,
		&a.Active,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.Roles,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrAccountNotFound
		}
		return nil, classifyError(fmt.Errorf("failed to get account: %w", err))
	}
	return &a, nil
}

// CreateTenant creates the organization, finds-or-creates the global admin
// role, inserts the account, and grants the role, all in one transaction.
// A unique-constraint collision means a concurrent provisioning attempt for
// the same identity won the race: the whole transaction rolls back (no
// duplicate organization survives) and ErrAccountExists tells the caller to
// fetch the winner.
func (s *AccountStore) CreateTenant(ctx context.Context, org *models.Organization, account *models.Account) (*models.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	now := time.Now()

	_, err = tx.Exec(ctx, `
		INSERT INTO organizations (org_id, name, plan, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, org.OrgID, org.Name, org.Plan, now)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to create organization: %w", err))
	}

	roleID, err := findOrCreateRole(ctx, tx, models.AdminRoleName, now)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO accounts (account_id, email, name, external_id, org_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
	`, account.AccountID, account.Email, account.Name, account.ExternalID, org.OrgID, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAccountExists
		}
		return nil, classifyError(fmt.Errorf("failed to create account: %w", err))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO account_roles (account_id, role_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, account.AccountID, roleID, now)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to grant admin role: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyError(fmt.Errorf("failed to commit tenant creation: %w", err))
	}

	log.Debug().
		Str("account_id", account.AccountID.String()).
		Str("org_id", org.OrgID.String()).
		Str("email", account.Email).
		Msg("Created tenant")

	return s.GetByEmail(ctx, account.Email)
}

// AttachOrganization creates org and points the account at it in one
// transaction. The account row is locked so two concurrent repairs cannot
// both create an organization.
func (s *AccountStore) AttachOrganization(ctx context.Context, accountID uuid.UUID, org *models.Organization) (*models.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var currentOrg *uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT org_id FROM accounts WHERE account_id = $1 FOR UPDATE
	`, accountID).Scan(&currentOrg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrAccountNotFound
		}
		return nil, classifyError(fmt.Errorf("failed to lock account: %w", err))
	}

	if currentOrg == nil {
		now := time.Now()
		_, err = tx.Exec(ctx, `
			INSERT INTO organizations (org_id, name, plan, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
		`, org.OrgID, org.Name, org.Plan, now)
		if err != nil {
			return nil, classifyError(fmt.Errorf("failed to create organization: %w", err))
		}

		_, err = tx.Exec(ctx, `
			UPDATE accounts SET org_id = $2, updated_at = $3 WHERE account_id = $1
		`, accountID, org.OrgID, now)
		if err != nil {
			return nil, classifyError(fmt.Errorf("failed to attach organization: %w", err))
		}

		log.Info().
			Str("account_id", accountID.String()).
			Str("org_id", org.OrgID.String()).
			Msg("Attached organization to account")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyError(fmt.Errorf("failed to commit organization attach: %w", err))
	}

	query := `SELECT ` + accountColumns + ` FROM accounts a WHERE a.account_id = $1`
	return s.queryAccount(ctx, query, accountID)
}

// SetExternalID refreshes the identity-provider reference on an account.
func (s *AccountStore) SetExternalID(ctx context.Context, accountID uuid.UUID, externalID string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE accounts SET external_id = $2, updated_at = $3 WHERE account_id = $1
	`, accountID, externalID, time.Now())
	if err != nil {
		return classifyError(fmt.Errorf("failed to update external id: %w", err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrAccountNotFound
	}
	return nil
}

func findOrCreateRole(ctx context.Context, tx pgx.Tx, name string, now time.Time) (uuid.UUID, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO roles (role_id, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING
	`, uuid.Must(uuid.NewV7()), name, now)
	if err != nil {
		return uuid.Nil, classifyError(fmt.Errorf("failed to ensure role: %w", err))
	}

	var roleID uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT role_id FROM roles WHERE name = $1`, name).Scan(&roleID); err != nil {
		return uuid.Nil, classifyError(fmt.Errorf("failed to load role: %w", err))
	}
	return roleID, nil
}
