package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dealdesk/dealdesk/internal/models"
	"github.com/dealdesk/dealdesk/internal/store"
	"github.com/dealdesk/dealdesk/internal/tenant"
)

type contextKey string

const accountContextKey contextKey = "account"

// AccountFromContext returns the signed-in account placed by Middleware.
func AccountFromContext(ctx context.Context) (*models.Account, bool) {
	account, ok := ctx.Value(accountContextKey).(*models.Account)
	return account, ok
}

// ContextWithAccount stores an account the way Middleware does.
func ContextWithAccount(ctx context.Context, account *models.Account) context.Context {
	return context.WithValue(ctx, accountContextKey, account)
}

// Middleware authenticates each request with the token verifier and runs
// tenant provisioning, so every handler downstream sees a fully usable
// account with an organization attached.
func Middleware(verifier *Verifier, provisioner *tenant.Provisioner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			principal, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			account, err := provisioner.EnsureAccount(r.Context(), principal)
			if err != nil {
				switch {
				case errors.Is(err, tenant.ErrNotAuthenticated):
					http.Error(w, "not authenticated", http.StatusUnauthorized)
				case errors.Is(err, store.ErrUnavailable):
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				default:
					log.Error().Err(err).Msg("Failed to provision account")
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithAccount(r.Context(), account)))
		})
	}
}
