package login

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memorystore "github.com/dealdesk/dealdesk/internal/store/memory"
	"github.com/dealdesk/dealdesk/internal/tenant"
)

func newTestGithub(t *testing.T, ttl time.Duration) *Github {
	t.Helper()

	provisioner := tenant.NewProvisioner(memorystore.NewAccountStore())
	secret := []byte("0123456789abcdef0123456789abcdef")

	gh, err := NewGithub("client-id", "client-secret", "https://localhost/github/callback", secret, ttl, provisioner)
	require.NoError(t, err)
	return gh
}

func TestNewGithub(t *testing.T) {
	provisioner := tenant.NewProvisioner(memorystore.NewAccountStore())
	secret := []byte("0123456789abcdef0123456789abcdef")

	t.Run("short secret is rejected", func(t *testing.T) {
		_, err := NewGithub("id", "secret", "https://localhost/cb", []byte("short"), time.Hour, provisioner)
		require.Error(t, err)
	})

	t.Run("missing oauth config is rejected", func(t *testing.T) {
		_, err := NewGithub("", "", "", secret, time.Hour, provisioner)
		require.Error(t, err)
	})

	t.Run("non-positive TTL is rejected", func(t *testing.T) {
		_, err := NewGithub("id", "secret", "https://localhost/cb", secret, 0, provisioner)
		require.Error(t, err)
	})
}

func TestSessionTokens(t *testing.T) {
	principal := tenant.Principal{
		Email:      "ada@example.com",
		ExternalID: "github:42",
		Name:       "Ada Lovelace",
	}

	t.Run("round trip preserves the principal", func(t *testing.T) {
		gh := newTestGithub(t, time.Hour)

		token, err := gh.createSessionToken(principal, time.Hour)
		require.NoError(t, err)

		session, err := gh.validateSessionToken(token)
		require.NoError(t, err)
		require.Equal(t, principal, session.Principal())
	})

	t.Run("expired session is rejected", func(t *testing.T) {
		gh := newTestGithub(t, time.Hour)

		token, err := gh.createSessionToken(principal, -time.Minute)
		require.NoError(t, err)

		_, err = gh.validateSessionToken(token)
		require.ErrorIs(t, err, ErrExpiredSession)
	})

	t.Run("tampered token is rejected", func(t *testing.T) {
		gh := newTestGithub(t, time.Hour)

		token, err := gh.createSessionToken(principal, time.Hour)
		require.NoError(t, err)

		_, err = gh.validateSessionToken("x" + token)
		require.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("token signed with another secret is rejected", func(t *testing.T) {
		gh := newTestGithub(t, time.Hour)
		other := newTestGithub(t, time.Hour)
		other.sessionSecret = []byte("ffffffffffffffffffffffffffffffff")

		token, err := other.createSessionToken(principal, time.Hour)
		require.NoError(t, err)

		_, err = gh.validateSessionToken(token)
		require.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("malformed token is rejected", func(t *testing.T) {
		gh := newTestGithub(t, time.Hour)
		_, err := gh.validateSessionToken("no-separator")
		require.ErrorIs(t, err, ErrInvalidSession)
	})
}

func TestRequireAuth(t *testing.T) {
	principal := tenant.Principal{Email: "ada@example.com", Name: "Ada"}

	t.Run("missing cookie redirects to login", func(t *testing.T) {
		gh := newTestGithub(t, time.Hour)

		handler := gh.RequireAuth("/")(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		})

		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

		require.Equal(t, http.StatusFound, rec.Code)
		require.Equal(t, "/?error_code=invalid", rec.Header().Get("Location"))
	})

	t.Run("valid session reaches the handler with context", func(t *testing.T) {
		gh := newTestGithub(t, time.Hour)

		token, err := gh.createSessionToken(principal, time.Hour)
		require.NoError(t, err)

		var got *SessionData
		handler := gh.RequireAuth("/")(func(w http.ResponseWriter, r *http.Request) {
			got, _ = SessionFromContext(r.Context())
		})

		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})

		rec := httptest.NewRecorder()
		handler(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		require.Equal(t, "ada@example.com", got.Email)
	})

	t.Run("expired session redirects with expired code", func(t *testing.T) {
		gh := newTestGithub(t, time.Hour)

		token, err := gh.createSessionToken(principal, -time.Minute)
		require.NoError(t, err)

		handler := gh.RequireAuth("/")(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		})

		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})

		rec := httptest.NewRecorder()
		handler(rec, req)

		require.Equal(t, http.StatusFound, rec.Code)
		require.Equal(t, "/?error_code=expired", rec.Header().Get("Location"))
	})
}
