// Package login implements the browser sign-in flow. GitHub is the
// identity provider; a successful callback provisions the tenant and
// issues an HMAC-signed session cookie.
package login

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/dealdesk/dealdesk/internal/tenant"
)

var (
	ErrInvalidSession = errors.New("invalid session")
	ErrExpiredSession = errors.New("session expired")
)

type contextKey string

const sessionContextKey contextKey = "session"

const sessionCookie = "_session"

// Github drives the OAuth flow against GitHub and manages the resulting
// session cookies.
type Github struct {
	config        *oauth2.Config
	provisioner   *tenant.Provisioner
	sessionSecret []byte
	sessionTTL    time.Duration
}

func NewGithub(clientID, clientSecret, callbackURL string, sessionSecret []byte, sessionTTL time.Duration, provisioner *tenant.Provisioner) (*Github, error) {
	if len(sessionSecret) < 32 {
		return nil, fmt.Errorf("session secret must be 32 bytes")
	}

	if clientID == "" || clientSecret == "" || callbackURL == "" {
		return nil, fmt.Errorf("client ID, client secret, and callback URL are required")
	}

	if sessionTTL <= 0 {
		return nil, fmt.Errorf("session TTL must be greater than 0")
	}

	return &Github{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"user:email"},
			Endpoint:     github.Endpoint,
		},
		provisioner:   provisioner,
		sessionSecret: sessionSecret,
		sessionTTL:    sessionTTL,
	}, nil
}

// SessionData holds the authenticated user's session information. The
// identity fields mirror what provisioning saw at sign-in time.
type SessionData struct {
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	ExternalID string    `json:"external_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Principal converts the session back into the identity provisioning
// operates on.
func (s *SessionData) Principal() tenant.Principal {
	return tenant.Principal{
		Email:      s.Email,
		ExternalID: s.ExternalID,
		Name:       s.Name,
	}
}

// createSessionToken creates an HMAC-signed session token
func (g *Github) createSessionToken(p tenant.Principal, ttl time.Duration) (string, error) {
	session := SessionData{
		Email:      p.Email,
		Name:       p.Name,
		ExternalID: p.ExternalID,
		IssuedAt:   time.Now(),
		ExpiresAt:  time.Now().Add(ttl),
	}

	data, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}

	encoded := base64.URLEncoding.EncodeToString(data)

	mac := hmac.New(sha256.New, g.sessionSecret)
	mac.Write([]byte(encoded))
	signature := mac.Sum(nil)

	return encoded + "." + base64.URLEncoding.EncodeToString(signature), nil
}

// validateSessionToken validates and extracts the session data from an HMAC-signed token
func (g *Github) validateSessionToken(token string) (*SessionData, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		log.Debug().Msg("Invalid session token format")
		return nil, ErrInvalidSession
	}

	encoded := parts[0]
	receivedSig, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		log.Debug().Msg("Invalid session token signature encoding")
		return nil, ErrInvalidSession
	}

	// Verify HMAC signature using constant-time comparison
	mac := hmac.New(sha256.New, g.sessionSecret)
	mac.Write([]byte(encoded))
	expectedSig := mac.Sum(nil)

	if !hmac.Equal(receivedSig, expectedSig) {
		log.Debug().Msg("Session token HMAC signature validation failed")
		return nil, ErrInvalidSession
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		log.Debug().Msg("Invalid session token data encoding")
		return nil, ErrInvalidSession
	}

	var session SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		log.Debug().Msg("Failed to unmarshal session data")
		return nil, ErrInvalidSession
	}

	if time.Now().After(session.ExpiresAt) {
		log.Debug().Str("user", session.Email).Msg("Session expired")
		return nil, ErrExpiredSession
	}

	return &session, nil
}

// GetSession extracts and validates the session from a request
func (g *Github) GetSession(r *http.Request) (*SessionData, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, ErrInvalidSession
	}

	return g.validateSessionToken(cookie.Value)
}

// RequireAuth is a middleware that protects routes by requiring a valid session.
// If the session is invalid or expired, it redirects to the specified redirectURL with an error_code query parameter.
// On success, it adds the session data to the request context and calls the next handler.
func (g *Github) RequireAuth(redirectURL string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			session, err := g.GetSession(r)
			if err != nil {
				errorCode := "invalid"
				if errors.Is(err, ErrExpiredSession) {
					errorCode = "expired"
					log.Debug().Str("path", r.URL.Path).Msg("Session expired, redirecting to login")
				} else {
					log.Debug().Str("path", r.URL.Path).Msg("Invalid session, redirecting to login")
				}

				http.Redirect(w, r, redirectURL+"?error_code="+errorCode, http.StatusFound)
				return
			}

			log.Debug().Str("user", session.Email).Str("path", r.URL.Path).Msg("Session validated, allowing access")

			ctx := context.WithValue(r.Context(), sessionContextKey, session)
			next(w, r.WithContext(ctx))
		}
	}
}

// SessionFromContext extracts the session data from the request context.
// This should be called from handlers protected by RequireAuth middleware.
func SessionFromContext(ctx context.Context) (*SessionData, bool) {
	session, ok := ctx.Value(sessionContextKey).(*SessionData)
	return session, ok
}

func (g *Github) saveState(w http.ResponseWriter, r *http.Request) string {
	state := rand.Text()

	cookie := &http.Cookie{
		Name:     "state",
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300, // long enough for the OAuth round trip
	}
	http.SetCookie(w, cookie)

	return state
}

func (g *Github) LoginHandler(w http.ResponseWriter, r *http.Request) {
	log.Debug().Msg("Initiating GitHub OAuth flow")

	state := g.saveState(w, r)

	http.Redirect(w, r, g.config.AuthCodeURL(state), http.StatusFound)
}

func (g *Github) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	log.Debug().Msg("OAuth callback received")

	state := r.FormValue("state")
	code := r.FormValue("code")

	if state == "" || code == "" {
		log.Warn().Msg("OAuth callback missing state or code")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	cookie, err := r.Cookie("state")
	if err != nil {
		log.Warn().Err(err).Msg("OAuth callback missing state cookie")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	if state != cookie.Value {
		log.Warn().Msg("OAuth callback state mismatch")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	// Clear the state cookie after validation
	http.SetCookie(w, &http.Cookie{
		Name:     "state",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})

	token, err := g.config.Exchange(r.Context(), code)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to exchange OAuth code for token")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	principal, err := g.getPrincipal(r.Context(), token)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch user info from GitHub")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	if principal.Email == "" {
		log.Warn().Msg("GitHub user info missing email address")
		http.Error(w, "Email address required", http.StatusBadRequest)
		return
	}

	// Provision before issuing a session so a signed-in browser always
	// maps to a usable account.
	account, err := g.provisioner.EnsureAccount(r.Context(), principal)
	if err != nil {
		log.Error().Err(err).Str("user", principal.Email).Msg("Failed to provision account")
		http.Error(w, "Sign-in failed", http.StatusInternalServerError)
		return
	}

	log.Info().
		Str("user", principal.Email).
		Str("account_id", account.AccountID.String()).
		Msg("User authenticated successfully")

	sessionToken, err := g.createSessionToken(principal, g.sessionTTL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create session token")
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	session := &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(g.sessionTTL.Seconds()),
	}
	http.SetCookie(w, session)

	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

type githubUser struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Login string `json:"login"`
}

func (g *Github) getPrincipal(ctx context.Context, token *oauth2.Token) (tenant.Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := g.config.Client(ctx, token)
	resp, err := client.Get("https://api.github.com/user")
	if err != nil {
		return tenant.Principal{}, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tenant.Principal{}, fmt.Errorf("GitHub API returned HTTP %d", resp.StatusCode)
	}

	var user githubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return tenant.Principal{}, fmt.Errorf("failed to decode user info: %w", err)
	}

	// Some accounts keep their email private on the profile endpoint.
	if user.Email == "" {
		emails, err := g.getUserEmails(ctx, token)
		if err != nil {
			return tenant.Principal{}, err
		}
		for _, email := range emails {
			if email.Primary {
				user.Email = email.Email
				break
			}
		}
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return tenant.Principal{
		Email:      user.Email,
		ExternalID: "github:" + strconv.FormatInt(user.ID, 10),
		Name:       name,
	}, nil
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (g *Github) getUserEmails(ctx context.Context, token *oauth2.Token) ([]githubEmail, error) {
	client := g.config.Client(ctx, token)
	resp, err := client.Get("https://api.github.com/user/emails")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user emails: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned HTTP %d for emails endpoint", resp.StatusCode)
	}

	var emails []githubEmail
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return nil, fmt.Errorf("failed to decode user emails: %w", err)
	}

	return emails, nil
}
