package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"filippo.io/csrf"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"

	"github.com/dealdesk/dealdesk/internal/auth"
	"github.com/dealdesk/dealdesk/internal/deal"
	"github.com/dealdesk/dealdesk/internal/httputil"
	"github.com/dealdesk/dealdesk/internal/logger"
	"github.com/dealdesk/dealdesk/internal/login"
	"github.com/dealdesk/dealdesk/internal/pipeline"
	"github.com/dealdesk/dealdesk/internal/server"
	"github.com/dealdesk/dealdesk/internal/telemetry"
	"github.com/dealdesk/dealdesk/internal/tenant"
)

type ServerCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8443" env:"DEALDESK_LISTEN"`
	Cert   string `help:"path to TLS cert file" default:"" env:"DEALDESK_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"DEALDESK_TLS_KEY"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"https://localhost" env:"DEALDESK_CORS_ORIGINS"`

	// Identity provider configuration
	IdentityPublicKey string `help:"path to the identity provider's PEM-encoded EC public key" env:"DEALDESK_IDENTITY_PUBLIC_KEY"`

	// GitHub OAuth configuration
	ClientID      string        `help:"GitHub client ID" default:"" env:"DEALDESK_GITHUB_CLIENT_ID"`
	ClientSecret  string        `help:"GitHub client secret" default:"" env:"DEALDESK_GITHUB_CLIENT_SECRET"`
	CallbackURL   string        `help:"GitHub callback URL" default:"" env:"DEALDESK_GITHUB_CALLBACK_URL"`
	SessionSecret string        `help:"secret for HMAC signing of session cookies" env:"DEALDESK_SESSION_SECRET"`
	SessionTTL    time.Duration `help:"session TTL" default:"168h" env:"DEALDESK_SESSION_TTL"`

	// Operational modes
	Tracing bool `help:"enable tracing" default:"false" env:"DEALDESK_TRACING"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"DEALDESK_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx := context.Background()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "dealdesk-server", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	st, err := buildStores(ctx, c.StoreType, c.PostgresStore)
	if err != nil {
		return err
	}
	defer st.close()
	log.Info().Str("store", c.StoreType).Msg("Stores initialized")

	provisioner := tenant.NewProvisioner(st.accounts)
	registry := pipeline.NewRegistry(st.pipelines)
	deals := deal.NewService(st.deals, st.pipelines)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Browser sign-in routes
	clientIPMiddleware := httputil.WithClientIP()
	gh, err := login.NewGithub(c.ClientID, c.ClientSecret, c.CallbackURL, []byte(c.SessionSecret), c.SessionTTL, provisioner)
	if err != nil {
		log.Warn().Err(err).Msg("GitHub OAuth not configured, browser sign-in disabled")
	} else {
		mux.Handle("/login", clientIPMiddleware(http.HandlerFunc(gh.LoginHandler)))
		mux.Handle("/github/callback", clientIPMiddleware(http.HandlerFunc(gh.CallbackHandler)))
	}

	// API routes behind bearer auth and provisioning
	pem, err := readIdentityKey(c.IdentityPublicKey)
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifierFromPEM(pem)
	if err != nil {
		return fmt.Errorf("failed to load identity public key: %w", err)
	}

	authMiddleware := auth.Middleware(verifier, provisioner)
	api := server.NewServer(registry, deals)
	mux.Handle("/v1/", authMiddleware(api.Handler()))

	// CSRF protection for browser routes, CORS for the API
	protection := csrf.New()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAPIRoute(r.URL.Path) {
			withCORS(c.CORSOrigins, mux).ServeHTTP(w, r)
		} else {
			protection.Handler(mux).ServeHTTP(w, r)
		}
	})

	wrapped := logger.Requests(log)(gzhttp.GzipHandler(handler))

	srv := configureHTTPServer(c.Listen, wrapped)

	if c.Cert == "" || c.Key == "" {
		log.Warn().Msg("TLS is not configured, serving plain HTTP")
		log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
		return srv.ListenAndServe()
	}

	if _, err := os.Stat(c.Cert); err != nil {
		return fmt.Errorf("TLS certificate not found at %s: %w", c.Cert, err)
	}
	if _, err := os.Stat(c.Key); err != nil {
		return fmt.Errorf("TLS key not found at %s: %w", c.Key, err)
	}

	log.Info().Str("addr", c.Listen).Msg("Starting HTTPS server")
	return srv.ListenAndServeTLS(c.Cert, c.Key)
}

func readIdentityKey(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("identity public key is required (--identity-public-key or DEALDESK_IDENTITY_PUBLIC_KEY)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read identity public key: %w", err)
	}
	return string(data), nil
}

// isAPIRoute returns true if the path is an API route that needs CORS instead of CSRF
func isAPIRoute(path string) bool {
	return strings.HasPrefix(path, "/v1/") || path == "/health"
}

// withCORS adds CORS support to the API routes.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true, // Required for cookie-based authentication
	})
	return middleware.Handler(h)
}
