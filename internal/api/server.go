package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nebula-sql/controlplane/internal/api/controlplane"
	"github.com/nebula-sql/controlplane/internal/api/dataplane"
	"github.com/nebula-sql/controlplane/internal/auth"
	"github.com/nebula-sql/controlplane/internal/compiler"
	"github.com/nebula-sql/controlplane/internal/config"
	"github.com/nebula-sql/controlplane/internal/logging"
	"github.com/nebula-sql/controlplane/internal/metrics"
	"github.com/nebula-sql/controlplane/internal/observability"
	"github.com/nebula-sql/controlplane/internal/proxy"
	"github.com/nebula-sql/controlplane/internal/ratelimit"
	"github.com/nebula-sql/controlplane/internal/store"
	"github.com/nebula-sql/controlplane/internal/supervisor"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Store        *store.Store
	Supervisor   *supervisor.Supervisor
	CompilerCfg  compiler.Config
	AuthCfg      *config.AuthConfig
	RateLimitCfg *config.RateLimitConfig
	RateLimit    ratelimit.Backend
}

// StartHTTPServer creates and starts the HTTP server with control plane and
// data plane handlers.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	prox := proxy.New(cfg.Store, cfg.Supervisor)

	cpHandler := &controlplane.Handler{
		Store:       cfg.Store,
		CompilerCfg: cfg.CompilerCfg,
	}
	cpHandler.RegisterRoutes(mux)

	dpHandler := &dataplane.Handler{
		Proxy: prox,
	}
	dpHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /health", handleHealth)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())

	var handler http.Handler = mux
	handler = metrics.HTTPMiddleware(handler)
	handler = observability.HTTPMiddleware(handler)

	if cfg.RateLimitCfg != nil && cfg.RateLimitCfg.Enabled && cfg.RateLimit != nil {
		tiers := make(map[string]ratelimit.TierConfig)
		for name, tier := range cfg.RateLimitCfg.Tiers {
			tiers[name] = ratelimit.TierConfig{
				RequestsPerSecond: tier.RequestsPerSecond,
				BurstSize:         tier.BurstSize,
			}
		}
		limiter := ratelimit.New(cfg.RateLimit, tiers, ratelimit.TierConfig{
			RequestsPerSecond: cfg.RateLimitCfg.Default.RequestsPerSecond,
			BurstSize:         cfg.RateLimitCfg.Default.BurstSize,
		})
		publicPaths := []string{"/health", "/v0/openapi.json"}
		if cfg.AuthCfg != nil {
			publicPaths = cfg.AuthCfg.PublicPaths
		}
		handler = ratelimit.Middleware(limiter, publicPaths)(handler)
		logging.Op().Info("rate limiting enabled", "default_rps", cfg.RateLimitCfg.Default.RequestsPerSecond)
	}

	handler = tenantScopeMiddleware(handler)

	if cfg.AuthCfg != nil && cfg.AuthCfg.Enabled {
		authenticators := buildAuthenticators(cfg.AuthCfg)
		if len(authenticators) > 0 {
			handler = auth.Middleware(authenticators, cfg.AuthCfg.PublicPaths)(handler)
			logging.Op().Info("authentication enabled", "public_paths", cfg.AuthCfg.PublicPaths)
		}
	}

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}

// tenantScopeMiddleware resolves the effective (tenant, namespace) scope for
// a request from X-Nebula-Tenant/X-Nebula-Namespace headers, cross-checked
// against the authenticated identity's allowed scopes, and attaches it to
// the request context for the Store to read.
func tenantScopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedTenant, requestedNamespace, explicit, err := requestedScopeFromHeaders(r)
		if err != nil {
			writeTenantScopeError(w, http.StatusBadRequest, "invalid tenant scope headers")
			logging.Op().Warn("tenant scope rejected: invalid header", "path", r.URL.Path, "method", r.Method, "error", err.Error())
			return
		}

		identity := auth.GetIdentity(r.Context())
		effectiveTenant := requestedTenant
		effectiveNamespace := requestedNamespace

		if identity != nil && identity.ScopeRestricted() {
			if !explicit {
				primary, ok := identity.PrimaryScope()
				if !ok {
					writeTenantScopeError(w, http.StatusForbidden, "tenant scope is required")
					logging.Op().Warn("tenant scope denied", "subject", identity.Subject, "path", r.URL.Path, "method", r.Method, "reason", "missing_allowed_scope")
					return
				}
				if primary.TenantID == "*" || primary.Namespace == "*" {
					writeTenantScopeError(w, http.StatusBadRequest, "explicit X-Nebula-Tenant and X-Nebula-Namespace headers are required")
					logging.Op().Warn("tenant scope denied", "subject", identity.Subject, "path", r.URL.Path, "method", r.Method, "reason", "ambiguous_scope")
					return
				}
				effectiveTenant = primary.TenantID
				effectiveNamespace = primary.Namespace
			}

			if !identity.AllowsScope(effectiveTenant, effectiveNamespace) {
				writeTenantScopeError(w, http.StatusForbidden, "tenant scope is not allowed for this identity")
				logging.Op().Warn("tenant scope denied", "subject", identity.Subject, "path", r.URL.Path, "method", r.Method, "tenant_id", effectiveTenant, "namespace", effectiveNamespace, "reason", "out_of_scope")
				return
			}
		}

		logging.Op().Debug("tenant scope resolved", "subject", subjectOrAnonymous(identity), "path", r.URL.Path, "method", r.Method, "tenant_id", effectiveTenant, "namespace", effectiveNamespace, "explicit", explicit)
		ctx := store.WithTenantScope(r.Context(), effectiveTenant, effectiveNamespace)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestedScopeFromHeaders(r *http.Request) (tenantID string, namespace string, explicit bool, err error) {
	tenantID = strings.TrimSpace(r.Header.Get("X-Nebula-Tenant"))
	namespace = strings.TrimSpace(r.Header.Get("X-Nebula-Namespace"))

	if tenantID == "" && namespace == "" {
		return "", "", false, nil
	}
	explicit = true

	if tenantID == "" {
		tenantID = store.DefaultTenantID
	}
	if namespace == "" {
		namespace = store.DefaultNamespace
	}

	if !store.IsValidTenantScopePart(tenantID) {
		return "", "", true, &tenantScopeHeaderError{Field: "X-Nebula-Tenant"}
	}
	if !store.IsValidTenantScopePart(namespace) {
		return "", "", true, &tenantScopeHeaderError{Field: "X-Nebula-Namespace"}
	}
	return tenantID, namespace, true, nil
}

type tenantScopeHeaderError struct {
	Field string
}

func (e *tenantScopeHeaderError) Error() string {
	return "invalid header: " + e.Field
}

func writeTenantScopeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "tenant_scope_error",
		"message": msg,
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func subjectOrAnonymous(identity *auth.Identity) string {
	if identity == nil || strings.TrimSpace(identity.Subject) == "" {
		return "anonymous"
	}
	return identity.Subject
}

// buildAuthenticators creates authenticators based on config. Authentication
// is pluggable: either check is enabled independently, and a request is
// accepted if any configured authenticator accepts it.
func buildAuthenticators(cfg *config.AuthConfig) []auth.Authenticator {
	var authenticators []auth.Authenticator

	if cfg.JWT.Enabled {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTAuthConfig{
			Algorithm:     cfg.JWT.Algorithm,
			Secret:        cfg.JWT.Secret,
			PublicKeyFile: cfg.JWT.PublicKeyFile,
			Issuer:        cfg.JWT.Issuer,
		})
		if err != nil {
			logging.Op().Warn("failed to create JWT authenticator", "error", err)
		} else {
			authenticators = append(authenticators, jwtAuth)
		}
	}

	if cfg.APIKeys.Enabled {
		var staticKeys []auth.StaticKeyConfig
		for _, k := range cfg.APIKeys.StaticKeys {
			staticKeys = append(staticKeys, auth.StaticKeyConfig{
				Name: k.Name,
				Key:  k.Key,
				Tier: k.Tier,
			})
		}
		apiKeyAuth := auth.NewAPIKeyAuthenticator(auth.APIKeyAuthConfig{
			Redis:      cfg.APIKeys.RedisClient,
			StaticKeys: staticKeys,
		})
		authenticators = append(authenticators, apiKeyAuth)
	}

	return authenticators
}
