package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"careflow/backend/internal/config"
	"careflow/backend/internal/repository"

	"github.com/coreos/go-oidc"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Principal is the authenticated caller.
type Principal struct {
	Subject  string
	Email    string
	TenantID string
	Scopes   []string
}

// HasScope reports whether the caller was granted scope.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by RequireAuth.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// TenantID returns the authenticated tenant, or "".
func TenantID(ctx context.Context) string {
	if p, ok := FromContext(ctx); ok {
		return p.TenantID
	}
	return ""
}

// Auth verifies bearer access tokens issued by the Okta tenant and resolves
// the caller's clinic tenant.
type Auth struct {
	apiVerifier *oidc.IDTokenVerifier
	tenants     repository.TenantStore
	logger      Logger
	tenantClaim string
	authBypass  bool
	devTenantID string
}

// New creates a new Auth object using values from the application
// configuration. Outside the dev bypass it connects to the issuer to load
// its signing keys.
func New(ctx context.Context, cfg *config.Config, tenants repository.TenantStore, logger Logger) (*Auth, error) {
	shouldBypass := cfg.IsDev() && cfg.DevModeBypass

	a := &Auth{
		tenants:     tenants,
		logger:      logger,
		tenantClaim: cfg.Auth.TenantClaim,
		authBypass:  shouldBypass,
		devTenantID: cfg.Auth.DevTenantID,
	}
	if shouldBypass {
		if a.devTenantID == "" {
			return nil, errors.New("dev bypass requires auth.dev_tenant_id")
		}
		return a, nil
	}

	if cfg.Auth.OktaDomain == "" {
		return nil, errors.New("auth configuration is incomplete")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, err
	}
	// Access tokens carry the API audience rather than a client id.
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return a, nil
}

// RequireAuth is middleware that requires a valid bearer token and stores
// the resulting Principal in the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.authBypass {
			p := &Principal{Subject: "dev", Email: "dev@localhost", TenantID: a.devTenantID, Scopes: AllScopes}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		token, err := a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			writeUnauthorized(w, "invalid token: "+err.Error())
			return
		}

		var claims map[string]any
		if err := token.Claims(&claims); err != nil {
			writeUnauthorized(w, "failed to parse token claims")
			return
		}

		p := &Principal{Subject: token.Subject, Scopes: scopesFromClaims(claims)}
		p.Email, _ = claims["email"].(string)

		tenantID, err := a.resolveTenant(r.Context(), claims, p.Email)
		if err != nil {
			if a.logger != nil {
				a.logger.Info("Tenant resolution failed", "subject", p.Subject, "error", err)
			}
			http.Error(w, "no tenant for caller", http.StatusForbidden)
			return
		}
		p.TenantID = tenantID

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// resolveTenant prefers an explicit tenant claim and falls back to the
// tenant registered for the caller's email domain.
func (a *Auth) resolveTenant(ctx context.Context, claims map[string]any, email string) (string, error) {
	if a.tenantClaim != "" {
		if id, ok := claims[a.tenantClaim].(string); ok && id != "" {
			return id, nil
		}
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return "", errors.New("token has neither a tenant claim nor an email domain")
	}
	tenant, err := a.tenants.GetTenantByDomain(ctx, parts[1])
	if err != nil {
		return "", err
	}
	return tenant.ID, nil
}

// scopesFromClaims reads Okta's "scp" array or the RFC 8693 "scope" string.
func scopesFromClaims(claims map[string]any) []string {
	if raw, ok := claims["scp"].([]any); ok {
		scopes := make([]string, 0, len(raw))
		for _, s := range raw {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		return scopes
	}
	if s, ok := claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	return nil
}

// RequireScope rejects callers whose token was not granted scope. It must
// run after RequireAuth.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				writeUnauthorized(w, "not authenticated")
				return
			}
			if !p.HasScope(scope) {
				http.Error(w, "missing scope "+scope, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="careflow"`)
	http.Error(w, msg, http.StatusUnauthorized)
}
