// Package authn resolves the Principal for an inbound request: which
// static API key, bearer-token user, or trusted internal service is
// making the call. It is the first pipeline stage after correlation and
// request logging; everything after it — authz, rate limiting, the
// handler itself — reads the Principal off the request context.
package authn

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/technosupport/api-gateway/internal/envelope"
	"github.com/technosupport/api-gateway/internal/identity"
)

// Kind distinguishes how a Principal was established.
type Kind string

const (
	KindAPIKey  Kind = "api-key"
	KindUser    Kind = "user"
	KindService Kind = "service"
)

// Principal is the authenticated caller, attached to the request context
// by Middleware and read by authz, rate limiting, and handlers. It is
// built once per request and never mutated afterward.
type Principal struct {
	Kind          Kind
	ID            string
	TenantID      string
	TenantName    string
	Roles         map[string]struct{}
	Email         string
	SourceService string
}

// HasRole reports whether the principal was granted role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Roles[role]
	return ok
}

func rolesOf(roles ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		m[r] = struct{}{}
	}
	return m
}

type contextKey string

const principalKey contextKey = "principal"

// FromContext returns the Principal attached by Middleware, or nil for a
// public or health-check request that never carried one.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// NewContext attaches p directly, for call sites outside the HTTP
// middleware (tests, background work done on a caller's behalf).
func NewContext(ctx context.Context, p *Principal) context.Context {
	return withPrincipal(ctx, p)
}

// IsHealthPath reports whether p is one of the fixed public health paths:
// exactly "/health", "/api/health", or any path ending in "/health".
func IsHealthPath(p string) bool {
	return p == "/health" || p == "/api/health" || strings.HasSuffix(p, "/health")
}

// RouteAuth is what the route table tells AuthN about a given route.
type RouteAuth struct {
	Public bool
}

// Authenticator implements AuthN by validating API keys inline and
// delegating bearer tokens to a TokenValidator.
type Authenticator struct {
	staticAPIKeys    map[string]struct{}
	validator        identity.TokenValidator
	internalServices map[string]struct{}
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithInternalServices marks which X-Source-Service values are trusted
// to synthesize an admin service Principal when the usual trust headers
// are absent (service-to-service calls routed back through the gateway).
func WithInternalServices(names ...string) Option {
	return func(a *Authenticator) {
		for _, n := range names {
			a.internalServices[n] = struct{}{}
		}
	}
}

// New builds an Authenticator. staticAPIKeys is the comma-split
// allow-list of STATIC_API_TOKEN values.
func New(staticAPIKeys []string, validator identity.TokenValidator, opts ...Option) *Authenticator {
	keys := make(map[string]struct{}, len(staticAPIKeys))
	for _, k := range staticAPIKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	a := &Authenticator{
		staticAPIKeys:    keys,
		validator:        validator,
		internalServices: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Middleware consults route metadata via isPublic (and the fixed health
// paths) to decide whether a given request is exempt from authentication.
func (a *Authenticator) Middleware(isPublic func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsHealthPath(r.URL.Path) || (isPublic != nil && isPublic(r)) {
				next.ServeHTTP(w, r)
				return
			}

			principal, err := a.authenticate(r)
			if err != nil {
				envelope.Write(w, r, w.Header().Get("X-Request-Id"), err)
				return
			}

			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
		})
	}
}

func (a *Authenticator) authenticate(r *http.Request) (*Principal, error) {
	apiKey := r.Header.Get("X-Api-Key")
	bearer := r.Header.Get("Authorization")

	switch {
	case apiKey != "":
		return a.authenticateAPIKey(r, apiKey)
	case bearer != "":
		return a.authenticateBearer(r, bearer)
	default:
		return nil, envelope.Unauthorized("Authentication credentials were not provided.")
	}
}

func (a *Authenticator) authenticateAPIKey(r *http.Request, apiKey string) (*Principal, error) {
	if _, ok := a.staticAPIKeys[apiKey]; !ok {
		return nil, envelope.Unauthorized("The supplied API key is not recognized.")
	}

	sourceService := r.Header.Get("X-Source-Service")
	email := r.Header.Get("X-User-Email")
	role := r.Header.Get("X-User-Role")
	tenantName := r.Header.Get("X-Tenant-Name")
	tenantID := r.Header.Get("X-Tenant-Id")

	if email == "" && role == "" && tenantID == "" && tenantName == "" {
		if _, trusted := a.internalServices[sourceService]; trusted {
			return &Principal{
				Kind:          KindService,
				ID:            sourceService,
				Roles:         rolesOf("admin"),
				SourceService: sourceService,
			}, nil
		}
	}

	roles := rolesOf("user")
	if strings.EqualFold(role, "admin") {
		roles = rolesOf("admin")
	}

	return &Principal{
		Kind:          KindAPIKey,
		ID:            apiKey,
		TenantID:      tenantID,
		TenantName:    tenantName,
		Roles:         roles,
		Email:         email,
		SourceService: sourceService,
	}, nil
}

func (a *Authenticator) authenticateBearer(r *http.Request, authHeader string) (*Principal, error) {
	token, ok := bearerToken(authHeader)
	if !ok {
		return nil, envelope.Unauthorized("Authorization header must be a Bearer token.")
	}

	tenantID := r.Header.Get("X-Tenant-Id")
	if tenantID == "" {
		return nil, envelope.Unauthorized("A tenant must be specified for this request.")
	}

	if a.validator == nil {
		return nil, envelope.Unauthorized("Bearer authentication is not configured.")
	}

	data, err := a.validator.Validate(r.Context(), token)
	if err != nil {
		return nil, envelope.Unauthorized("The supplied credentials could not be verified.")
	}

	var access *identity.UserAccess
	for i := range data.UserAccess {
		if data.UserAccess[i].TenantID == tenantID {
			access = &data.UserAccess[i]
			break
		}
	}
	if access == nil {
		return nil, envelope.Unauthorized("The caller does not have access to the requested tenant.")
	}

	role := "user"
	if strings.EqualFold(access.Type, "ADMIN") {
		role = "admin"
	}

	return &Principal{
		Kind:       KindUser,
		ID:         data.ID,
		TenantID:   access.TenantID,
		TenantName: access.TenantName,
		Roles:      rolesOf(role),
		Email:      data.Email,
	}, nil
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// ClientIP returns the best-effort originating address for an
// unauthenticated caller, preferring X-Forwarded-For over RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
