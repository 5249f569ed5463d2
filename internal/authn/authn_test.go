package authn_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/api-gateway/internal/authn"
	"github.com/technosupport/api-gateway/internal/identity"
)

type fakeValidator struct {
	data *identity.UserData
	err  error
}

func (f *fakeValidator) Validate(ctx context.Context, token string) (*identity.UserData, error) {
	return f.data, f.err
}

func newHandler(t *testing.T, a *authn.Authenticator, isPublic func(*http.Request) bool) http.Handler {
	t.Helper()
	return a.Middleware(isPublic)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := authn.FromContext(r.Context())
		if p != nil {
			w.Header().Set("X-Resolved-Kind", string(p.Kind))
			w.Header().Set("X-Resolved-Tenant", p.TenantID)
			if p.HasRole("admin") {
				w.Header().Set("X-Resolved-Admin", "true")
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestMiddleware_NoCredentials_Unauthorized(t *testing.T) {
	a := authn.New(nil, &fakeValidator{})
	h := newHandler(t, a, nil)

	r := httptest.NewRequest("GET", "/api/service-a/items", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_HealthPathBypassesAuth(t *testing.T) {
	a := authn.New(nil, &fakeValidator{})
	h := newHandler(t, a, nil)

	r := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_ValidAPIKey(t *testing.T) {
	a := authn.New([]string{"valid-key"}, &fakeValidator{})
	h := newHandler(t, a, nil)

	r := httptest.NewRequest("GET", "/api/service-a/items", nil)
	r.Header.Set("X-Api-Key", "valid-key")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api-key", w.Header().Get("X-Resolved-Kind"))
}

func TestMiddleware_InvalidAPIKey(t *testing.T) {
	a := authn.New([]string{"valid-key"}, &fakeValidator{})
	h := newHandler(t, a, nil)

	r := httptest.NewRequest("GET", "/api/service-a/items", nil)
	r.Header.Set("X-Api-Key", "wrong-key")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_InternalServiceSynthesized(t *testing.T) {
	a := authn.New([]string{"valid-key"}, &fakeValidator{}, authn.WithInternalServices("service-b"))
	h := newHandler(t, a, nil)

	r := httptest.NewRequest("GET", "/api/service-a/items", nil)
	r.Header.Set("X-Api-Key", "valid-key")
	r.Header.Set("X-Source-Service", "service-b")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "service", w.Header().Get("X-Resolved-Kind"))
}

func TestMiddleware_BearerMissingTenant(t *testing.T) {
	a := authn.New(nil, &fakeValidator{})
	h := newHandler(t, a, nil)

	r := httptest.NewRequest("GET", "/api/service-a/items", nil)
	r.Header.Set("Authorization", "Bearer sometoken")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_BearerTenantMismatch(t *testing.T) {
	v := &fakeValidator{data: &identity.UserData{
		ID:         "u1",
		UserAccess: []identity.UserAccess{{TenantID: "other-tenant", Type: "USER"}},
	}}
	a := authn.New(nil, v)
	h := newHandler(t, a, nil)

	r := httptest.NewRequest("GET", "/api/service-a/items", nil)
	r.Header.Set("Authorization", "Bearer sometoken")
	r.Header.Set("X-Tenant-Id", "tenant-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_BearerAdminRole(t *testing.T) {
	v := &fakeValidator{data: &identity.UserData{
		ID: "u1",
		UserAccess: []identity.UserAccess{
			{TenantID: "tenant-1", TenantName: "Acme", Type: "ADMIN"},
		},
	}}
	a := authn.New(nil, v)
	h := newHandler(t, a, nil)

	r := httptest.NewRequest("GET", "/api/service-a/items", nil)
	r.Header.Set("Authorization", "Bearer sometoken")
	r.Header.Set("X-Tenant-Id", "tenant-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tenant-1", w.Header().Get("X-Resolved-Tenant"))
	assert.Equal(t, "true", w.Header().Get("X-Resolved-Admin"))
}

func TestMiddleware_BearerIntrospectionError(t *testing.T) {
	a := authn.New(nil, &fakeValidator{err: errors.New("provider unreachable")})
	h := newHandler(t, a, nil)

	r := httptest.NewRequest("GET", "/api/service-a/items", nil)
	r.Header.Set("Authorization", "Bearer sometoken")
	r.Header.Set("X-Tenant-Id", "tenant-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
