// Package identity resolves an opaque bearer token into the caller's
// tenant memberships. Nothing downstream of TokenValidator knows whether
// that resolution happened locally (a signed JWT) or over the network
// (introspection against the identity provider) — both produce the same
// UserData shape.
package identity

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned when a token is structurally invalid,
// expired, or rejected by the identity provider. Callers translate this
// into envelope.Unauthorized; it never reaches a response directly.
var ErrInvalidToken = errors.New("identity: invalid token")

// UserAccess is one tenant membership: the caller may hold access to
// several tenants, each with its own role.
type UserAccess struct {
	TenantID   string `json:"tenantId"`
	TenantName string `json:"tenantName"`
	Type       string `json:"type"` // e.g. "ADMIN"; anything else maps to the "user" role
}

// UserData is the normalized result of resolving a bearer token, whether
// by local JWT fast-path or remote introspection. Only the enumerated
// fields are read; anything else the provider returns is ignored.
type UserData struct {
	ID         string       `json:"id"`
	Email      string       `json:"email,omitempty"`
	UserAccess []UserAccess `json:"userAccess"`
}

// TokenValidator resolves a bearer token string into UserData. It never
// decides tenant membership or roles on the caller's behalf — that
// decision belongs to the authn package, which matches the requested
// tenant against UserAccess.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*UserData, error)
}
