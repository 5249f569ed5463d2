// Package authz decides whether a Principal may perform the action a
// matched route declares. The decision is driven entirely by the
// in-process PolicyTable loaded from the hot-reloadable policy document;
// there is no network round trip in the hot path, and the resolution
// itself is memoized in a bounded LRU keyed by resource, action, and the
// principal's role set.
package authz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/technosupport/api-gateway/internal/authn"
	"github.com/technosupport/api-gateway/internal/envelope"
)

// RouteMetadata is what a matched route declares about its own
// authorization requirements.
type RouteMetadata struct {
	Public        bool
	RequiredRoles []string // any-of; satisfied ⇒ allow without consulting the policy table
	Resource      string
	Action        string
}

// PolicyTable maps (resource, action) to the set of roles allowed to
// perform it. An unknown resource, or an unknown action on a known
// resource, denies.
type PolicyTable map[string]map[string][]string

// Allowed reports whether any of principalRoles intersects the roles
// configured for (resource, action).
func (t PolicyTable) Allowed(resource, action string, principalRoles map[string]struct{}) bool {
	actions, ok := t[resource]
	if !ok {
		return false
	}
	allowedRoles, ok := actions[action]
	if !ok {
		return false
	}
	for _, role := range allowedRoles {
		if _, has := principalRoles[role]; has {
			return true
		}
	}
	return false
}

const decisionCacheSize = 2000

// PolicySource supplies the currently active PolicyTable. Implementations
// (internal/config) may hot-reload it behind the scenes; Authorize always
// reads whatever Current returns at call time.
type PolicySource interface {
	Current() PolicyTable
}

// Authorizer enforces RouteMetadata against a Principal using the
// currently loaded PolicyTable.
type Authorizer struct {
	policy PolicySource
	cache  *lru.Cache[string, bool]
}

// New builds an Authorizer reading its PolicyTable from policy, which may
// hot-reload independently (see PolicySource).
func New(policy PolicySource) *Authorizer {
	cache, err := lru.New[string, bool](decisionCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which decisionCacheSize never is.
		panic(err)
	}
	return &Authorizer{policy: policy, cache: cache}
}

// Authorize applies the decision chain: required-role short-circuit,
// admin override, then the resource/action policy table.
func (a *Authorizer) Authorize(route RouteMetadata, p *authn.Principal) error {
	if route.Public {
		return nil
	}
	if p == nil {
		return envelope.Unauthorized("Authentication credentials were not provided.")
	}

	for _, role := range route.RequiredRoles {
		if p.HasRole(role) {
			return nil
		}
	}

	if route.Resource == "" || route.Action == "" {
		return envelope.Forbidden(route.Action, route.Resource)
	}

	if p.HasRole("admin") {
		return nil
	}

	key := a.decisionCacheKey(route, p)
	if allowed, ok := a.cache.Get(key); ok {
		if allowed {
			return nil
		}
		return envelope.Forbidden(route.Action, route.Resource)
	}

	allowed := a.policy.Current().Allowed(route.Resource, route.Action, p.Roles)
	a.cache.Add(key, allowed)
	if !allowed {
		return envelope.Forbidden(route.Action, route.Resource)
	}
	return nil
}

// InvalidateCache drops every memoized decision. Call this whenever the
// underlying PolicyTable is hot-reloaded so a stale allow/deny can't
// outlive the document that produced it.
func (a *Authorizer) InvalidateCache() {
	a.cache.Purge()
}

func (a *Authorizer) decisionCacheKey(route RouteMetadata, p *authn.Principal) string {
	roles := make([]string, 0, len(p.Roles))
	for r := range p.Roles {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return fmt.Sprintf("%s|%s|%s", route.Resource, route.Action, strings.Join(roles, ","))
}

// Middleware wraps a handler, resolving route metadata via lookup and
// enforcing Authorize before the handler runs.
func (a *Authorizer) Middleware(lookup func(*http.Request) RouteMetadata) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := lookup(r)
			p := authn.FromContext(r.Context())

			if err := a.Authorize(route, p); err != nil {
				envelope.Write(w, r, w.Header().Get("X-Request-Id"), err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
