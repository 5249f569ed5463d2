// Package routetable matches an inbound request to the static policy
// attached to its route: which upstream it forwards to, whether it is
// public, what resource/action it declares to authz, and how the rate
// limiter should treat it. The table itself is data — see internal/config
// for how it is loaded from the hot-reloadable policy document.
package routetable

import (
	"strings"

	"github.com/technosupport/api-gateway/internal/authz"
	"github.com/technosupport/api-gateway/internal/ratelimit"
)

// Entry is one row of the route table: a method+path-prefix match and
// everything downstream pipeline stages need to know about it.
type Entry struct {
	Method        string   `yaml:"method"` // HTTP method, or "*" for any
	PathPrefix    string   `yaml:"pathPrefix"`
	Upstream      string   `yaml:"upstream"`
	Resource      string   `yaml:"resource"`
	Action        string   `yaml:"action"`
	Public        bool     `yaml:"public"`
	RequiredRoles []string `yaml:"requiredRoles"`
	SkipThrottle  bool     `yaml:"skipThrottle"`
	TenantScoped  bool     `yaml:"tenantScoped"`
	WebSocket     bool     `yaml:"webSocket"`

	// Cacheable opts a GET route into the two-level response cache.
	// Mutating routes are never cacheable; they invalidate the cache
	// entries for their own resource instead (see internal/pipeline).
	Cacheable bool `yaml:"cacheable"`

	// Upload marks a route as a multipart file upload: the pipeline
	// spools the incoming file before forwarding it, instead of piping
	// the request body straight through.
	Upload bool `yaml:"upload"`

	// Download marks a route as a file download: the pipeline fetches
	// metadata for the Content-Disposition filename, then streams the
	// upstream body back to the client verbatim instead of decoding it
	// into an envelope.
	Download bool `yaml:"download"`
}

// AuthZMetadata converts e to the shape authz.Authorizer consumes.
func (e Entry) AuthZMetadata() authz.RouteMetadata {
	return authz.RouteMetadata{
		Public:        e.Public,
		RequiredRoles: e.RequiredRoles,
		Resource:      e.Resource,
		Action:        e.Action,
	}
}

// RateLimitDescriptor converts e to the shape ratelimit.Limiter consumes.
func (e Entry) RateLimitDescriptor() ratelimit.RouteDescriptor {
	return ratelimit.RouteDescriptor{
		Skip:         e.Public || e.SkipThrottle,
		Method:       e.Method,
		Resource:     e.Resource,
		TenantScoped: e.TenantScoped,
	}
}

// Table is an ordered list of route entries, matched by longest
// path-prefix among entries whose method matches.
type Table struct {
	Entries []Entry `yaml:"entries"`
}

// NotFound is the zero-value entry returned when nothing matches — it is
// neither public nor does it declare a resource/action. The pipeline
// never hands it to authz: an unmatched request skips authorization and
// rate limiting and is answered by the proxy handler with an enveloped 404.
var NotFound = Entry{}

// Match finds the most specific entry for (method, path): the entry with
// the longest PathPrefix among those whose Method matches (exactly or
// via the "*" wildcard) and whose PathPrefix is a prefix of path.
func (t Table) Match(method, path string) (Entry, bool) {
	best := NotFound
	found := false

	for _, e := range t.Entries {
		if e.Method != "*" && !strings.EqualFold(e.Method, method) {
			continue
		}
		if !strings.HasPrefix(path, e.PathPrefix) {
			continue
		}
		if !found || len(e.PathPrefix) > len(best.PathPrefix) {
			best = e
			found = true
		}
	}

	return best, found
}

// UpstreamPath strips the entry's "/api/<upstream>" family prefix (not its
// full PathPrefix) down to the upstream-relative path: "/api/service-a" mounted at PathPrefix
// "/api/service-a/items" forwards "/api/service-a/items/42" as
// "/items/42".
func UpstreamPath(e Entry, fullPath string) string {
	prefix := "/api/" + e.Upstream
	rest := strings.TrimPrefix(fullPath, prefix)
	if rest == "" {
		rest = "/"
	}
	return rest
}

// Default returns the built-in route table: three upstream families plus
// the fixed public/system routes. It is the table internal/config falls
// back to when no policy document is present yet (first boot, before
// config/policy.yaml exists).
func Default() Table {
	return Table{Entries: []Entry{
		{Method: "*", PathPrefix: "/health", Public: true},
		{Method: "*", PathPrefix: "/api/health", Public: true},
		{Method: "*", PathPrefix: "/system-check", Public: true},
		{Method: "*", PathPrefix: "/system-check-key", Public: false, RequiredRoles: []string{"admin", "user"}, Resource: "system", Action: "read"},
		{Method: "*", PathPrefix: "/metrics", Public: true, SkipThrottle: true},

		{Method: "GET", PathPrefix: "/api/service-a/items", Upstream: "service-a", Resource: "items", Action: "read", TenantScoped: true, Cacheable: true},
		{Method: "POST", PathPrefix: "/api/service-a/items", Upstream: "service-a", Resource: "items", Action: "create", TenantScoped: true},
		{Method: "PUT", PathPrefix: "/api/service-a/items", Upstream: "service-a", Resource: "items", Action: "update", TenantScoped: true},
		{Method: "PATCH", PathPrefix: "/api/service-a/items", Upstream: "service-a", Resource: "items", Action: "update", TenantScoped: true},
		{Method: "DELETE", PathPrefix: "/api/service-a/items", Upstream: "service-a", Resource: "items", Action: "delete", TenantScoped: true},
		{Method: "GET", PathPrefix: "/api/service-a/categories", Upstream: "service-a", Resource: "categories", Action: "read", Cacheable: true},
		{Method: "POST", PathPrefix: "/api/service-a/categories", Upstream: "service-a", Resource: "categories", Action: "create"},
		{Method: "GET", PathPrefix: "/api/service-a/statistics", Upstream: "service-a", Resource: "statistics", Action: "read", SkipThrottle: true, Cacheable: true},

		{Method: "GET", PathPrefix: "/api/service-b/reports", Upstream: "service-b", Resource: "reports", Action: "read", TenantScoped: true, Cacheable: true},
		{Method: "POST", PathPrefix: "/api/service-b/reports", Upstream: "service-b", Resource: "reports", Action: "create", TenantScoped: true},
		{Method: "GET", PathPrefix: "/api/service-b/notifications/stream", Upstream: "service-b", Resource: "notifications", Action: "read", WebSocket: true},
		{Method: "GET", PathPrefix: "/api/service-b/notifications", Upstream: "service-b", Resource: "notifications", Action: "read"},
		{Method: "POST", PathPrefix: "/api/service-b/notifications", Upstream: "service-b", Resource: "notifications", Action: "create"},

		{Method: "GET", PathPrefix: "/api/service-c/files/download", Upstream: "service-c", Resource: "files", Action: "read", TenantScoped: true, Download: true},
		{Method: "GET", PathPrefix: "/api/service-c/files", Upstream: "service-c", Resource: "files", Action: "read", TenantScoped: true, Cacheable: true},
		{Method: "POST", PathPrefix: "/api/service-c/files/upload", Upstream: "service-c", Resource: "files", Action: "create", TenantScoped: true, Upload: true},
		{Method: "POST", PathPrefix: "/api/service-c/files", Upstream: "service-c", Resource: "files", Action: "create", TenantScoped: true},
		{Method: "DELETE", PathPrefix: "/api/service-c/files", Upstream: "service-c", Resource: "files", Action: "delete", TenantScoped: true},
		{Method: "GET", PathPrefix: "/api/service-c/folders", Upstream: "service-c", Resource: "folders", Action: "read", Cacheable: true},
		{Method: "POST", PathPrefix: "/api/service-c/folders", Upstream: "service-c", Resource: "folders", Action: "create"},
	}}
}
