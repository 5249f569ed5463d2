// Package ratelimit implements the fixed-window limiter: identity
// derivation, rule resolution against the hot-reloadable policy document,
// and the KV-backed counter itself. A KV outage fails open rather than
// blocking traffic.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/technosupport/api-gateway/internal/authn"
	"github.com/technosupport/api-gateway/internal/envelope"
)

// Rule is a (limit, window) pair resolved for a given method/resource.
type Rule struct {
	Limit  int
	Window time.Duration
}

// RuleTable resolves a rule by (method, resource) → (method) → default.
type RuleTable struct {
	ByMethodAndResource map[string]Rule // key: "METHOD resource"
	ByMethod            map[string]Rule
	Default             Rule
}

func (t RuleTable) resolve(method, resource string) Rule {
	if r, ok := t.ByMethodAndResource[method+" "+resource]; ok {
		return r
	}
	if r, ok := t.ByMethod[method]; ok {
		return r
	}
	return t.Default
}

// RuleSource supplies the currently active RuleTable, mirroring the
// authz.PolicySource pattern so both consult the same hot-reloaded doc.
type RuleSource interface {
	Current() RuleTable
}

// Decision is the result of one limiter check.
type Decision struct {
	Limit     int
	Remaining int
	Reset     time.Time
	Limited   bool
}

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_ratelimit_decisions_total",
		Help: "Rate limiter decisions by scope and result.",
	}, []string{"scope", "result"})

	kvErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_ratelimit_kv_errors_total",
		Help: "KV store errors encountered while evaluating a rate limit.",
	}, []string{"scope"})
)

// Limiter evaluates fixed-window limits against a KVStore.
type Limiter struct {
	store KVStore
	rules RuleSource
}

// KVStore is the narrow subset of kvstore.KVStore the limiter needs.
type KVStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

func New(store KVStore, rules RuleSource) *Limiter {
	return &Limiter{store: store, rules: rules}
}

// Check evaluates the limit for (scope, identity, method, resource). On a
// KV error it fails open: limited=false, remaining=limit, and the error
// is logged and counted.
func (l *Limiter) Check(ctx context.Context, scope, identity, method, resource string) Decision {
	rule := l.rules.Current().resolve(method, resource)
	windowIndex := time.Now().Unix() / int64(rule.Window.Seconds())
	key := fmt.Sprintf("rl:%s:%s:%s:%s:%d", scope, identity, method, resource, windowIndex)

	count, err := l.store.Incr(ctx, key, rule.Window)
	if err != nil {
		log.Printf("ratelimit: kv error scope=%s identity=%s: %v", scope, identity, err)
		kvErrorsTotal.WithLabelValues(scope).Inc()
		decisionsTotal.WithLabelValues(scope, "fail-open").Inc()
		return Decision{Limit: rule.Limit, Remaining: rule.Limit, Reset: time.Now().Add(rule.Window)}
	}

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	limited := int(count) > rule.Limit
	result := "allowed"
	if limited {
		result = "limited"
	}
	decisionsTotal.WithLabelValues(scope, result).Inc()

	resetAt := time.Unix((windowIndex+1)*int64(rule.Window.Seconds()), 0)
	return Decision{Limit: rule.Limit, Remaining: remaining, Reset: resetAt, Limited: limited}
}

// Identity derives the rate-limit identity per the request: API-key
// composite when present, else the principal id, else the remote IP,
// else "anonymous" — normalized to collapse repeated ":" separators,
// trim leading/trailing ":", and drop the "ffff" token IPv4-mapped IPv6
// addresses insert.
func Identity(r *http.Request) string {
	apiKey := r.Header.Get("X-Api-Key")
	principal := authn.FromContext(r.Context())

	var raw string
	switch {
	case apiKey != "":
		// The third segment separates distinct callers sharing one static
		// key. The api-key principal's ID is the key itself, so it can
		// never serve here; the caller's IP (or a genuinely distinct
		// end-user id, e.g. a synthesized service principal's) can.
		sub := "anonymous"
		if ip := authn.ClientIP(r); ip != "" {
			sub = ip
		} else if principal != nil && principal.ID != "" && principal.ID != apiKey {
			sub = principal.ID
		}
		raw = "api-key:" + apiKey + ":" + sub
	case principal != nil && principal.ID != "":
		raw = principal.ID
	default:
		if ip := authn.ClientIP(r); ip != "" {
			raw = ip
		} else {
			raw = "anonymous"
		}
	}

	return normalize(raw)
}

func normalize(s string) string {
	parts := strings.Split(s, ":")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || p == "ffff" {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return "anonymous"
	}
	return strings.Join(kept, ":")
}

func writeHeaders(w http.ResponseWriter, prefix string, d Decision) {
	w.Header().Set(prefix+"Limit", strconv.Itoa(d.Limit))
	w.Header().Set(prefix+"Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set(prefix+"Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// RouteDescriptor tells the middleware whether a matched route is
// exempt and how to key a tenant-scoped check.
type RouteDescriptor struct {
	Skip         bool // public, skipThrottle, or health
	Method       string
	Resource     string
	TenantScoped bool
}

// Middleware enforces the per-identity limit and, when enabled and the
// route opts in, an additional tenant-scoped limit.
func (l *Limiter) Middleware(enableTenantLimits bool, describe func(*http.Request) RouteDescriptor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := describe(r)
			if route.Skip {
				next.ServeHTTP(w, r)
				return
			}

			// Wildcard-method route entries still resolve rules by the
			// request's own method.
			method := route.Method
			if method == "" || method == "*" {
				method = r.Method
			}

			id := Identity(r)
			decision := l.Check(r.Context(), "identity", id, method, route.Resource)
			writeHeaders(w, "X-RateLimit-", decision)

			if decision.Limited {
				envelope.Write(w, r, w.Header().Get("X-Request-Id"), envelope.TooManyRequests("Too many requests."))
				return
			}

			if enableTenantLimits && route.TenantScoped {
				if p := authn.FromContext(r.Context()); p != nil && p.TenantID != "" {
					tDecision := l.Check(r.Context(), "tenant", p.TenantID, method, route.Resource)
					writeHeaders(w, "X-Tenant-RateLimit-", tDecision)
					if tDecision.Limited {
						envelope.Write(w, r, w.Header().Get("X-Request-Id"), envelope.TooManyRequests("Too many requests for this tenant."))
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
