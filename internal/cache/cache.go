// Package cache implements the two-level response cache: a bounded
// in-process LRU in front of the shared KV store. Only idempotent
// upstream reads are cached, and only when the call site opts in;
// mutations invalidate both levels for every key they touch.
package cache

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/technosupport/api-gateway/internal/kvstore"
)

var resultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_cache_result_total",
	Help: "Response cache lookups by result (hit, miss, error).",
}, []string{"result"})

const DefaultTTL = 300 * time.Second

type entry struct {
	value  string
	expiry time.Time
}

// ResponseCache is the read-through, explicitly-invalidated cache
// described for idempotent upstream GETs.
type ResponseCache struct {
	l1    *lru.Cache[string, entry]
	store kvstore.KVStore
}

// New builds a ResponseCache with an L1 of the given capacity in front
// of store.
func New(store kvstore.KVStore, l1Capacity int) (*ResponseCache, error) {
	l1, err := lru.New[string, entry](l1Capacity)
	if err != nil {
		return nil, err
	}
	return &ResponseCache{l1: l1, store: store}, nil
}

// Get checks the LRU first, then the KV, populating the LRU on a KV hit.
// A KV miss or a KV outage both report ok=false — callers never
// distinguish "not cached" from "cache unavailable".
func (c *ResponseCache) Get(ctx context.Context, key string) (string, bool) {
	if e, ok := c.l1.Get(key); ok {
		if time.Now().Before(e.expiry) {
			resultTotal.WithLabelValues("hit").Inc()
			return e.value, true
		}
		c.l1.Remove(key)
	}

	val, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			resultTotal.WithLabelValues("miss").Inc()
		} else {
			resultTotal.WithLabelValues("error").Inc()
		}
		return "", false
	}
	resultTotal.WithLabelValues("hit").Inc()
	// The KV enforces the authoritative TTL; the LRU mirror must never
	// outlive it, so the entry is re-armed with the KV copy's actual
	// remaining lifetime. If that can't be read, the value is served
	// without repopulating L1 rather than guessing at an expiry.
	if ttl, terr := c.store.TTL(ctx, key); terr == nil && ttl > 0 {
		c.l1.Add(key, entry{value: val, expiry: time.Now().Add(ttl)})
	}
	return val, true
}

// Set writes through to both levels with the given TTL.
func (c *ResponseCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	c.l1.Add(key, entry{value: value, expiry: time.Now().Add(ttl)})
	return nil
}

// Invalidate drops key from both levels. Call-site mutations pass every
// key their change touches: the item key, any list keys, and any
// aggregate keys (categories, statistics) derived from it.
func (c *ResponseCache) Invalidate(ctx context.Context, keys ...string) {
	for _, k := range keys {
		c.l1.Remove(k)
		_ = c.store.Del(ctx, k)
	}
}
