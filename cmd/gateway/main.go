package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/api-gateway/internal/authn"
	"github.com/technosupport/api-gateway/internal/authz"
	"github.com/technosupport/api-gateway/internal/breaker"
	"github.com/technosupport/api-gateway/internal/cache"
	"github.com/technosupport/api-gateway/internal/config"
	"github.com/technosupport/api-gateway/internal/dispatcher"
	"github.com/technosupport/api-gateway/internal/events"
	"github.com/technosupport/api-gateway/internal/identity"
	"github.com/technosupport/api-gateway/internal/kvstore"
	"github.com/technosupport/api-gateway/internal/pipeline"
	"github.com/technosupport/api-gateway/internal/ratelimit"
	"github.com/technosupport/api-gateway/internal/spool"
	"github.com/technosupport/api-gateway/internal/wsproxy"
)

const serviceName = "api-gateway"

const l1CacheCapacity = 500

func main() {
	cfg := config.Load()

	doc, err := config.NewPolicyDocument(cfg.PolicyFile,
		config.WithDefaultRule(ratelimit.Rule{Limit: cfg.ThrottleLimit, Window: cfg.ThrottleTTL}))
	if err != nil {
		log.Fatalf("config: failed to load policy document: %v", err)
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	doc.Watch(watchCtx)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
	store := kvstore.NewRedisStore(rdb)

	var validator identity.TokenValidator
	if cfg.AuthServiceURL != "" {
		validator = identity.NewRemoteValidator(cfg.AuthServiceURL, cfg.AuthJWTSharedSecret, nil)
	}
	authenticator := authn.New(cfg.StaticAPITokens, validator, authn.WithInternalServices(cfg.InternalServiceNames...))

	authorizer := authz.New(doc)
	doc.OnReload(authorizer.InvalidateCache)

	limiter := ratelimit.New(store, doc.RuleSource())

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			log.Printf("events: NATS connect failed (%v), publishing disabled", err)
			nc = nil
		} else {
			defer nc.Close()
		}
	}
	publisher := events.New(nc)

	breakers := breaker.NewRegistry()
	upstreams := make(map[string]dispatcher.UpstreamConfig, len(cfg.Upstreams))
	for name, u := range cfg.Upstreams {
		upstreams[name] = dispatcher.UpstreamConfig{Name: u.Name, BaseURL: u.BaseURL, APIKey: u.APIKey}
		breakers.Register(name, breaker.DefaultConfig(), func(upstream string, from, to breaker.State) {
			publisher.Publish(events.BreakerTransitioned(upstream, from.String(), to.String()))
		})
	}
	disp := dispatcher.New(upstreams, dispatcher.NewTransport(), breakers)

	respCache, err := cache.New(store, l1CacheCapacity)
	if err != nil {
		log.Fatalf("cache: failed to initialize: %v", err)
	}

	spoolRoot := os.Getenv("SPOOL_DIR")
	if spoolRoot == "" {
		spoolRoot = "uploads"
	}

	deps := &pipeline.Deps{
		Authenticator:     authenticator,
		Authorizer:        authorizer,
		Limiter:           limiter,
		Dispatcher:        disp,
		ResponseCache:     respCache,
		Spool:             spool.New(spoolRoot),
		Events:            publisher,
		WSProxy:           wsproxy.New(),
		Routes:            doc.Routes,
		EnableTenantLimit: cfg.EnableTenantRateLimits,
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: pipeline.Mount(deps),
	}

	go func() {
		log.Printf("%s listening on :%s", serviceName, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("%s: server error: %v", serviceName, err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("%s: shutdown signal received, draining connections", serviceName)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain)
	defer cancel()
	stopWatch()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("%s: graceful shutdown error: %v", serviceName, err)
		rdb.Close()
		os.Exit(1)
	}
	if err := rdb.Close(); err != nil {
		log.Printf("%s: closing redis client: %v", serviceName, err)
	}
	log.Printf("%s: stopped gracefully", serviceName)
}
