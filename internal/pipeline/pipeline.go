// Package pipeline wires the gateway's ordered stages — correlation,
// recovery, logging, CORS, metrics, AuthN, AuthZ, rate limiting, the
// proxy handler — into one chi router serving every route family, and
// carries the generic request/response translation shared by every
// upstream call: building the outbound UpstreamCall, normalizing the
// response, and serving cached GETs.
package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/api-gateway/internal/authn"
	"github.com/technosupport/api-gateway/internal/authz"
	"github.com/technosupport/api-gateway/internal/cache"
	"github.com/technosupport/api-gateway/internal/correlation"
	"github.com/technosupport/api-gateway/internal/dispatcher"
	"github.com/technosupport/api-gateway/internal/envelope"
	"github.com/technosupport/api-gateway/internal/events"
	"github.com/technosupport/api-gateway/internal/gwmiddleware"
	"github.com/technosupport/api-gateway/internal/ratelimit"
	"github.com/technosupport/api-gateway/internal/routetable"
	"github.com/technosupport/api-gateway/internal/spool"
	"github.com/technosupport/api-gateway/internal/wsproxy"
)

// cacheListTTL and cacheItemTTL are the two TTLs this gateway's read
// cache uses, matching the per-item vs reference-list split the upstream
// services expect.
const (
	cacheItemTTL = cache.DefaultTTL
	cacheListTTL = 600 * time.Second
)

// Deps collects every component the pipeline dispatches through. It owns
// no lifecycle of its own — cmd/gateway/main.go constructs and closes
// these.
type Deps struct {
	Authenticator     *authn.Authenticator
	Authorizer        *authz.Authorizer
	Limiter           *ratelimit.Limiter
	Dispatcher        *dispatcher.Dispatcher
	ResponseCache     *cache.ResponseCache
	Spool             *spool.Manager
	Events            *events.Publisher
	WSProxy           *wsproxy.Proxy
	Routes            func() routetable.Table
	EnableTenantLimit bool
}

// Mount builds the full chi router: public health/metrics routes, and
// the three upstream service families behind the full pipeline.
func Mount(d *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(correlation.Middleware)
	r.Use(gwmiddleware.Recovery)
	r.Use(gwmiddleware.RequestLogger)
	r.Use(gwmiddleware.CORS)
	r.Use(gwmiddleware.Metrics(routePattern))

	r.Use(d.Authenticator.Middleware(func(r *http.Request) bool {
		e, ok := d.Routes().Match(r.Method, r.URL.Path)
		return ok && e.Public
	}))
	r.Use(d.Authorizer.Middleware(func(r *http.Request) authz.RouteMetadata {
		e, ok := d.Routes().Match(r.Method, r.URL.Path)
		if !ok {
			// No table entry means there is nothing to authorize against;
			// the handler turns the missing route into a 404.
			return authz.RouteMetadata{Public: true}
		}
		return e.AuthZMetadata()
	}))
	r.Use(d.Limiter.Middleware(d.EnableTenantLimit, func(r *http.Request) ratelimit.RouteDescriptor {
		e, ok := d.Routes().Match(r.Method, r.URL.Path)
		if !ok {
			return ratelimit.RouteDescriptor{Skip: true}
		}
		return e.RateLimitDescriptor()
	}))

	r.Get("/health", healthHandler)
	r.Get("/api/health", healthHandler)
	r.Get("/system-check", healthHandler)
	r.Get("/system-check-key", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/api/service-a/*", d.proxyHandler)
	r.HandleFunc("/api/service-c/*", d.proxyHandler)
	r.HandleFunc("/api/service-b/notifications/stream", d.wsHandler)
	r.HandleFunc("/api/service-b/*", d.proxyHandler)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		envelope.Write(w, r, correlation.FromContext(r.Context()), envelope.NotFound("route", r.URL.Path))
	})

	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return r.URL.Path
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	reqID := correlation.FromContext(r.Context())
	envelope.WriteSuccess(w, r, reqID, http.StatusOK, map[string]string{"status": "ok"}, nil)
}

// proxyHandler is the generic handler for every non-websocket upstream
// route: it resolves the matched entry, builds the outbound call,
// serves a cacheable GET from cache when possible, dispatches otherwise,
// invalidates the cache on a successful mutation, and normalizes the
// result into the gateway's envelope.
func (d *Deps) proxyHandler(w http.ResponseWriter, r *http.Request) {
	reqID := correlation.FromContext(r.Context())
	e, ok := d.Routes().Match(r.Method, r.URL.Path)
	if !ok {
		envelope.Write(w, r, reqID, envelope.NotFound("route", r.URL.Path))
		return
	}

	p := authn.FromContext(r.Context())
	upstreamPath := routetable.UpstreamPath(e, r.URL.Path)
	cacheKey := resourceCacheKey(e, p, upstreamPath)

	if e.Cacheable && r.Method == http.MethodGet && d.ResponseCache != nil {
		if cached, hit := d.ResponseCache.Get(r.Context(), cacheKey); hit {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, cached)
			return
		}
	}

	call := dispatcher.UpstreamCall{
		Upstream:       e.Upstream,
		Method:         r.Method,
		Path:           upstreamPath,
		Query:          r.URL.Query(),
		Body:           r.Body,
		ContentType:    r.Header.Get("Content-Type"),
		CorrelationID:  reqID,
		AcceptLanguage: r.Header.Get("X-Accept-Language"),
	}
	if p != nil {
		call.TenantID = p.TenantID
		call.TenantName = p.TenantName
		call.UserEmail = p.Email
		if p.HasRole("admin") {
			call.UserRole = "admin"
		} else {
			call.UserRole = "user"
		}
		call.SourceService = p.SourceService
	}

	if e.Download {
		d.downloadHandler(w, r, call, upstreamPath, reqID, e.Upstream)
		return
	}
	if e.Upload {
		d.uploadHandler(w, r, call, e, p, upstreamPath, reqID)
		return
	}

	start := time.Now()
	resp, err := d.Dispatcher.Do(r.Context(), call)
	if err != nil {
		envelope.Write(w, r, reqID, err)
		d.publish(reqID, r, 0, start, e.Upstream)
		return
	}

	status := resp.StatusCode
	data, metadata, err := dispatcher.Normalize(resp, upstreamPath)
	if err != nil {
		envelope.Write(w, r, reqID, err)
		d.publish(reqID, r, 0, start, e.Upstream)
		return
	}

	if r.Method != http.MethodGet && d.ResponseCache != nil {
		d.invalidateResource(r.Context(), e, p, upstreamPath)
	} else if e.Cacheable && status == http.StatusOK && d.ResponseCache != nil {
		if raw, ok := marshalForCache(data, metadata); ok {
			ttl := cacheListTTL
			if hasResourceID(upstreamPath) {
				ttl = cacheItemTTL
			}
			_ = d.ResponseCache.Set(r.Context(), cacheKey, raw, ttl)
		}
	}

	// 204s stay body-less; everything else keeps the upstream's success
	// status on the gateway's own envelope.
	if status == http.StatusNoContent {
		w.WriteHeader(http.StatusNoContent)
	} else {
		envelope.WriteSuccess(w, r, reqID, status, data, metadata)
	}
	d.publish(reqID, r, status, start, e.Upstream)
}

// uploadHandler walks the inbound multipart stream part by part, spools
// the file to disk, and forwards it upstream via Dispatcher.Upload. The
// file part is handed over as a raw stream, never buffered whole in
// memory — the upload size ceiling bounds disk, not heap.
func (d *Deps) uploadHandler(w http.ResponseWriter, r *http.Request, call dispatcher.UpstreamCall, e routetable.Entry, p *authn.Principal, upstreamPath, reqID string) {
	mpr, err := r.MultipartReader()
	if err != nil {
		envelope.Write(w, r, reqID, envelope.BadRequest("The request is not a valid multipart upload."))
		return
	}

	var filePart *multipart.Part
	for {
		part, perr := mpr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			envelope.Write(w, r, reqID, envelope.BadRequest("The request is not a valid multipart upload."))
			return
		}
		if part.FormName() == "file" {
			filePart = part
			break
		}
		part.Close()
	}
	if filePart == nil {
		envelope.Write(w, r, reqID, envelope.BadRequest("The upload is missing its \"file\" field."))
		return
	}
	defer filePart.Close()

	start := time.Now()
	resp, err := d.Dispatcher.Upload(r.Context(), d.Spool, dispatcher.UploadRequest{
		Call:      call,
		FieldName: "file",
		FileName:  filePart.FileName(),
		File:      filePart,
	})
	if err != nil {
		envelope.Write(w, r, reqID, err)
		d.publish(reqID, r, 0, start, e.Upstream)
		return
	}

	status := resp.StatusCode
	data, metadata, err := dispatcher.Normalize(resp, call.Path)
	if err != nil {
		envelope.Write(w, r, reqID, err)
		d.publish(reqID, r, 0, start, e.Upstream)
		return
	}

	if d.ResponseCache != nil {
		d.invalidateResource(r.Context(), e, p, upstreamPath)
	}

	envelope.WriteSuccess(w, r, reqID, status, data, metadata)
	d.publish(reqID, r, status, start, e.Upstream)
}

// downloadHandler fetches the file's metadata (name/content-type) from
// the upstream's own metadata endpoint, then streams the file body back
// to the client verbatim.
func (d *Deps) downloadHandler(w http.ResponseWriter, r *http.Request, call dispatcher.UpstreamCall, upstreamPath, reqID, upstream string) {
	start := time.Now()

	// The client-facing path names the "download" action explicitly
	// (".../files/download/<id>"); the upstream file and its metadata
	// both live under the plain item path (".../files/<id>").
	filePath := strings.Replace(upstreamPath, "/download/", "/", 1)
	call.Path = filePath
	call.Body = nil

	metaCall := call
	metaCall.Method = http.MethodGet
	metaCall.Path = strings.TrimRight(filePath, "/") + "/metadata"

	metaResp, err := d.Dispatcher.Do(r.Context(), metaCall)
	if err != nil {
		envelope.Write(w, r, reqID, err)
		d.publish(reqID, r, 0, start, upstream)
		return
	}
	metaData, _, err := dispatcher.Normalize(metaResp, metaCall.Path)
	if err != nil {
		envelope.Write(w, r, reqID, err)
		d.publish(reqID, r, 0, start, upstream)
		return
	}

	meta := dispatcher.DownloadMetadata{FileName: resourceID(upstreamPath)}
	if m, ok := metaData.(map[string]interface{}); ok {
		if name, ok := m["fileName"].(string); ok && name != "" {
			meta.FileName = name
		}
		if ct, ok := m["contentType"].(string); ok && ct != "" {
			meta.ContentType = ct
		}
	}

	if err := d.Dispatcher.StreamDownload(r.Context(), call, meta, w); err != nil {
		envelope.Write(w, r, reqID, err)
		d.publish(reqID, r, 0, start, upstream)
		return
	}
	d.publish(reqID, r, http.StatusOK, start, upstream)
}

func (d *Deps) publish(reqID string, r *http.Request, status int, start time.Time, upstream string) {
	if d.Events == nil {
		return
	}
	d.Events.Publish(events.RequestCompleted(reqID, r.Method, r.URL.Path, status, time.Since(start), upstream))
}

func (d *Deps) wsHandler(w http.ResponseWriter, r *http.Request) {
	reqID := correlation.FromContext(r.Context())
	e, ok := d.Routes().Match(r.Method, r.URL.Path)
	if !ok {
		envelope.Write(w, r, reqID, envelope.NotFound("route", r.URL.Path))
		return
	}

	upstreamPath := routetable.UpstreamPath(e, r.URL.Path)
	base, apiKey := d.upstreamBase(e.Upstream)
	target, err := wsproxy.UpstreamURL(base, upstreamPath, reqID)
	if err != nil {
		envelope.Write(w, r, reqID, envelope.ServiceUnavailable("The upstream service could not be reached."))
		return
	}

	header := http.Header{}
	header.Set("X-Api-Key", apiKey)
	header.Set("X-Request-Id", reqID)
	if p := authn.FromContext(r.Context()); p != nil {
		header.Set("X-Tenant-Id", p.TenantID)
	}

	if err := d.WSProxy.Handle(w, r, target, header); err != nil {
		envelope.Write(w, r, reqID, envelope.ServiceUnavailable("The notification stream could not be established."))
	}
}

func (d *Deps) upstreamBase(upstream string) (baseURL, apiKey string) {
	// The dispatcher already holds each upstream's base URL/API key; the
	// websocket path reuses the same static lookup rather than duplicating
	// configuration.
	return d.Dispatcher.UpstreamBaseURL(upstream), d.Dispatcher.UpstreamAPIKey(upstream)
}

func resourceCacheKey(e routetable.Entry, p *authn.Principal, upstreamPath string) string {
	tenant := "_"
	if p != nil && p.TenantID != "" {
		tenant = p.TenantID
	}
	key := e.Upstream + ":" + tenant + ":" + e.Resource
	if id := resourceID(upstreamPath); id != "" {
		key += ":" + id
	}
	return key
}

func hasResourceID(upstreamPath string) bool {
	return resourceID(upstreamPath) != ""
}

func resourceID(upstreamPath string) string {
	segments := strings.Split(strings.Trim(upstreamPath, "/"), "/")
	if len(segments) < 2 {
		return ""
	}
	return segments[len(segments)-1]
}

// marshalForCache re-serializes the envelope's data/metadata back into
// the shape the cached body is later replayed as: a bare
// {success,data,metadata} document, so a cache hit writes exactly what a
// cache miss's normalized envelope would have produced.
func marshalForCache(data, metadata interface{}) (string, bool) {
	raw, err := json.Marshal(envelope.NewSuccess(data, metadata))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// invalidateResource drops the cached item key (if the mutated path
// named one), the resource's list key, and the same upstream's aggregate
// keys (categories, statistics) for the tenant — the explicit
// item/list/aggregate invalidation this gateway's cache performs on
// every write.
func (d *Deps) invalidateResource(ctx context.Context, e routetable.Entry, p *authn.Principal, upstreamPath string) {
	tenant := "_"
	if p != nil && p.TenantID != "" {
		tenant = p.TenantID
	}
	listKey := e.Upstream + ":" + tenant + ":" + e.Resource
	keys := []string{listKey}
	if id := resourceID(upstreamPath); id != "" {
		keys = append(keys, listKey+":"+id)
	}
	for _, agg := range []string{"categories", "statistics"} {
		if agg != e.Resource {
			keys = append(keys, e.Upstream+":"+tenant+":"+agg)
		}
	}
	d.ResponseCache.Invalidate(ctx, keys...)
}
