// Package dispatcher turns a validated inbound request into an outbound
// call against one of the gateway's upstream services, wraps it with the
// per-upstream circuit breaker, and translates whatever comes back (or
// fails to) into the gateway's own error taxonomy.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/technosupport/api-gateway/internal/breaker"
	"github.com/technosupport/api-gateway/internal/envelope"
)

// UpstreamConfig is the static configuration for one backend.
type UpstreamConfig struct {
	Name    string // "service-a", "service-b", "service-c"
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// UpstreamCall describes one outbound request before it's built.
type UpstreamCall struct {
	Upstream       string
	Method         string
	Path           string // joined onto the upstream's BaseURL
	Query          url.Values
	Body           io.Reader
	ContentType    string
	TenantID       string
	CorrelationID  string
	UserEmail      string
	UserRole       string
	TenantName     string
	SourceService  string
	AcceptLanguage string
}

// NewTransport builds the shared pooled transport every upstream client
// uses. A single instance is constructed at startup and backs the
// Dispatcher's one *http.Client, shared by every upstream.
func NewTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	}
}

const defaultTimeout = 30 * time.Second

// Dispatcher dispatches calls to configured upstreams, breaker-wrapped.
type Dispatcher struct {
	upstreams map[string]UpstreamConfig
	client    *http.Client
	breakers  *breaker.Registry
}

func New(upstreams map[string]UpstreamConfig, transport http.RoundTripper, breakers *breaker.Registry) *Dispatcher {
	return &Dispatcher{
		upstreams: upstreams,
		client:    &http.Client{Transport: transport},
		breakers:  breakers,
	}
}

// UpstreamBaseURL returns the configured base URL for upstream, or "" if
// it is unknown. Used by internal/wsproxy, which dials the upstream
// directly rather than going through Do.
func (d *Dispatcher) UpstreamBaseURL(upstream string) string {
	return d.upstreams[upstream].BaseURL
}

// UpstreamAPIKey returns the configured outbound API key for upstream.
func (d *Dispatcher) UpstreamAPIKey(upstream string) string {
	return d.upstreams[upstream].APIKey
}

// Do builds and executes call, wrapped by the upstream's circuit breaker,
// and returns the raw HTTP response for the caller to normalize or
// stream. The caller is responsible for closing resp.Body.
func (d *Dispatcher) Do(ctx context.Context, call UpstreamCall) (*http.Response, error) {
	cfg, ok := d.upstreams[call.Upstream]
	if !ok {
		return nil, fmt.Errorf("dispatcher: unknown upstream %q", call.Upstream)
	}

	br := d.breakers.Get(call.Upstream)
	if !br.Allow() {
		return nil, breaker.ErrOpen
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := d.buildRequest(ctx, cfg, call)
	if err != nil {
		cancel()
		br.Failure()
		return nil, envelope.BadRequest(err.Error())
	}

	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		br.Failure()
		return nil, TranslateTransportError(err)
	}

	// resp.Body is streamed back to the caller (file downloads in
	// particular can take longer than the round trip did); cancel only
	// once the caller closes it, not when Do returns.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}

	if resp.StatusCode >= 500 {
		br.Failure()
	} else {
		br.Success()
	}

	return resp, nil
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (d *Dispatcher) buildRequest(ctx context.Context, cfg UpstreamConfig, call UpstreamCall) (*http.Request, error) {
	target, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(call.Path, "/"))
	if err != nil {
		return nil, err
	}

	query := call.Query
	if query == nil {
		query = url.Values{}
	}
	query.Set("tenantId", call.TenantID)
	for k := range query {
		if v := query.Get(k); v == "" || v == "undefined" || v == "null" {
			query.Del(k)
		}
	}
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, call.Method, target.String(), call.Body)
	if err != nil {
		return nil, err
	}

	contentType := call.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Api-Key", cfg.APIKey)
	req.Header.Set("X-Tenant-Id", call.TenantID)
	req.Header.Set("X-Request-Id", call.CorrelationID)
	if call.UserEmail != "" {
		req.Header.Set("X-User-Email", call.UserEmail)
	}
	if call.UserRole != "" {
		req.Header.Set("X-User-Role", call.UserRole)
	}
	if call.TenantName != "" {
		req.Header.Set("X-Tenant-Name", call.TenantName)
	}
	if call.SourceService != "" {
		req.Header.Set("X-Source-Service", call.SourceService)
	}
	if call.AcceptLanguage != "" {
		req.Header.Set("X-Accept-Language", call.AcceptLanguage)
	}

	return req, nil
}

// TranslateTransportError maps a transport-level failure (never an HTTP
// status — those are handled by the caller after a successful round
// trip) to the gateway's error taxonomy.
func TranslateTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return envelope.GatewayTimeout("The upstream service did not respond in time.")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return envelope.GatewayTimeout("The upstream service did not respond in time.")
	}
	if os.IsTimeout(err) {
		return envelope.GatewayTimeout("The upstream service did not respond in time.")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return envelope.ServiceUnavailable("The upstream service could not be reached.")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return envelope.ServiceUnavailable("The upstream service could not be reached.")
	}

	return envelope.ServiceUnavailable("The upstream service could not be reached.")
}

// InferResource pulls a best-effort (resourceType, id) pair from an
// upstream path, for NotFound translation when the upstream returns a
// bare 404 with no body. The plural URL segment is singularized so the
// message reads "The item with identifier ..." rather than "The items".
func InferResource(path string) (resourceType, id string) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 {
		return "resource", ""
	}
	if len(segments) == 1 {
		return singularize(segments[0]), ""
	}
	return singularize(segments[len(segments)-2]), segments[len(segments)-1]
}

func singularize(s string) string {
	switch {
	case strings.HasSuffix(s, "ies") && len(s) > 3:
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "ses") || strings.HasSuffix(s, "xes") || strings.HasSuffix(s, "zes"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss") && len(s) > 1:
		return s[:len(s)-1]
	}
	return s
}
