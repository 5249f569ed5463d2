package dispatcher_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/api-gateway/internal/breaker"
	"github.com/technosupport/api-gateway/internal/dispatcher"
)

func newBodyFromString(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

func newDispatcher(t *testing.T, upstreamURL string) *dispatcher.Dispatcher {
	t.Helper()
	registry := breaker.NewRegistry()
	registry.Register("service-a", breaker.DefaultConfig(), nil)

	upstreams := map[string]dispatcher.UpstreamConfig{
		"service-a": {Name: "service-a", BaseURL: upstreamURL, APIKey: "key", Timeout: 2 * time.Second},
	}
	return dispatcher.New(upstreams, http.DefaultTransport, registry)
}

func TestDo_ForwardsHeadersAndTenantQuery(t *testing.T) {
	var gotTenantHeader, gotAPIKey, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenantHeader = r.Header.Get("X-Tenant-Id")
		gotAPIKey = r.Header.Get("X-Api-Key")
		gotQuery = r.URL.Query().Get("tenantId")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"id":1}}`))
	}))
	defer server.Close()

	d := newDispatcher(t, server.URL)
	resp, err := d.Do(context.Background(), dispatcher.UpstreamCall{
		Upstream: "service-a", Method: "GET", Path: "/items", TenantID: "tenant-1", CorrelationID: "req-1",
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "tenant-1", gotTenantHeader)
	assert.Equal(t, "key", gotAPIKey)
	assert.Equal(t, "tenant-1", gotQuery)
}

func TestDo_UnknownUpstream(t *testing.T) {
	d := newDispatcher(t, "http://example.invalid")
	_, err := d.Do(context.Background(), dispatcher.UpstreamCall{Upstream: "service-z"})
	assert.Error(t, err)
}

func TestDo_BreakerRejectsWhenOpen(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	registry := breaker.NewRegistry()
	registry.Register("service-a", breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenAttempts: 1}, nil)
	upstreams := map[string]dispatcher.UpstreamConfig{
		"service-a": {Name: "service-a", BaseURL: server.URL, APIKey: "key"},
	}
	d := dispatcher.New(upstreams, http.DefaultTransport, registry)

	resp, err := d.Do(context.Background(), dispatcher.UpstreamCall{Upstream: "service-a", Method: "GET", Path: "/items", TenantID: "t1"})
	require.NoError(t, err)
	resp.Body.Close()

	_, err = d.Do(context.Background(), dispatcher.UpstreamCall{Upstream: "service-a", Method: "GET", Path: "/items", TenantID: "t1"})
	assert.ErrorIs(t, err, breaker.ErrOpen)
}

func TestNormalize_WrapsBareBodyAsData(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       newBodyFromString(`{"id":1,"name":"widget"}`),
	}

	data, metadata, err := dispatcher.Normalize(resp, "/items/1")
	require.NoError(t, err)
	assert.Nil(t, metadata)
	m, ok := data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "widget", m["name"])
}

func TestNormalize_PassesThroughAlreadyEnvelopedBody(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusOK, Body: newBodyFromString(`{"success":true,"data":{"id":1},"metadata":{"page":1}}`)}

	data, metadata, err := dispatcher.Normalize(resp, "/items")
	require.NoError(t, err)
	require.NotNil(t, metadata)
	assert.Equal(t, float64(1), metadata["page"])
	m, ok := data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), m["id"])
}

func TestNormalize_NotFoundInfersResource(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusNotFound, Body: newBodyFromString(``)}
	_, _, err := dispatcher.Normalize(resp, "/items/abc")
	require.Error(t, err)
	assert.Equal(t, "NotFound: The item with identifier abc could not be found.", err.Error())
}

func TestInferResource(t *testing.T) {
	rt, id := dispatcher.InferResource("/items/abc-123")
	assert.Equal(t, "item", rt)
	assert.Equal(t, "abc-123", id)

	rt, _ = dispatcher.InferResource("/categories/7")
	assert.Equal(t, "category", rt)
}
