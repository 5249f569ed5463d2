package routetable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/technosupport/api-gateway/internal/routetable"
)

func TestMatch_PicksLongestPrefix(t *testing.T) {
	tbl := routetable.Default()

	e, ok := tbl.Match("GET", "/api/service-b/notifications/stream")
	assert.True(t, ok)
	assert.True(t, e.WebSocket)
	assert.Equal(t, "notifications", e.Resource)

	e, ok = tbl.Match("GET", "/api/service-b/notifications")
	assert.True(t, ok)
	assert.False(t, e.WebSocket)
}

func TestMatch_NoEntryForUnknownPath(t *testing.T) {
	tbl := routetable.Default()
	_, ok := tbl.Match("GET", "/api/unknown-service/widgets")
	assert.False(t, ok)
}

func TestMatch_HealthIsPublic(t *testing.T) {
	tbl := routetable.Default()
	e, ok := tbl.Match("GET", "/health")
	assert.True(t, ok)
	assert.True(t, e.Public)
}

func TestUpstreamPath_StripsRoutePrefix(t *testing.T) {
	e, _ := routetable.Default().Match("GET", "/api/service-a/items/42")
	assert.Equal(t, "/items/42", routetable.UpstreamPath(e, "/api/service-a/items/42"))
}

func TestAuthZMetadata_CarriesResourceAndAction(t *testing.T) {
	e, _ := routetable.Default().Match("POST", "/api/service-a/items")
	meta := e.AuthZMetadata()
	assert.Equal(t, "items", meta.Resource)
	assert.Equal(t, "create", meta.Action)
}

func TestRateLimitDescriptor_SkipsPublicRoutes(t *testing.T) {
	e, _ := routetable.Default().Match("GET", "/health")
	assert.True(t, e.RateLimitDescriptor().Skip)
}
