package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/api-gateway/internal/config"
)

const samplePolicy = `
routes:
  - method: GET
    pathPrefix: /api/service-a/items
    upstream: service-a
    resource: items
    action: read
    tenantScoped: true
policy:
  items:
    read: [user, admin]
    create: [admin]
ratelimit:
  default:
    limit: 60
    windowSeconds: 60
  byMethod:
    POST:
      limit: 5
      windowSeconds: 60
`

func writePolicy(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestNewPolicyDocument_FallsBackToDefaultsWhenFileMissing(t *testing.T) {
	doc, err := config.NewPolicyDocument(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Routes().Entries)
}

func TestNewPolicyDocument_ParsesRoutesPolicyAndRules(t *testing.T) {
	path := writePolicy(t, t.TempDir(), samplePolicy)

	doc, err := config.NewPolicyDocument(path)
	require.NoError(t, err)

	e, ok := doc.Routes().Match("GET", "/api/service-a/items")
	require.True(t, ok)
	assert.Equal(t, "items", e.Resource)

	assert.True(t, doc.Current().Allowed("items", "read", map[string]struct{}{"user": {}}))
	assert.False(t, doc.Current().Allowed("items", "create", map[string]struct{}{"user": {}}))

	rules := doc.RuleSource().Current()
	assert.Equal(t, 60, rules.Default.Limit)
}

func TestReload_InvokesOnReloadCallback(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, samplePolicy)

	doc, err := config.NewPolicyDocument(path)
	require.NoError(t, err)

	called := false
	doc.OnReload(func() { called = true })

	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0644))
	doc.Reload()

	assert.True(t, called)
}

func TestReload_KeepsPreviousDocumentOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, samplePolicy)

	doc, err := config.NewPolicyDocument(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("not: [valid yaml"), 0644))
	doc.Reload()

	e, ok := doc.Routes().Match("GET", "/api/service-a/items")
	require.True(t, ok)
	assert.Equal(t, "items", e.Resource)
}
