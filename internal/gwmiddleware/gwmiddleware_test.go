package gwmiddleware_test

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/api-gateway/internal/gwmiddleware"
)

func TestCORS_HandlesPreflight(t *testing.T) {
	h := gwmiddleware.CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run for OPTIONS")
	}))

	r := httptest.NewRequest(http.MethodOptions, "/api/service-a/items", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_PassesThroughNonPreflight(t *testing.T) {
	called := false
	h := gwmiddleware.CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/service-a/items", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecovery_ConvertsPanicToFiveHundred(t *testing.T) {
	h := gwmiddleware.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/service-a/items", nil)
	w := httptest.NewRecorder()

	assert.NotPanics(t, func() { h.ServeHTTP(w, r) })
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRequestLogger_PassesThrough(t *testing.T) {
	called := false
	h := gwmiddleware.RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/service-a/items", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.True(t, called)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRequestLogger_RedactsBodySecretsAndRestoresBody(t *testing.T) {
	var logged bytes.Buffer
	log.SetOutput(&logged)
	defer log.SetOutput(os.Stderr)

	var seenBody string
	h := gwmiddleware.RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seenBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	payload := `{"password":"hunter2","name":"ok"}`
	r := httptest.NewRequest(http.MethodPost, "/api/service-a/items", strings.NewReader(payload))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, payload, seenBody, "handler must still read the original body")
	assert.Contains(t, logged.String(), "[REDACTED]")
	assert.NotContains(t, logged.String(), "hunter2")
}
