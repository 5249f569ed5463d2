package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
)

// redactedFields are request-body keys whose values are never logged.
var redactedFields = map[string]bool{
	"password":    true,
	"apiKey":      true,
	"api_key":     true,
	"data_base64": true,
}

// Sanitize returns a shallow copy of body with redacted-field values
// replaced, for safe inclusion in a log line. Nested objects are not
// walked: request bodies this gateway logs are small envelopes, not
// deeply nested documents.
func Sanitize(body map[string]interface{}) map[string]interface{} {
	if body == nil {
		return nil
	}
	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		if redactedFields[k] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

// PassthroughError lets the dispatcher carry an upstream's own
// well-formed error envelope through Map unchanged, with its original
// HTTP status, instead of being re-kinded by this gateway.
type PassthroughError struct {
	StatusCode int
	Env        ErrorEnvelope
}

func Passthrough(status int, env ErrorEnvelope) *PassthroughError {
	return &PassthroughError{StatusCode: status, Env: env}
}

func (e *PassthroughError) Error() string { return e.Env.Message }

// Map turns any error into a (status, ErrorEnvelope) pair. It is the single
// sink every pipeline stage and the dispatcher funnel into; nothing between
// ingress and this function is allowed to write the response body itself.
func Map(err error, path, requestID string) (int, ErrorEnvelope) {
	var passthrough *PassthroughError
	if errors.As(err, &passthrough) {
		env := passthrough.Env
		env.Path = path
		env.RequestID = requestID
		return passthrough.StatusCode, env
	}

	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return StatusFor(gerr.Kind), NewError(gerr.Kind, gerr.Message, gerr.ErrorCode, path, requestID, gerr.ValidationErrors)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e := GatewayTimeout("")
		return StatusFor(e.Kind), NewError(e.Kind, e.Message, e.ErrorCode, path, requestID, nil)
	case isTimeoutErr(err):
		e := GatewayTimeout("")
		return StatusFor(e.Kind), NewError(e.Kind, e.Message, e.ErrorCode, path, requestID, nil)
	case isConnectionRefusedOrDNS(err):
		e := ServiceUnavailable("")
		return StatusFor(e.Kind), NewError(e.Kind, e.Message, e.ErrorCode, path, requestID, nil)
	default:
		e := Internal(err)
		return StatusFor(e.Kind), NewError(e.Kind, e.Message, e.ErrorCode, path, requestID, nil)
	}
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}

func isConnectionRefusedOrDNS(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

// Write maps err and writes the resulting envelope as the HTTP response.
// It is invoked exactly once per request, and it logs at a severity keyed
// off the resulting status (5xx error, 4xx warn, 2xx info is handled by
// the caller for the success path — Write only ever handles failures).
func Write(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	status, env := Map(err, r.URL.Path, requestID)

	switch {
	case status >= 500:
		log.Printf("[REQ:%s] ERROR %s %s -> %d %s: %v", requestID, r.Method, r.URL.Path, status, env.Error, err)
	default:
		log.Printf("[REQ:%s] WARN %s %s -> %d %s", requestID, r.Method, r.URL.Path, status, env.Error)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// WriteSuccess writes a SuccessEnvelope and logs at info severity.
func WriteSuccess(w http.ResponseWriter, r *http.Request, requestID string, status int, data, metadata interface{}) {
	log.Printf("[REQ:%s] INFO %s %s -> %d", requestID, r.Method, r.URL.Path, status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(NewSuccess(data, metadata))
}
