package dispatcher

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/technosupport/api-gateway/internal/envelope"
)

var paginationKeys = []string{"page", "limit", "total", "totalPages", "hasMore"}

// Normalize reads resp's body and wraps it into the gateway's own
// envelope shape, or translates a non-2xx status per the error table.
// resp.Body is always closed.
func Normalize(resp *http.Response, upstreamPath string) (interface{}, map[string]interface{}, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, envelope.GatewayTimeout("The upstream response could not be read.")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return normalizeSuccess(body)
	}
	return nil, nil, translateHTTPError(resp.StatusCode, body, upstreamPath)
}

func normalizeSuccess(body []byte) (interface{}, map[string]interface{}, error) {
	var asMap map[string]interface{}
	if err := json.Unmarshal(body, &asMap); err == nil {
		if _, hasSuccess := asMap["success"]; hasSuccess {
			data := asMap["data"]
			metadata, _ := asMap["metadata"].(map[string]interface{})
			return data, metadata, nil
		}

		if metadata := detectPagination(asMap); metadata != nil {
			return asMap, metadata, nil
		}
		return asMap, nil, nil
	}

	var asSlice []interface{}
	if err := json.Unmarshal(body, &asSlice); err == nil {
		return asSlice, nil, nil
	}

	var raw interface{}
	_ = json.Unmarshal(body, &raw)
	return raw, nil, nil
}

func detectPagination(body map[string]interface{}) map[string]interface{} {
	for _, key := range []string{"metadata", "meta", "pagination"} {
		if m, ok := body[key].(map[string]interface{}); ok {
			return m
		}
	}

	metadata := map[string]interface{}{}
	for _, key := range paginationKeys {
		if v, ok := body[key]; ok {
			metadata[key] = v
		}
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

func translateHTTPError(status int, body []byte, upstreamPath string) error {
	if status == http.StatusNotFound {
		resourceType, id := InferResource(upstreamPath)
		return envelope.NotFound(resourceType, id)
	}

	var env envelope.ErrorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != "" {
		return envelope.Passthrough(status, env)
	}

	return kindForStatus(status)
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusBadRequest:
		return envelope.BadRequest("The upstream rejected the request.")
	case status == http.StatusUnauthorized:
		return envelope.Unauthorized("The upstream rejected the credentials.")
	case status == http.StatusForbidden:
		return envelope.Forbidden("access", "resource")
	case status == http.StatusConflict:
		return envelope.Conflict("The upstream reported a conflict.")
	case status == http.StatusUnprocessableEntity:
		return envelope.Validation(nil)
	case status == http.StatusRequestEntityTooLarge:
		return envelope.PayloadTooLarge("")
	case status == http.StatusTooManyRequests:
		return envelope.TooManyRequests("")
	case status == http.StatusGatewayTimeout:
		return envelope.GatewayTimeout("")
	case status >= 500:
		return envelope.ServiceUnavailable("The upstream service returned an error.")
	default:
		return envelope.Internal(nil)
	}
}
