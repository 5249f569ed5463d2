// Package envelope normalizes every gateway response, success or failure,
// into one of two JSON shapes so clients never have to special-case the
// transport layer they happen to be hitting.
package envelope

import "time"

// Kind is the client-visible failure tag, not a Go error type. Clients
// pattern-match on this string, so values here are part of the public
// contract and must not be renamed.
type Kind string

const (
	KindBadRequest         Kind = "BadRequest"
	KindUnauthorized       Kind = "Unauthorized"
	KindForbidden          Kind = "Forbidden"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindValidationError    Kind = "ValidationError"
	KindTooManyRequests    Kind = "TooManyRequests"
	KindPayloadTooLarge    Kind = "PayloadTooLarge"
	KindGatewayTimeout     Kind = "GatewayTimeout"
	KindServiceUnavailable Kind = "ServiceUnavailable"
	KindInternalError      Kind = "InternalServerError"
)

// statusByKind is the fixed status each taxonomy kind maps to. Do not
// derive this from an error's own opinion about its status.
var statusByKind = map[Kind]int{
	KindBadRequest:         400,
	KindUnauthorized:       401,
	KindForbidden:          403,
	KindNotFound:           404,
	KindConflict:           409,
	KindValidationError:    422,
	KindTooManyRequests:    429,
	KindPayloadTooLarge:    413,
	KindGatewayTimeout:     504,
	KindServiceUnavailable: 503,
	KindInternalError:      500,
}

// StatusFor returns the HTTP status a Kind maps to. Unknown kinds map to 500.
func StatusFor(k Kind) int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return 500
}

// ValidationFieldError is one entry of a ValidationError's field list.
type ValidationFieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrorEnvelope is the uniform JSON shape of every gateway failure.
type ErrorEnvelope struct {
	Error            string                 `json:"error"`
	Message          string                 `json:"message"`
	ErrorCode        string                 `json:"errorCode,omitempty"`
	ValidationErrors []ValidationFieldError `json:"validationErrors,omitempty"`
	Timestamp        string                 `json:"timestamp"`
	Path             string                 `json:"path"`
	RequestID        string                 `json:"requestId,omitempty"`
}

// SuccessEnvelope is the uniform JSON shape of every gateway success.
type SuccessEnvelope struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data"`
	Metadata interface{} `json:"metadata,omitempty"`
}

// NewSuccess builds a SuccessEnvelope. metadata may be nil; an empty
// metadata map is dropped rather than serialized as null.
func NewSuccess(data, metadata interface{}) SuccessEnvelope {
	if m, ok := metadata.(map[string]interface{}); ok && len(m) == 0 {
		metadata = nil
	}
	return SuccessEnvelope{Success: true, Data: data, Metadata: metadata}
}

// NewError builds an ErrorEnvelope, stamping timestamp/path/requestId.
func NewError(kind Kind, message, errorCode, path, requestID string, validation []ValidationFieldError) ErrorEnvelope {
	return ErrorEnvelope{
		Error:            string(kind),
		Message:          message,
		ErrorCode:        errorCode,
		ValidationErrors: validation,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Path:             path,
		RequestID:        requestID,
	}
}
