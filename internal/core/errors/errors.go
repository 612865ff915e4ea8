package errors

import "errors"

// Sentinel errors shared by the services. Handlers translate these into HTTP
// statuses, background loops log and continue.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrValidation          = errors.New("validation failed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUnknownFieldType    = errors.New("unknown field type")
	ErrInvalidObjectType   = errors.New("invalid object type")
)

const (
	HttpInternalError    = "internal_error"
	HttpInvalidJsonError = "invalid_json"
	HttpNotFoundError    = "not_found"
	HttpConflictError    = "conflict"
	HttpValidationError  = "validation_failed"
	HttpUpstreamError    = "upstream_unavailable"
)

// ErrorResponse is the error response body for API errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
