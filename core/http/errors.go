package http

import "fmt"

// Error is a status-carrying error. Stages return or wrap one to control
// the status of the structured error response; anything else surfaces as
// a generic 500.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a status-carrying error.
func NewError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// WrapError attaches a cause to a status-carrying error.
func WrapError(status int, message string, cause error) *Error {
	return &Error{Status: status, Message: message, Err: cause}
}

// Failure taxonomy of the lifecycle engine. Abort and timeout conditions
// are handled at the point of detection and never thrown into stages;
// these values are what the engine commits when it handles them.
var (
	ErrBodyTooLarge   = NewError(StatusEntityTooLarge, "request entity too large")
	ErrStageTimeout   = NewError(StatusServiceUnavailable, "service temporarily unavailable")
	ErrRequestTimeout = NewError(StatusRequestTimeout, "request timeout")
	ErrForbiddenPath  = NewError(StatusForbidden, "forbidden")
	ErrNotFound       = NewError(StatusNotFound, "not found")
	ErrInternal       = NewError(StatusInternalError, "internal server error")
)

// Status codes used by the engine.
const (
	StatusOK                 = 200
	StatusNoContent          = 204
	StatusBadRequest         = 400
	StatusForbidden          = 403
	StatusNotFound           = 404
	StatusRequestTimeout     = 408
	StatusEntityTooLarge     = 413
	StatusInternalError      = 500
	StatusServiceUnavailable = 503
)

// AsError normalizes any stage error into a status-carrying one.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if he, ok := err.(*Error); ok {
		return he
	}
	return WrapError(StatusInternalError, "internal server error", err)
}

// StatusText returns the reason phrase for the codes the engine emits.
func StatusText(code int) string {
	switch code {
	case StatusOK:
		return "OK"
	case 201:
		return "Created"
	case StatusNoContent:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 304:
		return "Not Modified"
	case StatusBadRequest:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case StatusForbidden:
		return "Forbidden"
	case StatusNotFound:
		return "Not Found"
	case StatusRequestTimeout:
		return "Request Timeout"
	case StatusEntityTooLarge:
		return "Request Entity Too Large"
	case 429:
		return "Too Many Requests"
	case StatusInternalError:
		return "Internal Server Error"
	case StatusServiceUnavailable:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
