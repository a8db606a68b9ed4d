package errors

import (
	"fmt"
	"maps"
	"net/http"
)

// Error is a structured error carrying a [Code], a client-safe message, an
// optional cause and optional details. Errors are treated as immutable;
// the With* methods return copies.
type Error struct {
	// Code is the machine-readable error code (e.g., "AUTH_004").
	Code Code

	// Message is the human-readable message. It may be shown to end users
	// and must not contain tokens, secrets or provider credentials.
	Message string

	// Cause is the underlying error, exposed through Unwrap.
	Cause error

	// Details holds structured context such as the provider HTTP status or
	// the violated constraint name.
	Details map[string]any
}

// publicVerificationMessage is what clients see for every token
// verification failure, whatever the precise code.
const publicVerificationMessage = "token verification failed"

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of this error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the code category to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Code.Category() {
	case "VAL":
		return http.StatusBadRequest
	case "AUTH":
		return http.StatusUnauthorized
	case "AUTHZ":
		return http.StatusForbidden
	case "NF":
		return http.StatusNotFound
	case "CONF":
		return http.StatusConflict
	case "INT":
		return http.StatusInternalServerError
	case "UNAVAIL":
		return http.StatusServiceUnavailable
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message to send to clients. Token verification
// failures collapse to a single message; internal failures never expose
// their message.
func (e *Error) PublicMessage() string {
	switch {
	case isVerificationCode(e.Code):
		return publicVerificationMessage
	case e.Code.Category() == "INT":
		return "an unexpected error occurred"
	default:
		return e.Message
	}
}

// WithDetails returns a copy of the error with details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	newDetails := make(map[string]any, len(e.Details)+len(details))
	maps.Copy(newDetails, e.Details)
	maps.Copy(newDetails, details)
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: newDetails,
	}
}

// WithDetail returns a copy of the error with one detail added.
func (e *Error) WithDetail(key string, value any) *Error {
	return e.WithDetails(map[string]any{key: value})
}

// Format implements fmt.Formatter. %+v includes details and the cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Code: %q, Message: %q", e.Code, e.Message)
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
