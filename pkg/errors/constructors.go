package errors

import (
	"errors"
	"fmt"
)

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps err with a code and message. Wrap returns nil if err is nil.
//
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeUnavailableDiscovery, "auth: discovery failed")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps err with a code and formatted message. Wrapf returns nil if
// err is nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Unauthenticated creates a CodeAuthentication error. Use it when a request
// needs an identity and none of the credential sources produced one.
func Unauthenticated(message string) *Error {
	return New(CodeAuthentication, message)
}

// Forbidden creates a CodeAuthorization error.
func Forbidden(message string) *Error {
	return New(CodeAuthorization, message)
}

// FromError returns err as an *Error, wrapping foreign errors as
// CodeInternal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
