package errors

import (
	"errors"
)

// AsError finds the first *Error in err's chain.
//
//	if e, ok := errors.AsError(err); ok {
//	    slog.Warn("request failed", "code", e.Code)
//	}
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or "".
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, categories ...string) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	cat := e.Code.Category()
	for _, c := range categories {
		if cat == c {
			return true
		}
	}
	return false
}

// IsValidation reports whether err is a VAL_xxx error.
func IsValidation(err error) bool { return hasCategory(err, "VAL") }

// IsAuthentication reports whether err is an AUTH_xxx error.
func IsAuthentication(err error) bool { return hasCategory(err, "AUTH") }

// IsAuthorization reports whether err is an AUTHZ_xxx error.
func IsAuthorization(err error) bool { return hasCategory(err, "AUTHZ") }

// IsNotFound reports whether err is an NF_xxx error.
func IsNotFound(err error) bool { return hasCategory(err, "NF") }

// IsConflict reports whether err is a CONF_xxx error.
func IsConflict(err error) bool { return hasCategory(err, "CONF") }

// IsInternal reports whether err is an INT_xxx error.
func IsInternal(err error) bool { return hasCategory(err, "INT") }

// IsUnavailable reports whether err is an UNAVAIL_xxx error.
func IsUnavailable(err error) bool { return hasCategory(err, "UNAVAIL") }

// IsTimeout reports whether err is a TIMEOUT_xxx error.
func IsTimeout(err error) bool { return hasCategory(err, "TIMEOUT") }

// IsRetryable reports whether a later attempt may succeed. Timeouts and
// unavailable dependencies are retryable.
func IsRetryable(err error) bool { return hasCategory(err, "TIMEOUT", "UNAVAIL") }

// IsClientError reports whether err maps to a 4xx status.
func IsClientError(err error) bool { return hasCategory(err, "VAL", "AUTH", "AUTHZ", "NF", "CONF") }

// IsServerError reports whether err maps to a 5xx status.
func IsServerError(err error) bool { return hasCategory(err, "INT", "UNAVAIL", "TIMEOUT") }

// IsVerificationFailure reports whether err is a token verification failure:
// malformed token, bad signature, issuer, audience, expiry, token use or
// unknown key id. The resolver treats these as soft failures.
func IsVerificationFailure(err error) bool {
	e, ok := AsError(err)
	return ok && isVerificationCode(e.Code)
}

func isVerificationCode(c Code) bool {
	switch c {
	case CodeAuthenticationExpired,
		CodeAuthenticationInvalid,
		CodeAuthenticationSignature,
		CodeAuthenticationIssuer,
		CodeAuthenticationAudience,
		CodeAuthenticationTokenUse,
		CodeAuthenticationKeyNotFound:
		return true
	default:
		return false
	}
}
