package errors

// Code is a stable machine-readable error identifier of the form
// CATEGORY_NNN. Codes are never reused or renumbered once published.
type Code string

const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeValidationRange indicates a value is outside its accepted range.
	CodeValidationRange Code = "VAL_004"

	// CodeAuthentication indicates no credential produced an identity when
	// one was required.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired indicates the token expiry is in the past.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationInvalid indicates the token could not be decoded.
	CodeAuthenticationInvalid Code = "AUTH_003"

	// CodeAuthenticationSignature indicates the token signature did not
	// verify, or was produced with a disallowed algorithm.
	CodeAuthenticationSignature Code = "AUTH_004"

	// CodeAuthenticationIssuer indicates the iss claim did not equal the
	// configured issuer.
	CodeAuthenticationIssuer Code = "AUTH_005"

	// CodeAuthenticationAudience indicates the aud claim matched neither
	// the configured audience nor the client id.
	CodeAuthenticationAudience Code = "AUTH_006"

	// CodeAuthenticationTokenUse indicates a token_use claim other than
	// "access".
	CodeAuthenticationTokenUse Code = "AUTH_007"

	// CodeAuthenticationKeyNotFound indicates the token's key id was absent
	// from the provider key set after a refresh.
	CodeAuthenticationKeyNotFound Code = "AUTH_008"

	// CodeAuthenticationExchange indicates the authorization-code exchange
	// was rejected by the provider or returned an unverifiable token.
	CodeAuthenticationExchange Code = "AUTH_009"

	// CodeAuthorization indicates the identity lacks the required role.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeAuthorizationDenied indicates access is denied for the account
	// itself, for example because it is inactive.
	CodeAuthorizationDenied Code = "AUTHZ_002"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeNotFoundUser indicates the requested user was not found.
	CodeNotFoundUser Code = "NF_002"

	// CodeConflict indicates a general conflict error.
	CodeConflict Code = "CONF_001"

	// CodeConflictAlreadyExists indicates a uniqueness constraint rejected
	// a write.
	CodeConflictAlreadyExists Code = "CONF_002"

	// CodeConflictVersionMismatch indicates an optimistic locking failure.
	CodeConflictVersionMismatch Code = "CONF_003"

	// CodeConflictReconciliation indicates a concurrent first login created
	// the same user; the reconciler retries it once as an update.
	CodeConflictReconciliation Code = "CONF_004"

	// CodeConflictIdentityLink indicates the subject id and email point at
	// different users, or the email belongs to a user linked to another
	// subject. Resolving it requires an administrative re-link.
	CodeConflictIdentityLink Code = "CONF_005"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a database operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependent service is unavailable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeUnavailableOverloaded indicates the service is overloaded.
	CodeUnavailableOverloaded Code = "UNAVAIL_003"

	// CodeUnavailableDiscovery indicates neither the provider discovery
	// document nor the conventional key-set path could be resolved.
	CodeUnavailableDiscovery Code = "UNAVAIL_004"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a database operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"

	// CodeTimeoutDependency indicates a call to the identity provider or
	// another dependency timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore (e.g. "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
