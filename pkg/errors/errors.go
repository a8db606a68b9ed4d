// Package errors defines the error taxonomy shared by every package in the
// identity module. Each error carries a stable machine-readable [Code], a
// message that is safe to return to clients, an optional wrapped cause and
// free-form details for logs and spans.
//
// # Categories
//
// Codes are grouped by the prefix before the underscore, and the prefix
// decides the HTTP status returned by [Error.HTTPStatus]:
//
//	VAL      400  malformed input, missing form fields, bad configuration values
//	AUTH     401  token verification and code exchange failures
//	AUTHZ    403  insufficient role, inactive account
//	NF       404  unknown user
//	CONF     409  reconciliation and identity-link conflicts
//	INT      500  unexpected internal failures
//	UNAVAIL  503  identity provider or dependency unreachable
//	TIMEOUT  504  outbound call exceeded its deadline
//
// # Verification failures
//
// The verifier distinguishes signature, issuer, audience, expiry, token-use
// and unknown-key failures by code so that logs, spans and metrics can tell
// them apart. Clients only ever see "token verification failed", which is
// what [Error.PublicMessage] returns for that family.
//
// # Usage
//
//	err := errors.New(errors.CodeAuthenticationAudience, "audience mismatch")
//
//	if errors.IsVerificationFailure(err) {
//	    // fall through to the next credential source
//	}
package errors
