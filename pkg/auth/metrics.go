package auth

import (
	"github.com/prometheus/client_golang/prometheus"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

var (
	// ResolutionsTotal counts request resolutions by the credential source
	// that produced the identity ("anonymous" when none did) and outcome.
	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stricklysoft_identity_auth_resolutions_total",
			Help: "Request authentication resolutions",
		},
		[]string{"method", "outcome"},
	)

	// VerificationFailuresTotal counts rejected provider tokens by error code.
	VerificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stricklysoft_identity_auth_token_verification_failures_total",
			Help: "Provider token verification failures",
		},
		[]string{"reason"},
	)

	// KeyRefreshesTotal counts signing key set fetches by result.
	KeyRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stricklysoft_identity_auth_key_refreshes_total",
			Help: "Signing key set refreshes",
		},
		[]string{"result"},
	)

	// CodeExchangesTotal counts authorization-code exchanges by result.
	CodeExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stricklysoft_identity_auth_code_exchanges_total",
			Help: "Authorization code exchanges",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		ResolutionsTotal,
		VerificationFailuresTotal,
		KeyRefreshesTotal,
		CodeExchangesTotal,
	)
}

// Label values.
const (
	resultSuccess = "success"
	resultError   = "error"
	resultStale   = "stale"

	outcomeAuthenticated = "authenticated"
	outcomeAnonymous     = "anonymous"
	outcomeAborted       = "aborted"
)

// errorReason is the metric label for err: its code, or "unknown".
func errorReason(err error) string {
	if code := sserr.GetCode(err); code != "" {
		return code.String()
	}
	return "unknown"
}
