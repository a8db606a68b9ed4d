package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCode_Category(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code Code
		want string
	}{
		{CodeValidationRequired, "VAL"},
		{CodeAuthenticationSignature, "AUTH"},
		{CodeAuthorization, "AUTHZ"},
		{CodeNotFoundUser, "NF"},
		{CodeConflictIdentityLink, "CONF"},
		{CodeInternalDatabase, "INT"},
		{CodeUnavailableDiscovery, "UNAVAIL"},
		{CodeTimeoutDependency, "TIMEOUT"},
		{Code("NOPREFIX"), "NOPREFIX"},
		{Code(""), ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.code.Category())
		})
	}
}

func TestError_HTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeAuthenticationExchange, http.StatusUnauthorized},
		{CodeAuthorizationDenied, http.StatusForbidden},
		{CodeNotFoundUser, http.StatusNotFound},
		{CodeConflictReconciliation, http.StatusConflict},
		{CodeInternal, http.StatusInternalServerError},
		{CodeUnavailableDiscovery, http.StatusServiceUnavailable},
		{CodeTimeoutDependency, http.StatusGatewayTimeout},
		{Code("BOGUS_1"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, New(tt.code, "x").HTTPStatus())
		})
	}
}

func TestError_PublicMessage(t *testing.T) {
	t.Parallel()

	verification := []Code{
		CodeAuthenticationExpired,
		CodeAuthenticationInvalid,
		CodeAuthenticationSignature,
		CodeAuthenticationIssuer,
		CodeAuthenticationAudience,
		CodeAuthenticationTokenUse,
		CodeAuthenticationKeyNotFound,
	}
	for _, code := range verification {
		err := New(code, "kid abc not in key set")
		assert.Equal(t, "token verification failed", err.PublicMessage(), code)
	}

	assert.Equal(t, "an unexpected error occurred",
		New(CodeInternalDatabase, "pq: relation users does not exist").PublicMessage())
	assert.Equal(t, "authentication required",
		Unauthenticated("authentication required").PublicMessage())
	assert.Equal(t, "token exchange failed",
		New(CodeAuthenticationExchange, "token exchange failed").PublicMessage())
}

func TestError_ErrorString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "AUTH_006: audience mismatch", New(CodeAuthenticationAudience, "audience mismatch").Error())

	wrapped := Wrap(errors.New("dial tcp: i/o timeout"), CodeTimeoutDependency, "auth: key set fetch timed out")
	assert.Equal(t, "TIMEOUT_003: auth: key set fetch timed out: dial tcp: i/o timeout", wrapped.Error())
}

func TestError_Format(t *testing.T) {
	t.Parallel()

	err := Wrap(errors.New("boom"), CodeAuthenticationExchange, "token exchange failed").
		WithDetail("status", 400)

	assert.Equal(t, err.Error(), fmt.Sprintf("%v", err))
	assert.Equal(t, err.Error(), fmt.Sprintf("%s", err))
	assert.Equal(t, fmt.Sprintf("%q", err.Error()), fmt.Sprintf("%q", err))

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, `Code: "AUTH_009"`)
	assert.Contains(t, detailed, "Details: map[status:400]")
	assert.Contains(t, detailed, "Cause: boom")
}

func TestError_WithDetailsDoesNotMutate(t *testing.T) {
	t.Parallel()

	base := New(CodeConflictAlreadyExists, "duplicate").WithDetail("constraint", "users_email_key")
	extended := base.WithDetails(map[string]any{"field": "email"})

	assert.Equal(t, map[string]any{"constraint": "users_email_key"}, base.Details)
	assert.Equal(t, map[string]any{"constraint": "users_email_key", "field": "email"}, extended.Details)
	assert.Equal(t, base.Code, extended.Code)
}

func TestWrap_Nil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Wrap(nil, CodeInternal, "x"))
	assert.Nil(t, Wrapf(nil, CodeInternal, "x %d", 1))
	assert.Nil(t, FromError(nil))
}

func TestUnwrap_ChainInspection(t *testing.T) {
	t.Parallel()

	root := errors.New("connection refused")
	err := Wrapf(root, CodeUnavailableDiscovery, "auth: discovery for %s failed", "https://idp.example.com")

	assert.ErrorIs(t, err, root)
	assert.Equal(t, "auth: discovery for https://idp.example.com failed", err.Message)
}

func TestAsError(t *testing.T) {
	t.Parallel()

	inner := New(CodeAuthenticationExpired, "token expired")
	joined := errors.Join(errors.New("outer"), inner)

	got, ok := AsError(joined)
	require.True(t, ok)
	assert.Same(t, inner, got)

	got, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
	assert.Nil(t, got)

	_, ok = AsError(nil)
	assert.False(t, ok)
}

func TestCategoryChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"validation", New(CodeValidation, "bad"), IsValidation, true},
		{"authentication", Unauthenticated("none"), IsAuthentication, true},
		{"authz is not auth", Forbidden("nope"), IsAuthentication, false},
		{"authorization", Forbidden("nope"), IsAuthorization, true},
		{"not found", New(CodeNotFound, "missing"), IsNotFound, true},
		{"conflict", New(CodeConflict, "dup"), IsConflict, true},
		{"internal", New(CodeInternal, "oops"), IsInternal, true},
		{"unavailable", New(CodeUnavailable, "down"), IsUnavailable, true},
		{"timeout", New(CodeTimeout, "slow"), IsTimeout, true},
		{"retryable timeout", New(CodeTimeoutDependency, "slow"), IsRetryable, true},
		{"retryable discovery", New(CodeUnavailableDiscovery, "down"), IsRetryable, true},
		{"signature not retryable", New(CodeAuthenticationSignature, "bad"), IsRetryable, false},
		{"client error", New(CodeConflictIdentityLink, "relink"), IsClientError, true},
		{"server error", New(CodeInternalDatabase, "db"), IsServerError, true},
		{"plain error", errors.New("plain"), IsInternal, false},
		{"nil", nil, IsClientError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestIsVerificationFailure(t *testing.T) {
	t.Parallel()

	assert.True(t, IsVerificationFailure(New(CodeAuthenticationKeyNotFound, "unknown kid")))
	assert.True(t, IsVerificationFailure(fmt.Errorf("bearer: %w", New(CodeAuthenticationTokenUse, "id token"))))
	assert.False(t, IsVerificationFailure(New(CodeAuthentication, "authentication required")))
	assert.False(t, IsVerificationFailure(New(CodeAuthenticationExchange, "exchange failed")))
	assert.False(t, IsVerificationFailure(New(CodeUnavailableDiscovery, "down")))
	assert.False(t, IsVerificationFailure(errors.New("plain")))
}

func TestHasCodeAndGetCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("ctx: %w", New(CodeConflictReconciliation, "retry"))
	assert.True(t, HasCode(err, CodeConflictReconciliation))
	assert.Equal(t, CodeConflictReconciliation, GetCode(err))
	assert.Equal(t, Code(""), GetCode(errors.New("plain")))
}

func TestFromError(t *testing.T) {
	t.Parallel()

	existing := New(CodeNotFoundUser, "user not found")
	assert.Same(t, existing, FromError(existing))

	foreign := errors.New("driver: bad connection")
	converted := FromError(foreign)
	assert.Equal(t, CodeInternal, converted.Code)
	assert.ErrorIs(t, converted, foreign)
}
