// Package auth is the relying-party side of OIDC login for services that
// delegate identity to an external provider (a self-hosted Authentik
// instance or AWS Cognito).
//
// The package is organised leaf-first:
//
//   - [KeyCache] fetches and caches the provider's JWKS by key id, with
//     single-flight refresh and copy-and-swap replacement.
//   - [ProviderAdapter] normalizes provider-specific claim shapes into a
//     [CanonicalIdentity] and derives the user's role from group membership.
//   - [TokenVerifier] checks signature, issuer, audience, expiry and
//     token_use.
//   - [CodeExchanger] completes the authorization-code + PKCE flow.
//   - [Authenticator] resolves a request to a user by trying the session
//     cookie, the bearer header, a legacy locally-signed JWT and trusted
//     proxy headers, in that order.
//   - [CookieManager] issues and clears the session cookie.
//
// [NewService] wires all of the above from a single immutable [Config];
// [Handler] exposes them over HTTP and [UnaryServerInterceptor] over gRPC.
package auth
