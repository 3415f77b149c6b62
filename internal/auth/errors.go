package auth

import (
	"errors"
	"net/http"

	"github.com/fireauth2/fireauth2/internal/googleauth"
	"github.com/fireauth2/fireauth2/internal/session"
)

// Failure kinds surfaced by the auth flows. Handlers map these to HTTP
// statuses and short reason codes; internal detail stays in the server logs.
var (
	// ErrSessionMissing indicates the callback arrived without a session cookie.
	ErrSessionMissing = errors.New("no authorization session")

	// ErrCSRFMismatch indicates the callback state did not match the session.
	ErrCSRFMismatch = errors.New("state parameter does not match session")

	// ErrRedirectUnresolvable indicates no post-login redirect target could
	// be determined from the request.
	ErrRedirectUnresolvable = errors.New("redirect target unresolvable")

	// ErrRedirectNotAllowed indicates the redirect target's origin is not in
	// the client's configured JavaScript origins.
	ErrRedirectNotAllowed = errors.New("redirect target not in allow-list")

	// ErrIdentityInvalid indicates the ID token returned by the code
	// exchange failed verification.
	ErrIdentityInvalid = errors.New("identity token verification failed")

	// ErrUpstreamExchange indicates the provider rejected or failed a token
	// exchange for a reason other than a timeout.
	ErrUpstreamExchange = errors.New("upstream token exchange failed")

	// ErrNoLinkedCredential indicates no stored refresh token exists for the
	// caller's Google subject.
	ErrNoLinkedCredential = errors.New("no linked credential")

	// ErrRefreshTokenInvalid indicates the provider rejected the stored
	// refresh token. The stored credential is kept for audit; deletion is an
	// explicit revocation action.
	ErrRefreshTokenInvalid = errors.New("stored refresh token rejected by provider")

	// ErrTokenMalformed indicates a token submitted for revocation or
	// introspection is not syntactically plausible.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrUnauthenticated indicates a missing or invalid Firebase identity.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// HTTPStatus maps a flow error to the status code returned to the client.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrExpired),
		errors.Is(err, session.ErrMalformed),
		errors.Is(err, ErrSessionMissing),
		errors.Is(err, ErrTokenMalformed),
		errors.Is(err, ErrRedirectUnresolvable),
		errors.Is(err, ErrRedirectNotAllowed):
		return http.StatusBadRequest
	case errors.Is(err, ErrCSRFMismatch),
		errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrIdentityInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNoLinkedCredential):
		return http.StatusNotFound
	case errors.Is(err, googleauth.ErrUpstreamTimeout),
		errors.Is(err, ErrUpstreamExchange),
		errors.Is(err, ErrRefreshTokenInvalid):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Reason returns the stable reason code exposed to clients for err. These
// are intentionally generic; they never reveal why a check failed.
func Reason(err error) string {
	switch {
	case errors.Is(err, session.ErrExpired):
		return "session_expired"
	case errors.Is(err, session.ErrMalformed), errors.Is(err, ErrSessionMissing):
		return "session_invalid"
	case errors.Is(err, ErrCSRFMismatch):
		return "csrf_mismatch"
	case errors.Is(err, ErrRedirectUnresolvable):
		return "redirect_uri_unresolvable"
	case errors.Is(err, ErrRedirectNotAllowed):
		return "redirect_uri_not_allowed"
	case errors.Is(err, ErrIdentityInvalid):
		return "identity_invalid"
	case errors.Is(err, googleauth.ErrUpstreamTimeout):
		return "upstream_timeout"
	case errors.Is(err, ErrUpstreamExchange):
		return "exchange_failed"
	case errors.Is(err, ErrNoLinkedCredential):
		return "no_linked_credential"
	case errors.Is(err, ErrRefreshTokenInvalid):
		return "refresh_token_invalid"
	case errors.Is(err, ErrTokenMalformed):
		return "token_malformed"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "internal_error"
	}
}
