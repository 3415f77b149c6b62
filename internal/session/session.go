// Package session implements the signed cookie payload that binds an
// /authorize request to its /callback. The payload carries the CSRF state,
// the PKCE verifier, and the post-login redirect target, and is only ever
// handed to the browser in tamper-evident form.
package session

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/fireauth2/fireauth2/internal/crypto"
	"github.com/fireauth2/fireauth2/internal/googleauth"
)

// ErrExpired is returned when a session cookie's TTL has elapsed.
var ErrExpired = errors.New("session expired")

// ErrMalformed is returned when a session cookie cannot be decoded or its
// signature does not validate.
var ErrMalformed = errors.New("session malformed")

// Session is the state persisted across the OAuth redirect round trip.
// Exactly one live session exists per browser context; writing a new
// session cookie replaces any previous one.
type Session struct {
	// State is the anti-CSRF token echoed back by Google.
	State string `json:"state"`

	// CodeVerifier is the PKCE verifier whose S256 challenge was sent
	// with the authorization request.
	CodeVerifier string `json:"code_verifier"`

	// RedirectTo is the application URL the user lands on after the flow.
	// This is not the OAuth redirect_uri.
	RedirectTo string `json:"redirect_to"`

	// Params are the consent parameters forwarded on the original request.
	Params googleauth.AuthParams `json:"params"`

	CreatedAt time.Time `json:"created_at"`
}

// New mints a session with fresh random state and PKCE verifier.
// redirectTo must be an absolute URL.
func New(redirectTo string, params googleauth.AuthParams) (Session, error) {
	u, err := url.Parse(redirectTo)
	if err != nil || !u.IsAbs() {
		return Session{}, fmt.Errorf("redirect target must be an absolute URL: %q", redirectTo)
	}

	state, err := crypto.GenerateSecureToken()
	if err != nil {
		return Session{}, fmt.Errorf("generate state: %w", err)
	}
	verifier, err := crypto.GeneratePKCEVerifier()
	if err != nil {
		return Session{}, fmt.Errorf("generate code verifier: %w", err)
	}

	return Session{
		State:        state,
		CodeVerifier: verifier,
		RedirectTo:   redirectTo,
		Params:       params,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Codec signs sessions into cookie values and verifies them back.
type Codec struct {
	signer crypto.TokenSigner
	maxAge time.Duration
}

// NewCodec creates a codec. Cookie values signed by it expire after maxAge.
func NewCodec(signingKey []byte, maxAge time.Duration) Codec {
	return Codec{
		signer: crypto.NewTokenSigner(signingKey, maxAge),
		maxAge: maxAge,
	}
}

// MaxAge returns the session TTL.
func (c Codec) MaxAge() time.Duration {
	return c.maxAge
}

// Encode serializes and signs the session into a cookie value.
func (c Codec) Encode(s Session) (string, error) {
	return c.signer.Sign(s)
}

// Decode verifies a cookie value and returns the session it carries.
// Fails with ErrExpired past the TTL and ErrMalformed on any parse or
// signature failure.
func (c Codec) Decode(value string) (Session, error) {
	var s Session
	err := c.signer.Verify(value, &s)
	switch {
	case errors.Is(err, crypto.ErrTokenExpired):
		return Session{}, ErrExpired
	case err != nil:
		return Session{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// The TTL rides inside the signed envelope, but CreatedAt is checked
	// too so that a forged clock on the envelope cannot extend a session.
	if !s.CreatedAt.IsZero() && time.Since(s.CreatedAt) > c.maxAge {
		return Session{}, ErrExpired
	}
	return s, nil
}
