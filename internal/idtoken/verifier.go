// Package idtoken verifies Google-issued OpenID Connect ID tokens against
// Google's published signing keys.
package idtoken

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GoogleIssuer is the exact issuer string Google places in ID tokens minted
// through the v2 OAuth endpoints.
const GoogleIssuer = "https://accounts.google.com"

const clockSkewTolerance = 5 * time.Minute

// Reason identifies why ID token verification failed.
type Reason string

const (
	ReasonMalformed        Reason = "malformed"
	ReasonBadSignature     Reason = "bad_signature"
	ReasonUnknownKey       Reason = "unknown_key"
	ReasonIssuerMismatch   Reason = "issuer_mismatch"
	ReasonAudienceMismatch Reason = "audience_mismatch"
	ReasonExpired          Reason = "expired"
	ReasonNotYetValid      Reason = "not_yet_valid"
)

// VerifyError is a verification failure with its reason. The reason is safe
// to expose; the wrapped error is for server-side diagnostics only.
type VerifyError struct {
	Reason Reason
	err    error
}

func (e *VerifyError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("id token %s: %v", e.Reason, e.err)
	}
	return fmt.Sprintf("id token %s", e.Reason)
}

func (e *VerifyError) Unwrap() error {
	return e.err
}

// Claims are the identity assertions extracted from a verified ID token.
type Claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// Sub returns the stable Google subject identifier.
func (c *Claims) Sub() string {
	return c.Subject
}

// Verifier validates ID token signatures and claims.
type Verifier struct {
	keyset   *Keyset
	issuer   string
	audience string
	now      func() time.Time
}

// NewVerifier creates a verifier trusting tokens issued by Google for the
// given OAuth client ID.
func NewVerifier(keyset *Keyset, clientID string) *Verifier {
	return &Verifier{
		keyset:   keyset,
		issuer:   GoogleIssuer,
		audience: clientID,
		now:      time.Now,
	}
}

// Verify checks the token's signature against the key set and then its
// issuer, audience, and time-window claims. Any failure returns a
// *VerifyError; no claims are returned on partial success.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	claims := &Claims{}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		// Claims are checked explicitly below so each failure carries a
		// distinct reason.
		jwt.WithoutClaimsValidation(),
	)

	_, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, &VerifyError{Reason: ReasonUnknownKey, err: errors.New("missing kid header")}
		}
		key, err := v.keyset.Key(ctx, kid)
		if err != nil {
			return nil, &VerifyError{Reason: ReasonUnknownKey, err: err}
		}
		return key, nil
	})
	if err != nil {
		var verr *VerifyError
		if errors.As(err, &verr) {
			return nil, verr
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, &VerifyError{Reason: ReasonBadSignature, err: err}
		}
		return nil, &VerifyError{Reason: ReasonMalformed, err: err}
	}

	// Signature is good from here on; claims are checked in a fixed order.
	if claims.Issuer != v.issuer {
		return nil, &VerifyError{
			Reason: ReasonIssuerMismatch,
			err:    fmt.Errorf("issuer %q, want %q", claims.Issuer, v.issuer),
		}
	}

	if !audienceMatches(claims.Audience, v.audience) {
		return nil, &VerifyError{
			Reason: ReasonAudienceMismatch,
			err:    fmt.Errorf("audience %v, want %q", claims.Audience, v.audience),
		}
	}

	now := v.now()
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(now) {
		return nil, &VerifyError{Reason: ReasonExpired, err: errors.New("exp is not in the future")}
	}
	if claims.IssuedAt != nil && claims.IssuedAt.After(now.Add(clockSkewTolerance)) {
		return nil, &VerifyError{Reason: ReasonNotYetValid, err: errors.New("iat is in the future")}
	}

	if claims.Subject == "" {
		return nil, &VerifyError{Reason: ReasonMalformed, err: errors.New("missing sub claim")}
	}

	return claims, nil
}

func audienceMatches(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
