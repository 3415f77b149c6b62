// Package firebaseauth verifies Firebase Authentication ID tokens presented
// as bearer credentials and resolves the Google identity linked to them.
package firebaseauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for any missing, malformed, expired, or
// otherwise unverifiable Firebase credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrNoGoogleIdentity is returned when a verified Firebase user has no
// linked google.com provider identity.
var ErrNoGoogleIdentity = errors.New("firebase user has no linked google identity")

// User is a verified Firebase identity.
type User struct {
	// UID is the Firebase user ID (the token subject).
	UID string

	Email string

	// GoogleSubject is the Google account subject linked to this user
	// through the google.com sign-in provider.
	GoogleSubject string
}

type firebaseClaims struct {
	Email    string `json:"email"`
	Firebase struct {
		Identities     map[string][]string `json:"identities"`
		SignInProvider string              `json:"sign_in_provider"`
	} `json:"firebase"`
	jwt.RegisteredClaims
}

// Verifier validates Firebase ID tokens for a single Firebase project.
type Verifier struct {
	certs     *certPool
	issuer    string
	projectID string
	now       func() time.Time
}

// NewVerifier creates a verifier for the given Firebase project.
func NewVerifier(projectID string) *Verifier {
	return newVerifierWithCertsURL(projectID, CertsURL)
}

func newVerifierWithCertsURL(projectID, certsURL string) *Verifier {
	return &Verifier{
		certs:     newCertPool(certsURL),
		issuer:    "https://securetoken.google.com/" + projectID,
		projectID: projectID,
		now:       time.Now,
	}
}

// Verify checks a raw Firebase ID token and returns the authenticated user.
// All failures collapse into ErrUnauthenticated; the wrapped detail stays
// server-side.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*User, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}

	claims := &firebaseClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.projectID),
	)

	_, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("missing kid header")
		}
		return v.certs.key(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrUnauthenticated)
	}

	user := &User{
		UID:   claims.Subject,
		Email: claims.Email,
	}
	if subs := claims.Firebase.Identities["google.com"]; len(subs) > 0 {
		user.GoogleSubject = subs[0]
	}

	return user, nil
}

// RequireGoogleSubject returns the linked Google subject or fails when the
// Firebase account has no google.com identity.
func (u *User) RequireGoogleSubject() (string, error) {
	if u.GoogleSubject == "" {
		return "", ErrNoGoogleIdentity
	}
	return u.GoogleSubject, nil
}
