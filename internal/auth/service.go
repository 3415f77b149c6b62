// Package auth implements the authorization-session and token-lifecycle
// flows: consent URL construction, callback verification, refresh-token
// exchange, and revocation.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fireauth2/fireauth2/internal/firebaseauth"
	"github.com/fireauth2/fireauth2/internal/googleauth"
	"github.com/fireauth2/fireauth2/internal/idtoken"
	"github.com/fireauth2/fireauth2/internal/log"
	"github.com/fireauth2/fireauth2/internal/session"
	"github.com/fireauth2/fireauth2/internal/storage"
)

// Upstream is the provider-facing surface the flows depend on.
// *googleauth.Client satisfies it.
type Upstream interface {
	AuthCodeURL(state, codeChallenge string, params googleauth.AuthParams) string
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*googleauth.Token, error)
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*googleauth.Token, error)
	Revoke(ctx context.Context, token string) error
}

// IdentityVerifier validates ID tokens returned by the code exchange.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawToken string) (*idtoken.Claims, error)
}

// TokenKind distinguishes the two revocable token kinds.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// defaultStoreTimeout bounds every credential store call. A hung backend
// must surface as a timeout, not block the request forever.
const defaultStoreTimeout = 10 * time.Second

// Service orchestrates the OAuth relay flows against the upstream provider
// and the credential store.
type Service struct {
	upstream       Upstream
	verifier       IdentityVerifier
	store          storage.CredentialStore
	codec          session.Codec
	allowedOrigins []string
	revokeExisting bool
	storeTimeout   time.Duration
	now            func() time.Time
}

// NewService wires the flows together. allowedOrigins is the client's
// configured JavaScript origins list; post-login redirect targets must match
// one of them. When revokeExisting is set, a previously stored refresh token
// is revoked best-effort before a new one overwrites it.
func NewService(upstream Upstream, verifier IdentityVerifier, store storage.CredentialStore,
	codec session.Codec, allowedOrigins []string, revokeExisting bool) *Service {
	return &Service{
		upstream:       upstream,
		verifier:       verifier,
		store:          store,
		codec:          codec,
		allowedOrigins: allowedOrigins,
		revokeExisting: revokeExisting,
		storeTimeout:   defaultStoreTimeout,
		now:            time.Now,
	}
}

// getCredential, setCredential, and removeCredential bound every store call
// with the service's store timeout and fold deadline errors into the
// upstream timeout taxonomy.
func (s *Service) getCredential(ctx context.Context, sub string) (*storage.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	cred, err := s.store.Get(ctx, sub)
	if err != nil {
		return nil, classifyStoreErr("look up credential", err)
	}
	return cred, nil
}

func (s *Service) setCredential(ctx context.Context, cred *storage.Credential) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.Set(ctx, cred); err != nil {
		return classifyStoreErr("persist credential", err)
	}
	return nil
}

func (s *Service) removeCredential(ctx context.Context, sub string) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.Delete(ctx, sub); err != nil {
		return classifyStoreErr("delete credential", err)
	}
	return nil
}

func classifyStoreErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, googleauth.ErrUpstreamTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Authorization is the outcome of an /authorize request: the consent screen
// URL to redirect to and the signed session cookie value binding the
// round trip.
type Authorization struct {
	ConsentURL  string
	CookieValue string
}

// Authorize mints a fresh session for redirectTo and builds the consent URL
// carrying its state and PKCE challenge.
func (s *Service) Authorize(redirectTo string, params googleauth.AuthParams) (*Authorization, error) {
	if redirectTo == "" {
		return nil, ErrRedirectUnresolvable
	}

	sess, err := session.New(redirectTo, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedirectUnresolvable, err)
	}

	cookieValue, err := s.codec.Encode(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}

	challenge := googleauth.PKCEChallenge(sess.CodeVerifier)
	return &Authorization{
		ConsentURL:  s.upstream.AuthCodeURL(sess.State, challenge, params),
		CookieValue: cookieValue,
	}, nil
}

// DecodeSession verifies a session cookie value.
func (s *Service) DecodeSession(cookieValue string) (session.Session, error) {
	return s.codec.Decode(cookieValue)
}

// CallbackResult is a successful callback outcome: the application URL to
// redirect to, with the token set in the fragment.
type CallbackResult struct {
	RedirectURL string
	Claims      *idtoken.Claims
	Stored      bool
}

// Callback runs the post-consent state machine for an already-decoded
// session. Every check fails closed: the code exchange is never attempted
// on a state mismatch, and nothing is persisted on a verification failure.
func (s *Service) Callback(ctx context.Context, sess session.Session, state, code string) (*CallbackResult, error) {
	if subtle.ConstantTimeCompare([]byte(state), []byte(sess.State)) != 1 {
		return nil, ErrCSRFMismatch
	}

	tok, err := s.upstream.ExchangeCode(ctx, code, sess.CodeVerifier)
	if err != nil {
		if errors.Is(err, googleauth.ErrUpstreamTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamExchange, err)
	}

	claims, err := s.verifier.Verify(ctx, tok.IDToken)
	if err != nil {
		log.LogWarnWithFields("auth", "ID token verification failed on callback", map[string]any{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrIdentityInvalid, err)
	}

	stored := false
	if tok.RefreshToken != "" {
		if err := s.persistCredential(ctx, claims, tok); err != nil {
			return nil, err
		}
		stored = true
	}

	redirectURL, err := s.resolveRedirect(sess.RedirectTo)
	if err != nil {
		return nil, err
	}

	return &CallbackResult{
		RedirectURL: fragmentURL(redirectURL, tok, s.now()),
		Claims:      claims,
		Stored:      stored,
	}, nil
}

// persistCredential stores the new refresh token under the verified subject,
// revoking any previously stored one first when the policy is enabled. The
// pre-revocation is best-effort; its failure never blocks the new token.
func (s *Service) persistCredential(ctx context.Context, claims *idtoken.Claims, tok *googleauth.Token) error {
	sub := claims.Sub()

	if s.revokeExisting {
		existing, err := s.getCredential(ctx, sub)
		switch {
		case errors.Is(err, storage.ErrCredentialNotFound):
			// First offline consent for this subject.
		case err != nil:
			log.LogWarnWithFields("auth", "Could not look up existing credential before overwrite", map[string]any{
				"sub":   sub,
				"error": err.Error(),
			})
		case existing.RefreshToken != "":
			if err := s.upstream.Revoke(ctx, existing.RefreshToken); err != nil {
				log.LogWarnWithFields("auth", "Best-effort revocation of previous refresh token failed", map[string]any{
					"sub":   sub,
					"error": err.Error(),
				})
			}
		}
	}

	cred := &storage.Credential{
		Sub:          sub,
		RefreshToken: tok.RefreshToken,
		Email:        claims.Email,
		Scopes:       grantedScopes(tok),
	}
	if err := s.setCredential(ctx, cred); err != nil {
		return err
	}

	log.LogInfoWithFields("auth", "Stored refresh token", map[string]any{
		"sub":   sub,
		"email": claims.Email,
	})
	return nil
}

// resolveRedirect enforces the origin allow-list on the application
// redirect target.
func (s *Service) resolveRedirect(redirectTo string) (string, error) {
	if redirectTo == "" {
		return "", ErrRedirectUnresolvable
	}
	u, err := url.Parse(redirectTo)
	if err != nil || !u.IsAbs() {
		return "", ErrRedirectUnresolvable
	}
	if !s.originAllowed(u) {
		return "", fmt.Errorf("%w: %s", ErrRedirectNotAllowed, u.Scheme+"://"+u.Host)
	}
	return redirectTo, nil
}

func (s *Service) originAllowed(u *url.URL) bool {
	origin := u.Scheme + "://" + u.Host
	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// Token exchanges the caller's stored refresh token for a fresh access
// token. The Firebase identity must already be verified; only the linked
// Google subject is consulted here.
func (s *Service) Token(ctx context.Context, user *firebaseauth.User) (googleauth.TokenSet, error) {
	sub, err := user.RequireGoogleSubject()
	if err != nil {
		return googleauth.TokenSet{}, fmt.Errorf("%w: %v", ErrNoLinkedCredential, err)
	}

	cred, err := s.getCredential(ctx, sub)
	if errors.Is(err, storage.ErrCredentialNotFound) {
		return googleauth.TokenSet{}, ErrNoLinkedCredential
	}
	if err != nil {
		return googleauth.TokenSet{}, err
	}

	tok, err := s.upstream.ExchangeRefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, googleauth.ErrUpstreamTimeout) {
			return googleauth.TokenSet{}, err
		}
		// The stale credential is kept for audit; deletion happens only
		// through an explicit revocation.
		return googleauth.TokenSet{}, fmt.Errorf("%w: %v", ErrRefreshTokenInvalid, err)
	}

	return tok.TokenSet(s.now()), nil
}

// RevokeRequest describes a revocation: the token, its kind, and whether an
// access-token revocation should cascade to the caller's stored refresh
// token.
type RevokeRequest struct {
	Token              string
	Kind               TokenKind
	RevokeRefreshToken bool
}

// Revoke invalidates a token upstream. Revoking an already-invalid token
// succeeds, matching OAuth revocation semantics. Refresh-token revocations
// also delete the caller's stored credential.
func (s *Service) Revoke(ctx context.Context, user *firebaseauth.User, req RevokeRequest) error {
	if !plausibleToken(req.Token) {
		return ErrTokenMalformed
	}

	if err := s.upstream.Revoke(ctx, req.Token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}

	if req.Kind == TokenKindRefresh {
		return s.deleteCredential(ctx, user)
	}
	if req.RevokeRefreshToken {
		return s.revokeStoredRefreshToken(ctx, user)
	}
	return nil
}

// revokeStoredRefreshToken cascades an access-token revocation to the
// caller's stored refresh token, then removes the credential.
func (s *Service) revokeStoredRefreshToken(ctx context.Context, user *firebaseauth.User) error {
	sub, err := user.RequireGoogleSubject()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoLinkedCredential, err)
	}

	cred, err := s.getCredential(ctx, sub)
	if errors.Is(err, storage.ErrCredentialNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.upstream.Revoke(ctx, cred.RefreshToken); err != nil {
		return fmt.Errorf("revoke stored refresh token: %w", err)
	}
	return s.deleteStoredCredential(ctx, sub)
}

func (s *Service) deleteCredential(ctx context.Context, user *firebaseauth.User) error {
	sub, err := user.RequireGoogleSubject()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoLinkedCredential, err)
	}
	return s.deleteStoredCredential(ctx, sub)
}

func (s *Service) deleteStoredCredential(ctx context.Context, sub string) error {
	if err := s.removeCredential(ctx, sub); err != nil {
		return err
	}
	log.LogInfoWithFields("auth", "Deleted stored credential", map[string]any{
		"sub": sub,
	})
	return nil
}

// Introspect verifies an ID token and returns its claims. Only identity
// tokens can be introspected; access tokens are opaque to the relay.
func (s *Service) Introspect(ctx context.Context, rawToken string) (*idtoken.Claims, error) {
	if !plausibleToken(rawToken) {
		return nil, ErrTokenMalformed
	}
	claims, err := s.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityInvalid, err)
	}
	return claims, nil
}

// plausibleToken rejects obviously malformed token strings before any
// upstream call is made.
func plausibleToken(token string) bool {
	if token == "" || len(token) > 4096 {
		return false
	}
	for _, r := range token {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}

// grantedScopes extracts the scope list from the token response.
func grantedScopes(tok *googleauth.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// fragmentURL appends the token set to the redirect target as a URL
// fragment. Fragments never reach server logs or Referer headers, unlike
// query strings.
func fragmentURL(redirectURL string, tok *googleauth.Token, now time.Time) string {
	set := tok.TokenSet(now)
	frag := url.Values{
		"access_token": {set.AccessToken},
		"expires_in":   {strconv.FormatInt(set.ExpiresIn, 10)},
		"issued_at":    {strconv.FormatInt(set.IssuedAt, 10)},
	}
	if tok.IDToken != "" {
		frag.Set("id_token", tok.IDToken)
	}
	return redirectURL + "#" + frag.Encode()
}

func errorFragment(redirectURL, reason string) string {
	frag := url.Values{"error": {reason}}
	return redirectURL + "#" + frag.Encode()
}

// ErrorRedirectURL carries a failure reason back to the application in the
// fragment, for failures that occur after the redirect target is known to
// be trusted.
func ErrorRedirectURL(redirectURL string, err error) string {
	return errorFragment(redirectURL, Reason(err))
}

// FailureRedirectURL resolves the session's redirect target and, when it
// passes the allow-list, returns a fragment URL carrying the failure
// reason. The second return is false when the target itself cannot be
// trusted, in which case the caller must answer with a plain error instead.
func (s *Service) FailureRedirectURL(sess session.Session, cause error) (string, bool) {
	redirectURL, err := s.resolveRedirect(sess.RedirectTo)
	if err != nil {
		return "", false
	}
	return ErrorRedirectURL(redirectURL, cause), true
}

// DeniedRedirectURL forwards a consent screen error to the application,
// preserving the provider's error code when it looks like one.
func (s *Service) DeniedRedirectURL(sess session.Session, providerCode string) (string, bool) {
	redirectURL, err := s.resolveRedirect(sess.RedirectTo)
	if err != nil {
		return "", false
	}
	return errorFragment(redirectURL, sanitizeProviderCode(providerCode)), true
}

// sanitizeProviderCode accepts only lowercase snake_case error codes, the
// shape OAuth providers use (access_denied, interaction_required). Anything
// else collapses to a fixed reason so arbitrary input never reaches the
// fragment.
func sanitizeProviderCode(code string) string {
	if code == "" || len(code) > 64 {
		return "consent_denied"
	}
	for _, r := range code {
		if (r < 'a' || r > 'z') && r != '_' {
			return "consent_denied"
		}
	}
	return code
}
