package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/fireauth2/fireauth2/internal/firebaseauth"
	"github.com/fireauth2/fireauth2/internal/googleauth"
	"github.com/fireauth2/fireauth2/internal/idtoken"
	"github.com/fireauth2/fireauth2/internal/session"
	"github.com/fireauth2/fireauth2/internal/storage"
)

type spyUpstream struct {
	exchangeCalls int
	refreshCalls  int
	revoked       []string

	exchangeTok *googleauth.Token
	exchangeErr error
	refreshTok  *googleauth.Token
	refreshErr  error
	revokeErr   error
}

func (s *spyUpstream) AuthCodeURL(state, codeChallenge string, params googleauth.AuthParams) string {
	return "https://accounts.google.com/o/oauth2/auth?state=" + state + "&code_challenge=" + codeChallenge
}

func (s *spyUpstream) ExchangeCode(_ context.Context, code, codeVerifier string) (*googleauth.Token, error) {
	s.exchangeCalls++
	if s.exchangeErr != nil {
		return nil, s.exchangeErr
	}
	return s.exchangeTok, nil
}

func (s *spyUpstream) ExchangeRefreshToken(_ context.Context, refreshToken string) (*googleauth.Token, error) {
	s.refreshCalls++
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return s.refreshTok, nil
}

func (s *spyUpstream) Revoke(_ context.Context, token string) error {
	s.revoked = append(s.revoked, token)
	return s.revokeErr
}

type fakeVerifier struct {
	claims *idtoken.Claims
	err    error
}

func (f *fakeVerifier) Verify(_ context.Context, _ string) (*idtoken.Claims, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.claims, nil
}

const testSub = "106839298489238234823"

func testClaims() *idtoken.Claims {
	return &idtoken.Claims{
		Email: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  testSub,
			Issuer:   idtoken.GoogleIssuer,
			Audience: jwt.ClaimStrings{"client-id"},
		},
	}
}

func offlineToken() *googleauth.Token {
	base := (&oauth2.Token{
		AccessToken:  "ya29.access",
		RefreshToken: "1//refresh",
		Expiry:       time.Now().Add(time.Hour),
	}).WithExtra(map[string]interface{}{"scope": "openid email"})
	return &googleauth.Token{Token: base, IDToken: "header.payload.sig"}
}

func onlineToken() *googleauth.Token {
	base := &oauth2.Token{
		AccessToken: "ya29.access",
		Expiry:      time.Now().Add(time.Hour),
	}
	return &googleauth.Token{Token: base, IDToken: "header.payload.sig"}
}

func newTestService(t *testing.T, upstream *spyUpstream, verifier *fakeVerifier,
	store storage.CredentialStore, revokeExisting bool) *Service {
	t.Helper()
	codec := session.NewCodec([]byte("0123456789abcdef0123456789abcdef"), 3*time.Minute)
	return NewService(upstream, verifier, store, codec,
		[]string{"https://app.example.com"}, revokeExisting)
}

func testSession() session.Session {
	return session.Session{
		State:        "expected-state",
		CodeVerifier: "verifier-verifier-verifier-verifier-verifier",
		RedirectTo:   "https://app.example.com/done",
		CreatedAt:    time.Now().UTC(),
	}
}

func firebaseUser() *firebaseauth.User {
	return &firebaseauth.User{
		UID:           "firebase-uid",
		Email:         "user@example.com",
		GoogleSubject: testSub,
	}
}

func TestCallbackCSRFMismatchSkipsExchange(t *testing.T) {
	upstream := &spyUpstream{exchangeTok: offlineToken()}
	svc := newTestService(t, upstream, &fakeVerifier{claims: testClaims()}, storage.NewMemoryStore(), false)

	_, err := svc.Callback(context.Background(), testSession(), "attacker-state", "code")

	assert.ErrorIs(t, err, ErrCSRFMismatch)
	assert.Zero(t, upstream.exchangeCalls, "exchange must never run on a state mismatch")
}

func TestCallbackOfflineFlowStoresCredential(t *testing.T) {
	upstream := &spyUpstream{exchangeTok: offlineToken()}
	store := storage.NewMemoryStore()
	svc := newTestService(t, upstream, &fakeVerifier{claims: testClaims()}, store, false)

	res, err := svc.Callback(context.Background(), testSession(), "expected-state", "code")
	require.NoError(t, err)

	assert.True(t, res.Stored)
	assert.True(t, strings.HasPrefix(res.RedirectURL, "https://app.example.com/done#"))
	assert.Contains(t, res.RedirectURL, "access_token=ya29.access")
	assert.Contains(t, res.RedirectURL, "issued_at=")
	assert.Contains(t, res.RedirectURL, "expires_in=")

	cred, err := store.Get(context.Background(), testSub)
	require.NoError(t, err)
	assert.Equal(t, "1//refresh", cred.RefreshToken)
	assert.Equal(t, "user@example.com", cred.Email)
	assert.Equal(t, []string{"openid", "email"}, cred.Scopes)
}

func TestCallbackOnlineFlowLeavesStoreUntouched(t *testing.T) {
	upstream := &spyUpstream{exchangeTok: onlineToken()}
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), &storage.Credential{
		Sub: testSub, RefreshToken: "1//existing",
	}))
	svc := newTestService(t, upstream, &fakeVerifier{claims: testClaims()}, store, false)

	res, err := svc.Callback(context.Background(), testSession(), "expected-state", "code")
	require.NoError(t, err)
	assert.False(t, res.Stored)

	cred, err := store.Get(context.Background(), testSub)
	require.NoError(t, err)
	assert.Equal(t, "1//existing", cred.RefreshToken, "an online re-auth must not clobber the stored token")
}

func TestCallbackRevokesExistingTokenWhenEnabled(t *testing.T) {
	upstream := &spyUpstream{exchangeTok: offlineToken()}
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), &storage.Credential{
		Sub: testSub, RefreshToken: "1//old",
	}))
	svc := newTestService(t, upstream, &fakeVerifier{claims: testClaims()}, store, true)

	_, err := svc.Callback(context.Background(), testSession(), "expected-state", "code")
	require.NoError(t, err)

	assert.Equal(t, []string{"1//old"}, upstream.revoked)
	cred, err := store.Get(context.Background(), testSub)
	require.NoError(t, err)
	assert.Equal(t, "1//refresh", cred.RefreshToken)
}

func TestCallbackPreRevocationFailureDoesNotBlockPersistence(t *testing.T) {
	upstream := &spyUpstream{exchangeTok: offlineToken(), revokeErr: errors.New("revocation endpoint returned status 503")}
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), &storage.Credential{
		Sub: testSub, RefreshToken: "1//old",
	}))
	svc := newTestService(t, upstream, &fakeVerifier{claims: testClaims()}, store, true)

	_, err := svc.Callback(context.Background(), testSession(), "expected-state", "code")
	require.NoError(t, err)

	cred, err := store.Get(context.Background(), testSub)
	require.NoError(t, err)
	assert.Equal(t, "1//refresh", cred.RefreshToken)
}

func TestCallbackExchangeFailure(t *testing.T) {
	upstream := &spyUpstream{exchangeErr: errors.New("oauth2: \"invalid_grant\"")}
	svc := newTestService(t, upstream, &fakeVerifier{claims: testClaims()}, storage.NewMemoryStore(), false)

	_, err := svc.Callback(context.Background(), testSession(), "expected-state", "bad-code")

	assert.ErrorIs(t, err, ErrUpstreamExchange)
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(err))
}

func TestCallbackUpstreamTimeout(t *testing.T) {
	upstream := &spyUpstream{exchangeErr: googleauth.ErrUpstreamTimeout}
	svc := newTestService(t, upstream, &fakeVerifier{claims: testClaims()}, storage.NewMemoryStore(), false)

	_, err := svc.Callback(context.Background(), testSession(), "expected-state", "code")

	assert.ErrorIs(t, err, googleauth.ErrUpstreamTimeout)
	assert.Equal(t, "upstream_timeout", Reason(err))
}

func TestCallbackIdentityInvalidNothingPersisted(t *testing.T) {
	upstream := &spyUpstream{exchangeTok: offlineToken()}
	store := storage.NewMemoryStore()
	verifier := &fakeVerifier{err: &idtoken.VerifyError{Reason: idtoken.ReasonAudienceMismatch}}
	svc := newTestService(t, upstream, verifier, store, false)

	_, err := svc.Callback(context.Background(), testSession(), "expected-state", "code")

	assert.ErrorIs(t, err, ErrIdentityInvalid)
	_, err = store.Get(context.Background(), testSub)
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)
}

func TestCallbackRedirectNotAllowed(t *testing.T) {
	upstream := &spyUpstream{exchangeTok: onlineToken()}
	svc := newTestService(t, upstream, &fakeVerifier{claims: testClaims()}, storage.NewMemoryStore(), false)

	sess := testSession()
	sess.RedirectTo = "https://evil.example.net/phish"

	_, err := svc.Callback(context.Background(), sess, "expected-state", "code")

	assert.ErrorIs(t, err, ErrRedirectNotAllowed)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}

func TestExpiredSessionFailsEvenWithMatchingState(t *testing.T) {
	codec := session.NewCodec([]byte("0123456789abcdef0123456789abcdef"), 3*time.Minute)
	sess := testSession()
	sess.CreatedAt = time.Now().Add(-4 * time.Minute)

	value, err := codec.Encode(sess)
	require.NoError(t, err)

	upstream := &spyUpstream{exchangeTok: offlineToken()}
	svc := NewService(upstream, &fakeVerifier{claims: testClaims()}, storage.NewMemoryStore(),
		codec, []string{"https://app.example.com"}, false)

	_, err = svc.DecodeSession(value)
	assert.ErrorIs(t, err, session.ErrExpired)
	assert.Zero(t, upstream.exchangeCalls)
}

func TestAuthorizeBuildsConsentURLAndCookie(t *testing.T) {
	upstream := &spyUpstream{}
	svc := newTestService(t, upstream, &fakeVerifier{}, storage.NewMemoryStore(), false)

	authz, err := svc.Authorize("https://app.example.com/done", googleauth.DefaultAuthParams())
	require.NoError(t, err)

	assert.Contains(t, authz.ConsentURL, "state=")
	assert.Contains(t, authz.ConsentURL, "code_challenge=")
	assert.NotEmpty(t, authz.CookieValue)

	sess, err := svc.DecodeSession(authz.CookieValue)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/done", sess.RedirectTo)
	assert.NotEmpty(t, sess.State)
	assert.NotEmpty(t, sess.CodeVerifier)
}

func TestAuthorizeRejectsRelativeRedirect(t *testing.T) {
	svc := newTestService(t, &spyUpstream{}, &fakeVerifier{}, storage.NewMemoryStore(), false)

	_, err := svc.Authorize("/relative/path", googleauth.DefaultAuthParams())
	assert.ErrorIs(t, err, ErrRedirectUnresolvable)
}

func TestTokenNoLinkedCredential(t *testing.T) {
	svc := newTestService(t, &spyUpstream{}, &fakeVerifier{}, storage.NewMemoryStore(), false)

	_, err := svc.Token(context.Background(), firebaseUser())

	assert.ErrorIs(t, err, ErrNoLinkedCredential)
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))
}

func TestTokenExchangesStoredRefreshToken(t *testing.T) {
	upstream := &spyUpstream{refreshTok: onlineToken()}
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), &storage.Credential{
		Sub: testSub, RefreshToken: "1//refresh",
	}))
	svc := newTestService(t, upstream, &fakeVerifier{}, store, false)

	set, err := svc.Token(context.Background(), firebaseUser())
	require.NoError(t, err)

	assert.Equal(t, "ya29.access", set.AccessToken)
	assert.Positive(t, set.ExpiresIn)
	assert.Positive(t, set.IssuedAt)
	assert.Equal(t, 1, upstream.refreshCalls)
}

func TestTokenRejectedRefreshTokenKeepsCredential(t *testing.T) {
	upstream := &spyUpstream{refreshErr: errors.New("oauth2: \"invalid_grant\" \"Token has been expired or revoked.\"")}
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), &storage.Credential{
		Sub: testSub, RefreshToken: "1//stale",
	}))
	svc := newTestService(t, upstream, &fakeVerifier{}, store, false)

	_, err := svc.Token(context.Background(), firebaseUser())
	assert.ErrorIs(t, err, ErrRefreshTokenInvalid)

	// Deletion is an explicit revocation action, not a side effect.
	cred, getErr := store.Get(context.Background(), testSub)
	require.NoError(t, getErr)
	assert.Equal(t, "1//stale", cred.RefreshToken)
}

func TestTokenNoGoogleIdentity(t *testing.T) {
	svc := newTestService(t, &spyUpstream{}, &fakeVerifier{}, storage.NewMemoryStore(), false)

	_, err := svc.Token(context.Background(), &firebaseauth.User{UID: "firebase-uid"})
	assert.ErrorIs(t, err, ErrNoLinkedCredential)
}

func TestRevokeMalformedTokenSkipsUpstream(t *testing.T) {
	for _, token := range []string{"", " ", "has space", string(rune(0x7f)) + "x", strings.Repeat("a", 5000)} {
		upstream := &spyUpstream{}
		svc := newTestService(t, upstream, &fakeVerifier{}, storage.NewMemoryStore(), false)

		err := svc.Revoke(context.Background(), firebaseUser(), RevokeRequest{Token: token, Kind: TokenKindAccess})

		assert.ErrorIs(t, err, ErrTokenMalformed)
		assert.Empty(t, upstream.revoked, "malformed input must never reach the provider")
	}
}

func TestRevokeRefreshTokenDeletesCredential(t *testing.T) {
	upstream := &spyUpstream{}
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), &storage.Credential{
		Sub: testSub, RefreshToken: "1//refresh",
	}))
	svc := newTestService(t, upstream, &fakeVerifier{}, store, false)

	err := svc.Revoke(context.Background(), firebaseUser(), RevokeRequest{Token: "1//refresh", Kind: TokenKindRefresh})
	require.NoError(t, err)

	assert.Equal(t, []string{"1//refresh"}, upstream.revoked)
	_, err = store.Get(context.Background(), testSub)
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)

	// A follow-up exchange for the same subject now has nothing to use.
	_, err = svc.Token(context.Background(), firebaseUser())
	assert.ErrorIs(t, err, ErrNoLinkedCredential)
}

func TestRevokeAccessTokenCascadesToStoredRefreshToken(t *testing.T) {
	upstream := &spyUpstream{}
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), &storage.Credential{
		Sub: testSub, RefreshToken: "1//refresh",
	}))
	svc := newTestService(t, upstream, &fakeVerifier{}, store, false)

	err := svc.Revoke(context.Background(), firebaseUser(), RevokeRequest{
		Token:              "ya29.access",
		Kind:               TokenKindAccess,
		RevokeRefreshToken: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"ya29.access", "1//refresh"}, upstream.revoked)
	_, err = store.Get(context.Background(), testSub)
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)
}

func TestIntrospectMalformedToken(t *testing.T) {
	svc := newTestService(t, &spyUpstream{}, &fakeVerifier{}, storage.NewMemoryStore(), false)

	_, err := svc.Introspect(context.Background(), "")
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestIntrospectReturnsClaims(t *testing.T) {
	svc := newTestService(t, &spyUpstream{}, &fakeVerifier{claims: testClaims()}, storage.NewMemoryStore(), false)

	claims, err := svc.Introspect(context.Background(), "header.payload.sig")
	require.NoError(t, err)
	assert.Equal(t, testSub, claims.Sub())
	assert.Equal(t, "user@example.com", claims.Email)
}

func TestErrorRedirectURL(t *testing.T) {
	got := ErrorRedirectURL("https://app.example.com/done", ErrIdentityInvalid)
	assert.Equal(t, "https://app.example.com/done#error=identity_invalid", got)
}

func TestDeniedRedirectURL(t *testing.T) {
	svc := newTestService(t, &spyUpstream{}, &fakeVerifier{}, storage.NewMemoryStore(), false)

	got, ok := svc.DeniedRedirectURL(testSession(), "access_denied")
	require.True(t, ok)
	assert.Equal(t, "https://app.example.com/done#error=access_denied", got)
}

func TestDeniedRedirectURLSanitizesProviderCode(t *testing.T) {
	svc := newTestService(t, &spyUpstream{}, &fakeVerifier{}, storage.NewMemoryStore(), false)

	for _, code := range []string{"", `"><script>alert(1)</script>`, "Access Denied", strings.Repeat("a", 65)} {
		got, ok := svc.DeniedRedirectURL(testSession(), code)
		require.True(t, ok)
		assert.Equal(t, "https://app.example.com/done#error=consent_denied", got)
	}
}

func TestDeniedRedirectURLUntrustedTarget(t *testing.T) {
	svc := newTestService(t, &spyUpstream{}, &fakeVerifier{}, storage.NewMemoryStore(), false)

	sess := testSession()
	sess.RedirectTo = "https://evil.example.net/phish"

	_, ok := svc.DeniedRedirectURL(sess, "access_denied")
	assert.False(t, ok)
}

// blockingStore never answers until the call's context expires.
type blockingStore struct{}

func (blockingStore) Get(ctx context.Context, _ string) (*storage.Credential, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingStore) Set(ctx context.Context, _ *storage.Credential) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingStore) Delete(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTokenStoreTimeout(t *testing.T) {
	svc := newTestService(t, &spyUpstream{}, &fakeVerifier{}, blockingStore{}, false)
	svc.storeTimeout = 20 * time.Millisecond

	_, err := svc.Token(context.Background(), firebaseUser())

	assert.ErrorIs(t, err, googleauth.ErrUpstreamTimeout)
	assert.Equal(t, "upstream_timeout", Reason(err))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(err))
}

func TestCallbackStoreTimeout(t *testing.T) {
	upstream := &spyUpstream{exchangeTok: offlineToken()}
	svc := newTestService(t, upstream, &fakeVerifier{claims: testClaims()}, blockingStore{}, false)
	svc.storeTimeout = 20 * time.Millisecond

	_, err := svc.Callback(context.Background(), testSession(), "expected-state", "code")

	assert.ErrorIs(t, err, googleauth.ErrUpstreamTimeout)
	assert.Equal(t, "upstream_timeout", Reason(err))
}
