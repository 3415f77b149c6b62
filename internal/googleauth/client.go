// Package googleauth wraps the golang.org/x/oauth2 client for Google's
// authorization, token, and revocation endpoints.
package googleauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fireauth2/fireauth2/internal/config"
	"github.com/fireauth2/fireauth2/internal/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultRevocationURL is Google's OAuth 2.0 token revocation endpoint.
const DefaultRevocationURL = "https://oauth2.googleapis.com/revoke"

const upstreamTimeout = 10 * time.Second

// ErrUpstreamTimeout indicates an upstream Google call exceeded its deadline.
var ErrUpstreamTimeout = errors.New("upstream request timed out")

// Token is Google's token endpoint response. The embedded oauth2.Token
// carries the access/refresh tokens; IDToken is Google's extra id_token
// field holding the OpenID Connect identity assertion.
type Token struct {
	*oauth2.Token
	IDToken string
}

// TokenSet is the client-facing token payload returned by the relay.
// Field names follow the wire format expected by browser clients.
type TokenSet struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn"`
	IssuedAt     int64  `json:"issuedAt"`
}

// TokenSet converts the upstream token response into the relay's payload.
func (t *Token) TokenSet(now time.Time) TokenSet {
	expiresIn := int64(0)
	if !t.Expiry.IsZero() {
		expiresIn = int64(time.Until(t.Expiry).Seconds())
	}
	return TokenSet{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    expiresIn,
		IssuedAt:     now.Unix(),
	}
}

// Client talks to Google's OAuth 2.0 endpoints on behalf of the relay.
type Client struct {
	conf          oauth2.Config
	revocationURL string
	httpClient    *http.Client
}

// NewClient builds a Client from the Google OAuth client configuration.
// The auth and token endpoints default to Google's public endpoints and can
// be overridden through the client config for testing.
func NewClient(gc config.GoogleClient) *Client {
	endpoint := google.Endpoint
	if gc.AuthURI != "" {
		endpoint.AuthURL = gc.AuthURI
	}
	if gc.TokenURI != "" {
		endpoint.TokenURL = gc.TokenURI
	}

	return &Client{
		conf: oauth2.Config{
			ClientID:     gc.ClientID,
			ClientSecret: string(gc.ClientSecret),
			Endpoint:     endpoint,
		},
		revocationURL: DefaultRevocationURL,
		httpClient: &http.Client{
			Timeout: upstreamTimeout,
			// Upstream endpoints never legitimately redirect; following one
			// would open an SSRF surface.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// WithRevocationURL returns a copy of the client revoking against url.
func (c *Client) WithRevocationURL(url string) *Client {
	clone := *c
	clone.revocationURL = url
	return &clone
}

// WithTimeout returns a copy of the client whose upstream HTTP calls give up
// after d.
func (c *Client) WithTimeout(d time.Duration) *Client {
	clone := *c
	hc := *c.httpClient
	hc.Timeout = d
	clone.httpClient = &hc
	return &clone
}

// WithRedirectURL returns a copy of the client bound to the given OAuth
// redirect URL. The redirect URL is request-derived, so binding happens per
// request rather than at construction.
func (c *Client) WithRedirectURL(url string) *Client {
	clone := *c
	clone.conf.RedirectURL = url
	return &clone
}

// AuthCodeURL builds the consent screen URL with the CSRF state, a PKCE
// S256 challenge, and the forwarded authorization parameters.
func (c *Client) AuthCodeURL(state, codeChallenge string, params AuthParams) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("access_type", string(params.AccessType)),
		oauth2.SetAuthURLParam("include_granted_scopes", fmt.Sprintf("%t", params.IncludeGrantedScopes)),
	}
	if len(params.Prompt) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", strings.Join(params.Prompt, " ")))
	}
	if params.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", params.LoginHint))
	}

	conf := c.conf
	conf.Scopes = params.Scopes
	return conf.AuthCodeURL(state, opts...)
}

// ExchangeCode redeems an authorization code with its PKCE verifier.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.conf.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, classifyUpstreamErr("code exchange", err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	return &Token{Token: tok, IDToken: idToken}, nil
}

// ExchangeRefreshToken obtains a fresh access token from a refresh token.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyUpstreamErr("refresh token exchange", err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	return &Token{Token: tok, IDToken: idToken}, nil
}

// Revoke invalidates a token at Google's revocation endpoint. Revocation is
// idempotent: a 400 from Google means the token was already invalid and is
// treated as success. Transport failures are retried once.
func (c *Client) Revoke(ctx context.Context, token string) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			log.LogDebugWithFields("googleauth", "Retrying token revocation", map[string]any{
				"attempt": attempt + 1,
			})
		}

		err := c.revokeOnce(ctx, token)
		if err == nil {
			return nil
		}
		lastErr = err

		// Only transport errors are retryable; protocol errors are final.
		if !errors.Is(err, ErrUpstreamTimeout) {
			var netErr net.Error
			if !errors.As(err, &netErr) {
				return err
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (c *Client) revokeOnce(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revocationURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyUpstreamErr("revocation", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		// Already-revoked or expired tokens come back as 400 invalid_token.
		// RFC 7009 treats revoking an invalid token as success.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		log.LogDebugWithFields("googleauth", "Revocation returned 400, treating as already revoked", map[string]any{
			"body": string(body),
		})
		return nil
	default:
		return fmt.Errorf("revocation endpoint returned status %d", resp.StatusCode)
	}
}

func classifyUpstreamErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrUpstreamTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w", op, ErrUpstreamTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}
