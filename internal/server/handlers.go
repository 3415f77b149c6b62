package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fireauth2/fireauth2/internal/auth"
	"github.com/fireauth2/fireauth2/internal/cookie"
	"github.com/fireauth2/fireauth2/internal/googleauth"
	jsonwriter "github.com/fireauth2/fireauth2/internal/json"
	"github.com/fireauth2/fireauth2/internal/log"
	"github.com/fireauth2/fireauth2/internal/session"
)

// ServiceName and ServiceVersion identify the relay on the index route.
const (
	ServiceName    = "fireauth2"
	ServiceVersion = "1.0.0"
)

// Handlers provides the OAuth relay HTTP handlers with dependency injection
type Handlers struct {
	svc     *auth.Service
	cookies cookie.Manager
}

// NewHandlers creates the relay handlers
func NewHandlers(svc *auth.Service, cookies cookie.Manager) *Handlers {
	return &Handlers{
		svc:     svc,
		cookies: cookies,
	}
}

// IndexHandler serves service metadata on the root route
func (h *Handlers) IndexHandler(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, map[string]string{
		"name":    ServiceName,
		"version": ServiceVersion,
	})
}

// AuthorizeHandler starts the authorization flow: it mints a session cookie
// and redirects the browser to Google's consent screen.
func (h *Handlers) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	params, err := googleauth.ParseAuthParams(r.URL.Query())
	if err != nil {
		jsonwriter.WriteBadRequest(w, err.Error())
		return
	}

	redirectTo := r.URL.Query().Get("redirect_uri")
	if redirectTo == "" {
		redirectTo = r.Referer()
	}

	authz, err := h.svc.Authorize(redirectTo, params)
	if err != nil {
		log.LogDebugWithFields("server", "Authorization request rejected", map[string]any{
			"error":      err.Error(),
			"request_id": RequestID(r.Context()),
		})
		h.writeFlowError(w, err)
		return
	}

	authorizationsTotal.Inc()
	h.cookies.Set(w, authz.CookieValue)
	http.Redirect(w, r, authz.ConsentURL, http.StatusFound)
}

// CallbackHandler completes the flow after Google's consent screen. The
// session cookie is cleared on every outcome so it can never be replayed.
func (h *Handlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	cookieValue, err := h.cookies.Get(r)
	if err != nil {
		callbacksTotal.WithLabelValues("no_session").Inc()
		h.writeFlowError(w, auth.ErrSessionMissing)
		return
	}

	// The session is single use. The deletion header goes out with whatever
	// response this handler ends up writing.
	h.cookies.Clear(w)

	sess, err := h.svc.DecodeSession(cookieValue)
	if err != nil {
		callbacksTotal.WithLabelValues("bad_session").Inc()
		h.writeFlowError(w, err)
		return
	}

	query := r.URL.Query()

	// Google reports consent denial as an error query parameter instead of
	// a code. Forward it to the application when the target is trusted.
	if upstreamErr := query.Get("error"); upstreamErr != "" {
		callbacksTotal.WithLabelValues("consent_denied").Inc()
		log.LogInfoWithFields("server", "Consent screen returned an error", map[string]any{
			"error":      upstreamErr,
			"request_id": RequestID(r.Context()),
		})
		if target, ok := h.svc.DeniedRedirectURL(sess, upstreamErr); ok {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		h.writeFlowError(w, auth.ErrUpstreamExchange)
		return
	}

	res, err := h.svc.Callback(r.Context(), sess, query.Get("state"), query.Get("code"))
	if err != nil {
		callbacksTotal.WithLabelValues(auth.Reason(err)).Inc()
		log.LogWarnWithFields("server", "Callback failed", map[string]any{
			"error":      err.Error(),
			"reason":     auth.Reason(err),
			"request_id": RequestID(r.Context()),
		})

		// Post-exchange failures go back to the application as a fragment
		// when the redirect target is trusted. Session and CSRF failures
		// never do; at that point nothing about the request is trustworthy.
		if errors.Is(err, auth.ErrIdentityInvalid) || errors.Is(err, auth.ErrUpstreamExchange) ||
			errors.Is(err, googleauth.ErrUpstreamTimeout) {
			if target, ok := h.svc.FailureRedirectURL(sess, err); ok {
				http.Redirect(w, r, target, http.StatusFound)
				return
			}
		}
		h.writeFlowError(w, err)
		return
	}

	callbacksTotal.WithLabelValues("success").Inc()
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// TokenHandler exchanges the caller's stored refresh token for a fresh
// access token. Requires a verified Firebase identity.
func (h *Handlers) TokenHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := FirebaseUser(r.Context())
	if !ok {
		tokenExchangesTotal.WithLabelValues("unauthenticated").Inc()
		jsonwriter.WriteUnauthorized(w, "Missing Firebase identity")
		return
	}

	set, err := h.svc.Token(r.Context(), user)
	if err != nil {
		tokenExchangesTotal.WithLabelValues(auth.Reason(err)).Inc()
		log.LogWarnWithFields("server", "Token exchange failed", map[string]any{
			"error":      err.Error(),
			"uid":        user.UID,
			"request_id": RequestID(r.Context()),
		})
		h.writeFlowError(w, err)
		return
	}

	tokenExchangesTotal.WithLabelValues("success").Inc()
	_ = jsonwriter.Write(w, set)
}

type revokeRequest struct {
	AccessToken        string `json:"accessToken"`
	RefreshToken       string `json:"refreshToken"`
	RevokeRefreshToken bool   `json:"revokeRefreshToken"`
}

// RevokeHandler invalidates a token upstream and deletes the stored
// credential when a refresh token is revoked.
func (h *Handlers) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := FirebaseUser(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "Missing Firebase identity")
		return
	}

	var body revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonwriter.WriteBadRequest(w, "Invalid JSON body")
		return
	}

	req := auth.RevokeRequest{RevokeRefreshToken: body.RevokeRefreshToken}
	switch {
	case body.RefreshToken != "":
		req.Token = body.RefreshToken
		req.Kind = auth.TokenKindRefresh
	case body.AccessToken != "":
		req.Token = body.AccessToken
		req.Kind = auth.TokenKindAccess
	default:
		jsonwriter.WriteBadRequest(w, "Either accessToken or refreshToken is required")
		return
	}

	if err := h.svc.Revoke(r.Context(), user, req); err != nil {
		revocationsTotal.WithLabelValues(string(req.Kind), auth.Reason(err)).Inc()
		log.LogWarnWithFields("server", "Revocation failed", map[string]any{
			"error":      err.Error(),
			"kind":       string(req.Kind),
			"uid":        user.UID,
			"request_id": RequestID(r.Context()),
		})
		h.writeFlowError(w, err)
		return
	}

	revocationsTotal.WithLabelValues(string(req.Kind), "success").Inc()
	_ = jsonwriter.Write(w, map[string]string{"status": "ok"})
}

// IntrospectHandler verifies an ID token and returns its claims. Access
// tokens are opaque to the relay and cannot be introspected here.
func (h *Handlers) IntrospectHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := FirebaseUser(r.Context()); !ok {
		jsonwriter.WriteUnauthorized(w, "Missing Firebase identity")
		return
	}

	if err := r.ParseForm(); err != nil {
		jsonwriter.WriteBadRequest(w, "Invalid form body")
		return
	}

	hint := r.PostForm.Get("token_type_hint")
	if hint != "" && hint != "id_token" {
		jsonwriter.WriteUnprocessableEntity(w, "Only id_token introspection is supported")
		return
	}

	claims, err := h.svc.Introspect(r.Context(), r.PostForm.Get("token"))
	if err != nil {
		h.writeFlowError(w, err)
		return
	}
	_ = jsonwriter.Write(w, claims)
}

// writeFlowError maps a flow error to its JSON response. Only the generic
// reason code leaves the server; detail stays in the logs.
func (h *Handlers) writeFlowError(w http.ResponseWriter, err error) {
	jsonwriter.WriteError(w, auth.HTTPStatus(err), auth.Reason(err), flowErrorMessage(err))
}

func flowErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrExpired):
		return "Authorization session expired"
	case errors.Is(err, session.ErrMalformed), errors.Is(err, auth.ErrSessionMissing):
		return "Authorization session is missing or invalid"
	case errors.Is(err, auth.ErrCSRFMismatch):
		return "State verification failed"
	case errors.Is(err, auth.ErrRedirectUnresolvable):
		return "No redirect target could be resolved"
	case errors.Is(err, auth.ErrRedirectNotAllowed):
		return "Redirect target is not allowed"
	case errors.Is(err, auth.ErrNoLinkedCredential):
		return "No Google account is linked to this user"
	case errors.Is(err, auth.ErrTokenMalformed):
		return "Token is malformed"
	case errors.Is(err, auth.ErrIdentityInvalid):
		return "Identity verification failed"
	case errors.Is(err, googleauth.ErrUpstreamTimeout):
		return "Upstream provider timed out"
	case errors.Is(err, auth.ErrUpstreamExchange), errors.Is(err, auth.ErrRefreshTokenInvalid):
		return "Upstream provider rejected the request"
	default:
		return "Internal server error"
	}
}
