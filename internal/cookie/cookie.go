package cookie

import (
	"net/http"
	"time"
)

// Manager sets and clears the auth session cookie. The cookie name and
// lifetime come from configuration.
//
// SameSite is Lax rather than Strict: the callback request is a top-level
// navigation from the consent screen's origin, and a Strict cookie is never
// attached to it.
type Manager struct {
	name   string
	maxAge time.Duration
	secure bool
}

// NewManager creates a cookie manager for the named session cookie.
func NewManager(name string, maxAge time.Duration, secure bool) Manager {
	return Manager{
		name:   name,
		maxAge: maxAge,
		secure: secure,
	}
}

// Name returns the configured cookie name.
func (m Manager) Name() string {
	return m.name
}

// Set attaches the session cookie to the response.
func (m Manager) Set(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(m.maxAge.Seconds()),
	})
}

// Clear instructs the browser to delete the session cookie.
func (m Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// Get retrieves the session cookie value from the request.
func (m Manager) Get(r *http.Request) (string, error) {
	c, err := r.Cookie(m.name)
	if err != nil {
		return "", err
	}
	return c.Value, nil
}
