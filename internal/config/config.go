// Package config loads the immutable service configuration from the
// environment at process start.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Secret is a string whose value must never appear in logs or JSON output.
type Secret string

func (s Secret) String() string {
	return "[REDACTED]"
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// GoogleClient mirrors the "web" object of a Google OAuth client JSON,
// as downloaded from the Google Cloud console.
type GoogleClient struct {
	ClientID          string   `json:"client_id"`
	ProjectID         string   `json:"project_id"`
	AuthURI           string   `json:"auth_uri"`
	TokenURI          string   `json:"token_uri"`
	ClientSecret      Secret   `json:"client_secret"`
	RedirectURIs      []string `json:"redirect_uris"`
	JavascriptOrigins []string `json:"javascript_origins"`
}

type googleClientFile struct {
	Web GoogleClient `json:"web"`
}

// Config holds the full service configuration. Loaded once and passed to
// component constructors; never mutated afterwards.
type Config struct {
	Google GoogleClient

	CookieName              string
	CookieMaxAge            time.Duration
	CallbackPath            string
	FirestoreCollection     string
	RevokeExistingTokens    bool
	ServiceAccountCredsFile string

	Port          int
	DockerRunning bool
}

type rawEnv struct {
	GoogleClientConfig   string        `env:"FIREAUTH2_GOOGLE_OAUTH_CLIENT_CONFIG"`
	CookieName           string        `env:"FIREAUTH2_SESSION_COOKIE_NAME" envDefault:"FIREAUTH2_SESSION"`
	CookieMaxAge         time.Duration `env:"FIREAUTH2_SESSION_COOKIE_MAX_AGE" envDefault:"180s"`
	CallbackPath         string        `env:"FIREAUTH2_REDIRECT_URI_PATH" envDefault:"/callback"`
	FirestoreCollection  string        `env:"FIREAUTH2_FIRESTORE_COLLECTION" envDefault:"googleUsers"`
	RevokeExistingTokens bool          `env:"FIREAUTH2_ENABLE_EXISTING_TOKEN_REVOCATION" envDefault:"false"`
	CredsFile            string        `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	Port                 int           `env:"PORT" envDefault:"8080"`
	DockerRunning        bool          `env:"DOCKER_RUNNING" envDefault:"false"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var raw rawEnv
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if raw.GoogleClientConfig == "" {
		return nil, fmt.Errorf("FIREAUTH2_GOOGLE_OAUTH_CLIENT_CONFIG is required")
	}

	google, err := ParseGoogleClient(raw.GoogleClientConfig)
	if err != nil {
		return nil, fmt.Errorf("parse google client config: %w", err)
	}

	cfg := &Config{
		Google:                  google,
		CookieName:              raw.CookieName,
		CookieMaxAge:            raw.CookieMaxAge,
		CallbackPath:            raw.CallbackPath,
		FirestoreCollection:     raw.FirestoreCollection,
		RevokeExistingTokens:    raw.RevokeExistingTokens,
		ServiceAccountCredsFile: raw.CredsFile,
		Port:                    raw.Port,
		DockerRunning:           raw.DockerRunning,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseGoogleClient decodes a base64-encoded Google OAuth client JSON.
func ParseGoogleClient(encoded string) (GoogleClient, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return GoogleClient{}, fmt.Errorf("decode base64: %w", err)
	}

	var file googleClientFile
	if err := json.Unmarshal(decoded, &file); err != nil {
		return GoogleClient{}, fmt.Errorf("unmarshal client json: %w", err)
	}
	return file.Web, nil
}

func (c *Config) validate() error {
	if c.Google.ClientID == "" {
		return fmt.Errorf("google client config: client_id is required")
	}
	if c.Google.ClientSecret == "" {
		return fmt.Errorf("google client config: client_secret is required")
	}
	if c.Google.ProjectID == "" {
		return fmt.Errorf("google client config: project_id is required")
	}
	for _, origin := range c.Google.JavascriptOrigins {
		if _, err := url.Parse(origin); err != nil {
			return fmt.Errorf("google client config: invalid javascript origin %q: %w", origin, err)
		}
	}
	if !strings.HasPrefix(c.CallbackPath, "/") {
		return fmt.Errorf("callback path must begin with /: %q", c.CallbackPath)
	}
	if c.CookieMaxAge <= 0 {
		return fmt.Errorf("cookie max age must be positive: %s", c.CookieMaxAge)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// Addr returns the listen address. Inside a container the server binds all
// interfaces; locally it stays on loopback.
func (c *Config) Addr() string {
	host := "127.0.0.1"
	if c.DockerRunning {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}
