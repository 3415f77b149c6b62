package googleauth

import (
	"fmt"
	"net/url"
	"strings"
)

// AccessType controls whether Google issues a refresh token alongside the
// access token. Offline access is required for refresh tokens.
type AccessType string

const (
	AccessTypeOnline  AccessType = "online"
	AccessTypeOffline AccessType = "offline"
)

// ParseAccessType parses an access_type query value, defaulting to online.
func ParseAccessType(s string) (AccessType, error) {
	switch s {
	case "":
		return AccessTypeOnline, nil
	case "online":
		return AccessTypeOnline, nil
	case "offline":
		return AccessTypeOffline, nil
	default:
		return "", fmt.Errorf("invalid access_type %q", s)
	}
}

// Prompt values accepted by Google's consent endpoint.
const (
	PromptNone          = "none"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// ParsePrompt parses a delimited prompt list (space or comma separated),
// defaulting to none.
func ParsePrompt(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return []string{PromptNone}, nil
	}

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})

	prompts := make([]string, 0, len(fields))
	for _, f := range fields {
		switch f {
		case PromptNone, PromptConsent, PromptSelectAccount:
			prompts = append(prompts, f)
		default:
			return nil, fmt.Errorf("invalid prompt value %q", f)
		}
	}
	return prompts, nil
}

// AuthParams carries the caller-supplied authorization parameters forwarded
// to Google's consent endpoint.
type AuthParams struct {
	AccessType           AccessType `json:"access_type"`
	Prompt               []string   `json:"prompt"`
	Scopes               []string   `json:"scopes"`
	LoginHint            string     `json:"login_hint,omitempty"`
	IncludeGrantedScopes bool       `json:"include_granted_scopes"`
}

// DefaultAuthParams returns the parameter defaults used when a query value
// is absent: online access, no prompt, incremental authorization enabled.
func DefaultAuthParams() AuthParams {
	return AuthParams{
		AccessType:           AccessTypeOnline,
		Prompt:               []string{PromptNone},
		IncludeGrantedScopes: true,
	}
}

// ParseAuthParams builds AuthParams from an /authorize query string.
func ParseAuthParams(query url.Values) (AuthParams, error) {
	params := DefaultAuthParams()

	accessType, err := ParseAccessType(query.Get("access_type"))
	if err != nil {
		return AuthParams{}, err
	}
	params.AccessType = accessType

	prompt, err := ParsePrompt(query.Get("prompt"))
	if err != nil {
		return AuthParams{}, err
	}
	params.Prompt = prompt

	if scope := strings.TrimSpace(query.Get("scope")); scope != "" {
		params.Scopes = strings.FieldsFunc(scope, func(r rune) bool {
			return r == ' ' || r == ','
		})
	}

	params.LoginHint = query.Get("login_hint")

	if v := query.Get("include_granted_scopes"); v != "" {
		switch v {
		case "true":
			params.IncludeGrantedScopes = true
		case "false":
			params.IncludeGrantedScopes = false
		default:
			return AuthParams{}, fmt.Errorf("invalid include_granted_scopes %q", v)
		}
	}

	return params, nil
}
