package idtoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fireauth2/fireauth2/internal/log"
	"golang.org/x/sync/singleflight"
)

// GoogleJWKSURL is Google's published JSON Web Key Set endpoint for
// OAuth 2.0 ID tokens.
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

const defaultKeyTTL = time.Hour

// Keyset caches Google's signing keys, refreshing them when the cache
// expires or an unknown key ID is requested. Concurrent refreshes collapse
// into a single upstream fetch.
type Keyset struct {
	url        string
	httpClient *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time

	group singleflight.Group
}

// NewKeyset creates a key cache backed by the given JWKS endpoint.
func NewKeyset(url string) *Keyset {
	return &Keyset{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Key returns the RSA public key for kid, fetching the key set if needed.
func (k *Keyset) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	key, ok := k.keys[kid]
	fresh := time.Now().Before(k.expiresAt)
	k.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}

	// Collapse concurrent refreshes; every waiter shares one fetch.
	_, err, _ := k.group.Do("refresh", func() (any, error) {
		return nil, k.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	key, ok = k.keys[kid]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no key with id %q in key set", kid)
	}
	return key, nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

func (k *Keyset) refresh(ctx context.Context) error {
	var lastErr error
	// The fetch is idempotent and gets a single bounded retry.
	for attempt := 0; attempt < 2; attempt++ {
		if err := k.fetchOnce(ctx); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return err
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (k *Keyset) fetchOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return fmt.Errorf("build key set request: %w", err)
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch key set: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key set endpoint returned status %d", resp.StatusCode)
	}

	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, key := range set.Keys {
		if key.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAKey(key)
		if err != nil {
			log.LogWarnWithFields("idtoken", "Skipping unparseable key in key set", map[string]any{
				"kid":   key.Kid,
				"error": err.Error(),
			})
			continue
		}
		keys[key.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("key set contains no usable RSA keys")
	}

	ttl := cacheTTL(resp.Header.Get("Cache-Control"))

	k.mu.Lock()
	k.keys = keys
	k.expiresAt = time.Now().Add(ttl)
	k.mu.Unlock()

	log.LogDebugWithFields("idtoken", "Refreshed signing key set", map[string]any{
		"keys": len(keys),
		"ttl":  ttl.String(),
	})
	return nil
}

func parseRSAKey(key jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, fmt.Errorf("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// cacheTTL extracts max-age from a Cache-Control header, falling back to a
// fixed TTL when absent.
func cacheTTL(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return defaultKeyTTL
}
