package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fireauth2/fireauth2/internal/firebaseauth"
	jsonwriter "github.com/fireauth2/fireauth2/internal/json"
	"github.com/fireauth2/fireauth2/internal/log"
)

type contextKey string

const (
	requestIDKey    contextKey = "request_id"
	firebaseUserKey contextKey = "firebase_user"
)

// FirebaseVerifier validates Firebase bearer tokens. *firebaseauth.Verifier
// satisfies it.
type FirebaseVerifier interface {
	Verify(ctx context.Context, rawToken string) (*firebaseauth.User, error)
}

// requestIDMiddleware tags each request with an ID for log correlation.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestID returns the request ID injected by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		log.LogInfoWithFields("http", "Request handled", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  RequestID(r.Context()),
		})
	})
}

// firebaseAuthMiddleware rejects requests without a valid Firebase bearer
// token and stores the verified user in the request context.
func firebaseAuthMiddleware(verifier FirebaseVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				jsonwriter.WriteUnauthorized(w, "Missing bearer token")
				return
			}

			user, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				log.LogDebugWithFields("http", "Firebase token rejected", map[string]any{
					"error":      err.Error(),
					"request_id": RequestID(r.Context()),
				})
				jsonwriter.WriteUnauthorized(w, "Invalid bearer token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), firebaseUserKey, user)))
		})
	}
}

// FirebaseUser returns the authenticated user stored by the middleware.
func FirebaseUser(ctx context.Context) (*firebaseauth.User, bool) {
	user, ok := ctx.Value(firebaseUserKey).(*firebaseauth.User)
	return user, ok
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return header[len(prefix):]
}

// rateLimiter throttles per client IP. Stale entries are evicted inline
// during allow so the map does not grow without bound and no background
// goroutine is needed.
type rateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	rps       rate.Limit
	burst     int
	lastEvict time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	evictInterval = time.Minute
	evictAfter    = 3 * time.Minute
)

func newRateLimiter(rps rate.Limit, burst int) *rateLimiter {
	return &rateLimiter{
		clients:   make(map[string]*clientLimiter),
		rps:       rps,
		burst:     burst,
		lastEvict: time.Now(),
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastEvict) > evictInterval {
		for addr, client := range rl.clients {
			if now.Sub(client.lastSeen) > evictAfter {
				delete(rl.clients, addr)
			}
		}
		rl.lastEvict = now
	}

	client, ok := rl.clients[ip]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[ip] = client
	}
	client.lastSeen = now
	return client.limiter.Allow()
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.allow(ip) {
			jsonwriter.WriteError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
