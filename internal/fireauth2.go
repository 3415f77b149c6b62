package internal

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fireauth2/fireauth2/internal/auth"
	"github.com/fireauth2/fireauth2/internal/config"
	"github.com/fireauth2/fireauth2/internal/cookie"
	"github.com/fireauth2/fireauth2/internal/crypto"
	"github.com/fireauth2/fireauth2/internal/firebaseauth"
	"github.com/fireauth2/fireauth2/internal/googleauth"
	"github.com/fireauth2/fireauth2/internal/idtoken"
	"github.com/fireauth2/fireauth2/internal/log"
	"github.com/fireauth2/fireauth2/internal/server"
	"github.com/fireauth2/fireauth2/internal/session"
	"github.com/fireauth2/fireauth2/internal/storage"
)

// FireAuth2 represents the complete OAuth relay application
type FireAuth2 struct {
	config     *config.Config
	httpServer *server.HTTPServer
	store      *storage.FirestoreStore
}

// NewFireAuth2 creates the relay application with all dependencies built
func NewFireAuth2(ctx context.Context, cfg *config.Config) (*FireAuth2, error) {
	log.LogInfoWithFields("fireauth2", "Building OAuth relay application", map[string]any{
		"project":  cfg.Google.ProjectID,
		"callback": cfg.CallbackPath,
	})

	if len(cfg.Google.RedirectURIs) == 0 {
		return nil, fmt.Errorf("google client config: at least one redirect URI is required")
	}

	store, err := storage.NewFirestoreStore(ctx, cfg.Google.ProjectID,
		cfg.FirestoreCollection, cfg.ServiceAccountCredsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to setup credential store: %w", err)
	}

	// The session signing key is derived from the client secret so no extra
	// secret needs provisioning. The info string domain-separates it.
	signingKey, err := crypto.DeriveKey([]byte(cfg.Google.ClientSecret), "fireauth2-session")
	if err != nil {
		return nil, fmt.Errorf("failed to derive session signing key: %w", err)
	}

	client := googleauth.NewClient(cfg.Google).WithRedirectURL(cfg.Google.RedirectURIs[0])
	verifier := idtoken.NewVerifier(idtoken.NewKeyset(idtoken.GoogleJWKSURL), cfg.Google.ClientID)
	codec := session.NewCodec(signingKey, cfg.CookieMaxAge)

	svc := auth.NewService(client, verifier, store, codec,
		cfg.Google.JavascriptOrigins, cfg.RevokeExistingTokens)

	cookies := cookie.NewManager(cfg.CookieName, cfg.CookieMaxAge, true)
	handlers := server.NewHandlers(svc, cookies)
	firebase := firebaseauth.NewVerifier(cfg.Google.ProjectID)

	router := server.NewRouter(handlers, firebase, cfg.CallbackPath)
	httpServer := server.NewHTTPServer(router, cfg.Addr())

	return &FireAuth2{
		config:     cfg,
		httpServer: httpServer,
		store:      store,
	}, nil
}

// Run starts the relay and blocks until shutdown
func (f *FireAuth2) Run() error {
	log.LogInfoWithFields("fireauth2", "Starting OAuth relay", map[string]any{
		"addr": f.config.Addr(),
	})

	errChan := make(chan error, 1)
	go func() {
		if err := f.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("fireauth2", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("fireauth2", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("fireauth2", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	if err := f.store.Close(); err != nil {
		log.LogWarnWithFields("fireauth2", "Failed to close credential store", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("fireauth2", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return nil
}
