// Package storage persists the mapping from a Google subject to the refresh
// token the relay holds for it.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrCredentialNotFound is returned when no credential exists for a subject.
var ErrCredentialNotFound = errors.New("credential not found")

// Credential is the stored grant for one Google account. One credential
// exists per subject; concurrent writes resolve last-write-wins.
type Credential struct {
	// Sub is the Google subject identifier and the storage key.
	Sub string `firestore:"-" json:"sub"`

	RefreshToken string    `firestore:"refreshToken" json:"refreshToken"`
	Email        string    `firestore:"email" json:"email"`
	Scopes       []string  `firestore:"scope" json:"scope"`
	UpdatedAt    time.Time `firestore:"updatedAt" json:"updatedAt"`
}

// CredentialStore manages stored credentials. Only the callback and
// revocation flows mutate it; credentials are never handed to clients.
type CredentialStore interface {
	// Get returns the credential for sub, or ErrCredentialNotFound.
	Get(ctx context.Context, sub string) (*Credential, error)

	// Set creates or replaces the credential for cred.Sub.
	Set(ctx context.Context, cred *Credential) error

	// Delete removes the credential for sub. Deleting a missing
	// credential is not an error.
	Delete(ctx context.Context, sub string) error
}

// stamped returns a copy of cred with UpdatedAt set. Stores write the copy
// so Set never mutates the caller's value.
func stamped(cred *Credential) *Credential {
	cp := *cred
	cp.UpdatedAt = time.Now().UTC()
	return &cp
}
