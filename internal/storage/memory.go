package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory CredentialStore for tests and local
// development. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

var _ CredentialStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*Credential)}
}

func (s *MemoryStore) Get(_ context.Context, sub string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[sub]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	cp := *cred
	return &cp, nil
}

func (s *MemoryStore) Set(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[cred.Sub] = stamped(cred)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sub string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, sub)
	return nil
}
