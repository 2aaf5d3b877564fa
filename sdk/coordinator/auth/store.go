package auth

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Persister is the durable backend behind a CredentialStore.
// Implementations must write with owner-only permissions where the medium supports it.
type Persister interface {
	// Load returns every persisted credential keyed by provider.
	Load(ctx context.Context) (map[string]Credential, error)
	// Save replaces the credential for provider atomically.
	Save(ctx context.Context, provider string, cred Credential) error
	// Delete removes the credential for provider. Missing entries are not an error.
	Delete(ctx context.Context, provider string) error
}

// CredentialStore holds the known credential per provider.
// Readers see an immutable snapshot; writers persist first, then swap the snapshot.
type CredentialStore struct {
	persister Persister
	writeMu   sync.Mutex
	snapshot  atomic.Pointer[map[string]Credential]
}

// NewCredentialStore constructs a store. A nil persister keeps credentials in memory only.
func NewCredentialStore(p Persister) *CredentialStore {
	s := &CredentialStore{persister: p}
	empty := make(map[string]Credential)
	s.snapshot.Store(&empty)
	return s
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// Load replaces the in-memory state with the backend contents.
func (s *CredentialStore) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	items, err := s.persister.Load(ctx)
	if err != nil {
		return NewError(ErrStorage, "", err)
	}
	next := make(map[string]Credential, len(items))
	for provider, cred := range items {
		key := normalizeProvider(provider)
		if key == "" || cred == nil {
			continue
		}
		if existing, ok := (*s.snapshot.Load())[key]; ok && sameCredential(existing, cred) {
			cred = existing
		}
		next[key] = cred
	}
	s.snapshot.Store(&next)
	log.WithField(FieldCount, len(next)).Debug("credential store loaded")
	return nil
}

// Get returns the credential for provider.
func (s *CredentialStore) Get(provider string) (Credential, bool) {
	cur := *s.snapshot.Load()
	cred, ok := cur[normalizeProvider(provider)]
	return cred, ok
}

// All returns a copy of the provider to credential mapping.
func (s *CredentialStore) All() map[string]Credential {
	cur := *s.snapshot.Load()
	out := make(map[string]Credential, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// Set stores cred for provider, overwriting any existing credential.
func (s *CredentialStore) Set(ctx context.Context, provider string, cred Credential) error {
	key := normalizeProvider(provider)
	if key == "" || cred == nil {
		return NewError(ErrStorage, provider, errInvalidEntry)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.persister != nil {
		if err := s.persister.Save(ctx, key, cred); err != nil {
			return NewError(ErrStorage, key, err)
		}
	}
	s.swap(func(m map[string]Credential) { m[key] = cred })
	log.WithFields(log.Fields{FieldProvider: key, FieldKind: cred.Kind()}).Debug("credential stored")
	return nil
}

// CompareAndSet stores next only when the current credential still holds the same
// values as prev. It reports whether the swap happened.
func (s *CredentialStore) CompareAndSet(ctx context.Context, provider string, prev, next Credential) (bool, error) {
	key := normalizeProvider(provider)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if cur, ok := (*s.snapshot.Load())[key]; !ok || !sameCredential(cur, prev) {
		return false, nil
	}
	if s.persister != nil {
		if err := s.persister.Save(ctx, key, next); err != nil {
			return false, NewError(ErrStorage, key, err)
		}
	}
	s.swap(func(m map[string]Credential) { m[key] = next })
	return true, nil
}

// Remove deletes the credential for provider.
func (s *CredentialStore) Remove(ctx context.Context, provider string) error {
	key := normalizeProvider(provider)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.persister != nil {
		if err := s.persister.Delete(ctx, key); err != nil {
			return NewError(ErrStorage, key, err)
		}
	}
	s.swap(func(m map[string]Credential) { delete(m, key) })
	log.WithField(FieldProvider, key).Debug("credential removed")
	return nil
}

// swap must be called with writeMu held.
func (s *CredentialStore) swap(mutate func(map[string]Credential)) {
	cur := *s.snapshot.Load()
	next := make(map[string]Credential, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	mutate(next)
	s.snapshot.Store(&next)
}

type storeError string

func (e storeError) Error() string { return string(e) }

const errInvalidEntry = storeError("provider and credential are required")

// sameCredential compares the persisted form of a and b, so a reload that decoded
// unchanged data still matches.
func sameCredential(a, b Credential) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	ra, errA := EncodeRecord(a)
	rb, errB := EncodeRecord(b)
	if errA != nil || errB != nil {
		return false
	}
	if (ra.ExpiresAt == nil) != (rb.ExpiresAt == nil) {
		return false
	}
	if ra.ExpiresAt != nil && !ra.ExpiresAt.Equal(*rb.ExpiresAt) {
		return false
	}
	ra.ExpiresAt, rb.ExpiresAt = nil, nil
	return ra == rb
}
