// Package secrets resolves provider credentials. Secret storage and
// encryption at rest live outside the engine; the engine only consumes
// the lookup contract.
package secrets

import (
	"context"
	"os"
	"sync"
)

// Store is the credential lookup contract. Get returns "" for an
// unknown name rather than an error.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
}

// Resolve applies the credential precedence used at session start:
// process environment first, then the store. Returns "" when neither
// is configured.
func Resolve(ctx context.Context, store Store, name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	if store == nil {
		return ""
	}
	v, err := store.Get(ctx, name)
	if err != nil {
		return ""
	}
	return v
}

// EnvStore resolves nothing of its own; with Resolve it means
// "environment only".
type EnvStore struct{}

func (EnvStore) Get(ctx context.Context, name string) (string, error) {
	return "", nil
}

// StaticStore serves secrets from a fixed map. Used for tests and
// single-tenant bootstrap.
type StaticStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStaticStore(values map[string]string) *StaticStore {
	m := make(map[string]string, len(values))
	for k, v := range values {
		m[k] = v
	}
	return &StaticStore{values: m}
}

func (s *StaticStore) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[name], nil
}

func (s *StaticStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}
