package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrSecretNotFound is returned by a SecretSource that has no value for a
// name.
var ErrSecretNotFound = errors.New("security: secret not found")

// SecretSource resolves named secret strings.
type SecretSource interface {
	SecretString(ctx context.Context, name string) (string, error)
}

// StaticSecretSource serves secrets from a fixed map. It backs local runs and
// tests.
type StaticSecretSource map[string]string

func (s StaticSecretSource) SecretString(_ context.Context, name string) (string, error) {
	value, ok := s[strings.TrimSpace(name)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
}

// CachedSecretSource memoizes a remote source for ttl. A non-positive ttl
// caches for the life of the process. Misses are not cached.
type CachedSecretSource struct {
	base SecretSource
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedSecret
}

func NewCachedSecretSource(base SecretSource, ttl time.Duration) (*CachedSecretSource, error) {
	if base == nil {
		return nil, fmt.Errorf("security: base secret source is required")
	}
	return &CachedSecretSource{
		base:    base,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		entries: map[string]cachedSecret{},
	}, nil
}

func (c *CachedSecretSource) SecretString(ctx context.Context, name string) (string, error) {
	if c == nil || c.base == nil {
		return "", fmt.Errorf("security: secret source is not configured")
	}
	name = strings.TrimSpace(name)
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if ok && (c.ttl <= 0 || now.Sub(entry.fetchedAt) < c.ttl) {
		return entry.value, nil
	}

	value, err := c.base.SecretString(ctx, name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[name] = cachedSecret{value: value, fetchedAt: now}
	c.mu.Unlock()
	return value, nil
}

// Invalidate drops name from the cache, or everything when name is empty.
func (c *CachedSecretSource) Invalidate(name string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		c.entries = map[string]cachedSecret{}
		return
	}
	delete(c.entries, strings.TrimSpace(name))
}
