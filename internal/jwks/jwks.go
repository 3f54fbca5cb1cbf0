// Package jwks wraps a set of remote JSON Web Key Set endpoints behind a
// refreshing cache, so signature verification never blocks on a network
// round trip in the common case and survives a provider's JWKS endpoint
// being briefly unreachable.
//
// The dependency on github.com/lestrrat-go/jwx/v2/jwk is carried from the
// rest of the retrieval pack's identity-provider stack; singleflight
// coalesces concurrent refreshes for a key that isn't cached yet so a burst
// of connections against a cold cache produces one fetch, not N.
package jwks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"

	"termgateway/internal/logger"
)

var log = logger.WithComponent("JWKS")

// Provider describes one trusted JWKS source.
type Provider struct {
	Name            string
	URL             string
	Issuer          string
	Audience        string
	RefreshInterval time.Duration
}

// Cache fetches and caches keys for every registered provider, keyed by
// provider name.
type Cache struct {
	jwkCache *jwk.Cache

	mu        sync.RWMutex
	providers map[string]Provider

	group singleflight.Group
}

// NewCache constructs an empty cache. Providers are added with Register.
func NewCache(ctx context.Context) *Cache {
	return &Cache{
		jwkCache:  jwk.NewCache(ctx),
		providers: make(map[string]Provider),
	}
}

// Register starts background refresh for a provider's JWKS endpoint and
// makes its keys available via Get. Safe to call multiple times for the
// same provider name to update its configuration.
func (c *Cache) Register(ctx context.Context, p Provider) error {
	interval := p.RefreshInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	if err := c.jwkCache.Register(p.URL, jwk.WithMinRefreshInterval(interval)); err != nil {
		return fmt.Errorf("jwks: register provider %s: %w", p.Name, err)
	}

	// Warm the cache synchronously so the first real request doesn't pay the
	// fetch latency, and so a misconfigured URL fails at startup. A failed
	// fetch is retried after 1s, 2s, 4s and 8s before Register gives up.
	var err error
	for _, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 0} {
		if _, err = c.jwkCache.Refresh(ctx, p.URL); err == nil || wait == 0 {
			break
		}
		log.Warn("initial JWKS fetch failed, retrying in %v | provider=%s err=%v", wait, p.Name, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("jwks: initial fetch for provider %s: %w", p.Name, ctx.Err())
		case <-time.After(wait):
		}
	}
	if err != nil {
		return fmt.Errorf("jwks: initial fetch for provider %s: %w", p.Name, err)
	}

	c.mu.Lock()
	c.providers[p.Name] = p
	c.mu.Unlock()

	log.Info("registered JWKS provider | name=%s url=%s issuer=%s", p.Name, p.URL, p.Issuer)
	return nil
}

// Provider returns the configuration for a registered provider.
func (c *Cache) Provider(name string) (Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[name]
	return p, ok
}

// ErrProviderNotFound means no provider was registered under that name.
type ErrProviderNotFound struct{ Name string }

func (e *ErrProviderNotFound) Error() string {
	return fmt.Sprintf("jwks: unknown provider %q", e.Name)
}

// ErrKeyNotFound means the provider's key set doesn't contain the requested
// kid, even after a forced refresh.
type ErrKeyNotFound struct {
	Provider string
	Kid      string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("jwks: key %q not found for provider %q", e.Kid, e.Provider)
}

// Key returns the public key for provider/kid, refreshing the set once (via
// singleflight, so concurrent lookups for the same provider share one
// refresh) if the kid isn't present in the cached set.
func (c *Cache) Key(ctx context.Context, providerName, kid string) (jwk.Key, error) {
	c.mu.RLock()
	p, ok := c.providers[providerName]
	c.mu.RUnlock()
	if !ok {
		return nil, &ErrProviderNotFound{Name: providerName}
	}

	set, err := c.jwkCache.Get(ctx, p.URL)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch key set for %s: %w", providerName, err)
	}

	if key, ok := set.LookupKeyID(kid); ok {
		return key, nil
	}

	refreshed, err, _ := c.group.Do(providerName, func() (any, error) {
		return c.jwkCache.Refresh(ctx, p.URL)
	})
	if err != nil {
		log.Warn("JWKS refresh failed, serving stale set | provider=%s err=%v", providerName, err)
		return nil, &ErrKeyNotFound{Provider: providerName, Kid: kid}
	}

	refreshedSet := refreshed.(jwk.Set)
	if key, ok := refreshedSet.LookupKeyID(kid); ok {
		return key, nil
	}

	return nil, &ErrKeyNotFound{Provider: providerName, Kid: kid}
}
