package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cacheEntry struct {
	identity *Identity
	expires  time.Time
}

// Cache resolves bearer credentials to identities, caching successful
// resolutions per username with a TTL. It owns its own lock discipline and
// lifecycle: construct at process start, Close on shutdown, inject where
// needed. Never ambient global state.
type Cache struct {
	verifier *Verifier
	backend  Backend
	grants   RoleGrants
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	// group guarantees exactly one backend re-resolution per username
	// when an entry expires under concurrent lookups.
	group singleflight.Group

	stop     chan struct{}
	stopOnce sync.Once

	hits   func()
	misses func()
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Grants        RoleGrants

	// OnHit and OnMiss are optional metrics hooks.
	OnHit  func()
	OnMiss func()
}

// NewCache builds the credential cache and starts its background sweep.
func NewCache(verifier *Verifier, backend Backend, opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Grants == nil {
		opts.Grants = DefaultRoleGrants()
	}
	noop := func() {}
	if opts.OnHit == nil {
		opts.OnHit = noop
	}
	if opts.OnMiss == nil {
		opts.OnMiss = noop
	}

	c := &Cache{
		verifier: verifier,
		backend:  backend,
		grants:   opts.Grants,
		ttl:      opts.TTL,
		entries:  make(map[string]cacheEntry),
		stop:     make(chan struct{}),
		hits:     opts.OnHit,
		misses:   opts.OnMiss,
	}
	go c.sweep(opts.SweepInterval)
	return c
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Authenticate verifies the bearer credential and returns the resolved
// identity. Within the TTL the cached identity is returned without a
// backend call; after expiry the next call transparently re-resolves.
func (c *Cache) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	username, err := c.verifier.Verify(credential)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	entry, ok := c.entries[username]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		c.hits()
		return entry.identity, nil
	}
	c.misses()

	v, err, _ := c.group.Do(username, func() (any, error) {
		// Re-check under the flight: another caller may have refreshed
		// the entry while we waited.
		c.mu.RLock()
		entry, ok := c.entries[username]
		c.mu.RUnlock()
		if ok && time.Now().Before(entry.expires) {
			return entry.identity, nil
		}
		return c.resolve(ctx, username)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Identity), nil
}

func (c *Cache) resolve(ctx context.Context, username string) (*Identity, error) {
	record, err := c.backend.Resolve(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", ErrAuthBackendUnavailable, username, err)
	}
	if !record.Active || record.Username == "" {
		return nil, fmt.Errorf("%w: user %s not found or inactive", ErrInvalidCredential, username)
	}

	identity := &Identity{
		Username:     record.Username,
		DisplayName:  record.DisplayName,
		Groups:       record.Groups,
		Capabilities: c.grants.ResolveCapabilities(record.Groups),
	}

	c.mu.Lock()
	c.entries[username] = cacheEntry{identity: identity, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return identity, nil
}

// Authorize reports whether the identity holds the capability.
// Deny-by-default: nil identities and unknown capabilities are denied.
func (c *Cache) Authorize(identity *Identity, cap Capability) bool {
	return identity.Can(cap)
}

// Invalidate removes a single user's cached entry immediately, e.g. after
// a permission change.
func (c *Cache) Invalidate(username string) {
	c.mu.Lock()
	delete(c.entries, username)
	c.mu.Unlock()
}

// InvalidateAll clears the cache, e.g. on signing-key rotation.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len returns the number of cached entries (expired or not).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// sweep periodically removes expired entries so the cache stays bounded
// even without lookup traffic.
func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			removed := 0
			c.mu.Lock()
			for username, entry := range c.entries {
				if now.After(entry.expires) {
					delete(c.entries, username)
					removed++
				}
			}
			c.mu.Unlock()
			if removed > 0 {
				slog.Debug("credential cache sweep", "removed", removed)
			}
		case <-c.stop:
			return
		}
	}
}
