package github

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/gitpond/lfs-server/internal/module/auth"
)

// Cache tuning defaults.
const (
	DefaultTokenMaxSize = 32
	DefaultAuthMaxSize  = 32
	DefaultAuthWriteTTL = 15 * time.Minute
	DefaultAuthOtherTTL = 30 * time.Second

	// proxyMinTTL is the floor applied to read-proxy entries, so a freshly
	// resolved permission survives until at least one authoritative read.
	proxyMinTTL = 60 * time.Second
)

// CacheConfig tunes the authenticator's cache layers.
type CacheConfig struct {
	// TokenMaxSize bounds the token to identity LRU.
	TokenMaxSize int `mapstructure:"token_max_size"`
	// AuthMaxSize bounds each identity's org/repo authorization cache.
	AuthMaxSize int `mapstructure:"auth_max_size"`
	// AuthWriteTTL is the lifetime of write-capable authorizations.
	AuthWriteTTL time.Duration `mapstructure:"auth_write_ttl"`
	// AuthOtherTTL is the lifetime of read-only and denied authorizations.
	// Kept short so denied callers don't stay locked out, and so they can't
	// hammer the GitHub API either.
	AuthOtherTTL time.Duration `mapstructure:"auth_other_ttl"`
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.TokenMaxSize <= 0 {
		c.TokenMaxSize = DefaultTokenMaxSize
	}
	if c.AuthMaxSize <= 0 {
		c.AuthMaxSize = DefaultAuthMaxSize
	}
	if c.AuthWriteTTL <= 0 {
		c.AuthWriteTTL = DefaultAuthWriteTTL
	}
	if c.AuthOtherTTL <= 0 {
		c.AuthOtherTTL = DefaultAuthOtherTTL
	}
	return c
}

type permissionEntry struct {
	permissions auth.PermissionSet
	expiresAt   time.Time
}

// authzCache is one identity's two-tier cache of org/repo permission sets.
//
// The main cache is a bounded LRU with per-entry TTL derived from the
// permission set. The read proxy is an unbounded TTL cache fronting it:
// authorization results land in the proxy first, and an authoritative read
// (the real permission check for a request) pops the entry from the proxy
// and promotes it into the main cache. This guarantees the check that
// triggered an authorization observes its result even when the main cache
// is full and busy evicting.
type authzCache struct {
	proxy    *gocache.Cache
	main     *lru.Cache[authzKey, permissionEntry]
	maxSize  int
	writeTTL time.Duration
	otherTTL time.Duration
}

// authzKey addresses a permission set. Repo is empty for org-wide grants.
type authzKey struct {
	org  string
	repo string
}

func (k authzKey) proxyKey() string {
	return k.org + "\x00" + k.repo
}

func newAuthzCache(cfg CacheConfig) *authzCache {
	main, _ := lru.New[authzKey, permissionEntry](cfg.AuthMaxSize)
	return &authzCache{
		proxy:    gocache.New(gocache.NoExpiration, 5*time.Minute),
		main:     main,
		maxSize:  cfg.AuthMaxSize,
		writeTTL: cfg.AuthWriteTTL,
		otherTTL: cfg.AuthOtherTTL,
	}
}

// ttl returns the cache lifetime appropriate for a permission set.
func (c *authzCache) ttl(permissions auth.PermissionSet) time.Duration {
	if permissions.CanWrite() {
		return c.writeTTL
	}
	return c.otherTTL
}

// set stores a resolved permission set. Casual entries (discovered as a side
// effect while looking for something else) go straight into the main cache
// with no delivery guarantee; authoritative results go through the read
// proxy.
func (c *authzCache) set(org, repo string, permissions auth.PermissionSet, casual bool) {
	if permissions == nil {
		permissions = auth.NewPermissionSet()
	}
	key := authzKey{org: org, repo: repo}
	if casual {
		c.main.Add(key, permissionEntry{
			permissions: permissions,
			expiresAt:   time.Now().Add(c.ttl(permissions)),
		})
		return
	}
	c.proxy.Set(key.proxyKey(), permissions, max(c.ttl(permissions), proxyMinTTL))
}

// get returns the cached permission set for an org/repo, if present and not
// expired. An authoritative read pops a proxy hit and promotes it into the
// main cache.
func (c *authzCache) get(org, repo string, authoritative bool) (auth.PermissionSet, bool) {
	key := authzKey{org: org, repo: repo}

	if value, ok := c.proxy.Get(key.proxyKey()); ok {
		permissions := value.(auth.PermissionSet)
		if authoritative {
			c.proxy.Delete(key.proxyKey())
			c.main.Add(key, permissionEntry{
				permissions: permissions,
				expiresAt:   time.Now().Add(c.ttl(permissions)),
			})
		}
		return permissions, true
	}

	entry, ok := c.main.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.main.Remove(key)
		return nil, false
	}
	return entry.permissions, true
}

// freeSpace returns how many entries can still be casually cached while
// leaving room for the one authoritative result.
func (c *authzCache) freeSpace() int {
	free := c.maxSize - c.main.Len() - 1
	if free < 0 {
		return 0
	}
	return free
}
