// Package dnscache provides a small TTL-bounded DNS resolution cache
// shared across hosts in a session (spec §5/§6).
package dnscache

import (
	"context"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Resolver resolves hostnames to IP addresses; satisfied by
// *net.Resolver in production and fakeable in tests.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Cache memoizes LookupHost results for ttl.
type Cache struct {
	resolver Resolver
	cache    *lru.LRU[string, []string]
}

// New builds a Cache backed by resolver (net.DefaultResolver if nil),
// holding up to maxEntries hosts for ttl.
func New(resolver Resolver, ttl time.Duration, maxEntries int) *Cache {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &Cache{
		resolver: resolver,
		cache:    lru.NewLRU[string, []string](maxEntries, nil, ttl),
	}
}

// Lookup returns the cached addresses for host, resolving and caching
// on a miss.
func (c *Cache) Lookup(ctx context.Context, host string) ([]string, error) {
	if addrs, ok := c.cache.Get(host); ok {
		return addrs, nil
	}
	addrs, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	c.cache.Add(host, addrs)
	return addrs, nil
}

// Purge evicts every cached entry.
func (c *Cache) Purge() {
	c.cache.Purge()
}

// DialContext wraps dialer.DialContext so every outbound connection
// resolves its host through the cache first, falling back to the
// dialer's own resolution on a cache/lookup failure rather than
// failing the dial outright.
func (c *Cache) DialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		addrs, err := c.Lookup(ctx, host)
		if err != nil || len(addrs) == 0 {
			return dialer.DialContext(ctx, network, addr)
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0], port))
	}
}
