package oidc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// DefaultDiscoveryTTL is the default time a fetched discovery document is
// reused before it's fetched again from the issuer.
const DefaultDiscoveryTTL = 5 * time.Minute

// DiscoveryInfo represents the set of discovery document fields consumed
// from an issuer's /.well-known/openid-configuration endpoint.
// See: https://openid.net/specs/openid-connect-discovery-1_0.html
type DiscoveryInfo struct {
	Issuer        string `json:"issuer"`
	AuthURL       string `json:"authorization_endpoint"`
	TokenURL      string `json:"token_endpoint"`
	UserInfoURL   string `json:"userinfo_endpoint"`
	JWKSURL       string `json:"jwks_uri"`
	DeviceAuthURL string `json:"device_authorization_endpoint"`
	PushedAuthURL string `json:"pushed_authorization_request_endpoint"`
}

// discoveryEntry is a cached discovery result for one issuer.
type discoveryEntry struct {
	provider  *oidc.Provider
	info      DiscoveryInfo
	fetchedAt time.Time
}

// discoveryCache caches discovery results per issuer with a TTL, so starting
// several flows against the same issuer doesn't re-fetch the document (and
// re-create the remote JWKS key set) every time.
type discoveryCache struct {
	mu      sync.Mutex
	entries map[string]*discoveryEntry
}

// sharedDiscoveryCache is shared by every Provider that doesn't opt out via
// WithoutDiscoveryCache.
var sharedDiscoveryCache = &discoveryCache{
	entries: map[string]*discoveryEntry{},
}

// get returns a cached entry for the issuer if it's fresher than ttl.
func (c *discoveryCache) get(issuer string, ttl time.Duration, now func() time.Time) (*discoveryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[issuer]
	if !ok {
		return nil, false
	}
	if now().Sub(e.fetchedAt) > ttl {
		delete(c.entries, issuer)
		return nil, false
	}
	return e, true
}

// set stores an entry for the issuer.
func (c *discoveryCache) set(issuer string, e *discoveryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[issuer] = e
}

// remove drops any cached entry for the issuer.
func (c *discoveryCache) remove(issuer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, issuer)
}

// discover fetches the issuer's discovery document (going through the cache
// unless it's nil), verifying that the document's issuer matches the
// requested issuer which mitigates provider mix-up attacks.  The coreos
// go-oidc package performs that issuer check during NewProvider.
func discover(ctx context.Context, cache *discoveryCache, issuer string, client *http.Client, ttl time.Duration, now func() time.Time) (*oidc.Provider, DiscoveryInfo, error) {
	const op = "oidc.discover"
	if cache != nil {
		if e, ok := cache.get(issuer, ttl, now); ok {
			return e.provider, e.info, nil
		}
	}
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), issuer)
	if err != nil {
		return nil, DiscoveryInfo{}, fmt.Errorf("%s: unable to fetch discovery document: %s: %w", op, err, ErrDiscoveryFailed)
	}
	var info DiscoveryInfo
	if err := provider.Claims(&info); err != nil {
		return nil, DiscoveryInfo{}, fmt.Errorf("%s: unable to decode discovery document: %s: %w", op, err, ErrDiscoveryFailed)
	}
	if info.Issuer != issuer {
		return nil, DiscoveryInfo{}, fmt.Errorf("%s: discovery document issuer %q doesn't match requested issuer %q: %w", op, info.Issuer, issuer, ErrInvalidIssuer)
	}
	if cache != nil {
		cache.set(issuer, &discoveryEntry{
			provider:  provider,
			info:      info,
			fetchedAt: now(),
		})
	}
	return provider, info, nil
}
