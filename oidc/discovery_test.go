package oidc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryCache(t *testing.T) {
	t.Parallel()
	now := time.Now()
	nowFn := func() time.Time { return now }

	c := &discoveryCache{entries: map[string]*discoveryEntry{}}

	_, ok := c.get("https://example.com", DefaultDiscoveryTTL, nowFn)
	require.False(t, ok)

	e := &discoveryEntry{
		info:      DiscoveryInfo{Issuer: "https://example.com"},
		fetchedAt: now,
	}
	c.set("https://example.com", e)

	t.Run("fresh-hit", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, ok := c.get("https://example.com", DefaultDiscoveryTTL, nowFn)
		require.True(ok)
		assert.Equal("https://example.com", got.info.Issuer)
	})
	t.Run("expired-entry-evicted", func(t *testing.T) {
		require := require.New(t)
		later := func() time.Time { return now.Add(DefaultDiscoveryTTL + time.Second) }
		_, ok := c.get("https://example.com", DefaultDiscoveryTTL, later)
		require.False(ok)

		// the stale entry is gone even for a caller back at the old clock
		_, ok = c.get("https://example.com", DefaultDiscoveryTTL, nowFn)
		require.False(ok)
	})
	t.Run("remove", func(t *testing.T) {
		require := require.New(t)
		c.set("https://example.com", e)
		c.remove("https://example.com")
		_, ok := c.get("https://example.com", DefaultDiscoveryTTL, nowFn)
		require.False(ok)
	})
}
