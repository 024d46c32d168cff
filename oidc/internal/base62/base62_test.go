package base62

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandom(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		got, err := Random(20)
		require.NoError(t, err)
		assert.Len(t, got, 20)
		assert.False(t, seen[got], "generated a duplicate random string")
		seen[got] = true
	}
}

func TestRandom_ZeroLength(t *testing.T) {
	t.Parallel()
	got, err := Random(0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
