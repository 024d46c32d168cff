package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oauthlab/oidcflow/oidc"
)

func TestMemStore(t *testing.T) {
	t.Parallel()

	t.Run("get-set-remove", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		m := NewMemStore()

		_, ok, err := m.Get("k")
		require.NoError(err)
		assert.False(ok)

		require.NoError(m.Set("k", []byte("v")))
		got, ok, err := m.Get("k")
		require.NoError(err)
		require.True(ok)
		assert.Equal([]byte("v"), got)

		require.NoError(m.Set("k", []byte("v2")))
		got, _, err = m.Get("k")
		require.NoError(err)
		assert.Equal([]byte("v2"), got)

		require.NoError(m.Remove("k"))
		_, ok, err = m.Get("k")
		require.NoError(err)
		assert.False(ok)

		// removing an absent key is not an error
		require.NoError(m.Remove("k"))
	})
	t.Run("copies-values", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		m := NewMemStore()

		v := []byte("original")
		require.NoError(m.Set("k", v))
		v[0] = 'X'

		got, _, err := m.Get("k")
		require.NoError(err)
		assert.Equal([]byte("original"), got)

		got[0] = 'Y'
		again, _, err := m.Get("k")
		require.NoError(err)
		assert.Equal([]byte("original"), again)
	})
	t.Run("empty-key", func(t *testing.T) {
		require := require.New(t)
		m := NewMemStore()

		_, _, err := m.Get("")
		require.ErrorIs(err, oidc.ErrInvalidParameter)
		require.ErrorIs(m.Set("", nil), oidc.ErrInvalidParameter)
		require.ErrorIs(m.Remove(""), oidc.ErrInvalidParameter)
	})
}
