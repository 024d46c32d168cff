package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oauthlab/oidcflow/oidc"
)

func TestNewStore(t *testing.T) {
	t.Parallel()
	t.Run("valid", func(t *testing.T) {
		s, err := NewStore(NewMemStore())
		require.NoError(t, err)
		require.NotNil(t, s)
	})
	t.Run("nil-storer", func(t *testing.T) {
		_, err := NewStore(nil)
		require.ErrorIs(t, err, oidc.ErrNilParameter)
	})
}

func TestStore_SaveLoad(t *testing.T) {
	t.Parallel()

	t.Run("round-trip", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s, err := NewStore(NewMemStore())
		require.NoError(err)

		want := Credentials{
			IssuerURL:        "https://issuer.example.com",
			EnvironmentID:    "env-1",
			ClientID:         "client-1",
			ClientSecret:     "secret-1",
			RedirectURI:      "https://client.example.com/callback",
			Scopes:           []string{"openid", "profile"},
			ClientAuthMethod: oidc.ClientSecretBasic,
			ResponseType:     "code",
			GrantType:        "authorization_code",
		}
		require.NoError(s.Save("authcode", want))

		got, found, err := s.Load("authcode")
		require.NoError(err)
		require.True(found)
		assert.Equal(want, got)
	})
	t.Run("partial-save-merges", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s, err := NewStore(NewMemStore())
		require.NoError(err)

		require.NoError(s.Save("authcode", Credentials{
			IssuerURL: "https://issuer.example.com",
			ClientID:  "client-1",
		}))
		// only the secret is set: everything else keeps its value
		require.NoError(s.Save("authcode", Credentials{
			ClientSecret: "secret-1",
		}))

		got, found, err := s.Load("authcode")
		require.NoError(err)
		require.True(found)
		assert.Equal("https://issuer.example.com", got.IssuerURL)
		assert.Equal("client-1", got.ClientID)
		assert.Equal(oidc.ClientSecret("secret-1"), got.ClientSecret)
	})
	t.Run("field-level-last-writer-wins", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s, err := NewStore(NewMemStore())
		require.NoError(err)

		require.NoError(s.Save("authcode", Credentials{ClientID: "client-1"}))
		require.NoError(s.Save("authcode", Credentials{ClientID: "client-2"}))

		got, _, err := s.Load("authcode")
		require.NoError(err)
		assert.Equal("client-2", got.ClientID)
	})
	t.Run("missing-flow-key", func(t *testing.T) {
		require := require.New(t)
		s, err := NewStore(NewMemStore())
		require.NoError(err)

		require.ErrorIs(s.Save("", Credentials{}), oidc.ErrInvalidParameter)
		_, _, err = s.Load("")
		require.ErrorIs(err, oidc.ErrInvalidParameter)
	})
	t.Run("not-found", func(t *testing.T) {
		require := require.New(t)
		s, err := NewStore(NewMemStore())
		require.NoError(err)

		_, found, err := s.Load("authcode")
		require.NoError(err)
		require.False(found)
	})
	t.Run("malformed-record-treated-as-absent", func(t *testing.T) {
		require := require.New(t)
		storer := NewMemStore()
		require.NoError(storer.Set("creds/authcode", []byte("{not json")))
		s, err := NewStore(storer)
		require.NoError(err)

		_, found, err := s.Load("authcode")
		require.NoError(err)
		require.False(found)

		// and saving over it works
		require.NoError(s.Save("authcode", Credentials{ClientID: "client-1"}))
		got, found, err := s.Load("authcode")
		require.NoError(err)
		require.True(found)
		require.Equal("client-1", got.ClientID)
	})
}

func TestStore_SharedFields(t *testing.T) {
	t.Parallel()

	t.Run("fill-empty-fields-only", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s, err := NewStore(NewMemStore())
		require.NoError(err)

		require.NoError(s.Save("authcode", Credentials{
			IssuerURL:     "https://issuer.example.com",
			EnvironmentID: "env-1",
			ClientID:      "client-1",
			ClientSecret:  "secret-1",
		}))

		// a different flow with no credentials of its own sees the shared
		// issuer, environment and client id, but never the secret
		got, found, err := s.Load("device")
		require.NoError(err)
		assert.False(found)
		assert.Equal("https://issuer.example.com", got.IssuerURL)
		assert.Equal("env-1", got.EnvironmentID)
		assert.Equal("client-1", got.ClientID)
		assert.Empty(got.ClientSecret)
	})
	t.Run("explicit-values-never-overwritten", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s, err := NewStore(NewMemStore())
		require.NoError(err)

		require.NoError(s.Save("device", Credentials{ClientID: "device-client"}))
		require.NoError(s.Save("authcode", Credentials{
			IssuerURL: "https://issuer.example.com",
			ClientID:  "client-1",
		}))

		got, found, err := s.Load("device")
		require.NoError(err)
		require.True(found)
		assert.Equal("device-client", got.ClientID)
		assert.Equal("https://issuer.example.com", got.IssuerURL)
	})
	t.Run("clear-keeps-shared", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s, err := NewStore(NewMemStore())
		require.NoError(err)

		require.NoError(s.Save("authcode", Credentials{
			IssuerURL:    "https://issuer.example.com",
			ClientID:     "client-1",
			ClientSecret: "secret-1",
		}))
		require.NoError(s.Clear("authcode"))

		got, found, err := s.Load("authcode")
		require.NoError(err)
		assert.False(found)
		assert.Empty(got.ClientSecret)
		assert.Equal("https://issuer.example.com", got.IssuerURL)
		assert.Equal("client-1", got.ClientID)
	})
}

func TestStore_UpdatedAt(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	now := time.Now()
	s, err := NewStore(NewMemStore(), WithNowFunc(func() time.Time { return now }))
	require.NoError(err)

	_, ok, err := s.UpdatedAt("authcode")
	require.NoError(err)
	assert.False(ok)

	require.NoError(s.Save("authcode", Credentials{ClientID: "client-1"}))
	got, ok, err := s.UpdatedAt("authcode")
	require.NoError(err)
	require.True(ok)
	assert.WithinDuration(now, got, time.Second)
}
