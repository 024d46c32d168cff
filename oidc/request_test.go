package oidc

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestNewRequest(t *testing.T) {
	t.Parallel()
	t.Run("defaults", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r, err := NewRequest(2*time.Minute, "https://example.com/callback")
		require.NoError(err)
		assert.NotEmpty(r.State())
		assert.NotEmpty(r.Nonce())
		assert.NotEqual(r.State(), r.Nonce())
		// generated state and nonce must each carry at least 128 bits of
		// entropy (the "st_"/"n_" prefixes contribute none).
		for _, id := range []string{r.State(), r.Nonce()} {
			chars := len(id[strings.Index(id, "_")+1:])
			assert.GreaterOrEqual(float64(chars)*math.Log2(62), 128.0)
		}
		assert.Equal("https://example.com/callback", r.RedirectURL())
		assert.False(r.IsExpired())
		useImplicit, _ := r.ImplicitFlow()
		assert.False(useImplicit)
		assert.False(r.HybridFlow())
		assert.Nil(r.PKCEVerifier())
	})
	t.Run("generated-states-are-unique", func(t *testing.T) {
		require := require.New(t)
		r1, err := NewRequest(time.Minute, "https://example.com/callback")
		require.NoError(err)
		r2, err := NewRequest(time.Minute, "https://example.com/callback")
		require.NoError(err)
		require.NotEqual(r1.State(), r2.State())
		require.NotEqual(r1.Nonce(), r2.Nonce())
	})
	t.Run("expired", func(t *testing.T) {
		require := require.New(t)
		r, err := NewRequest(1*time.Nanosecond, "https://example.com/callback")
		require.NoError(err)
		time.Sleep(2 * time.Millisecond)
		require.True(r.IsExpired())
	})
	t.Run("with-pkce", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		v, err := NewCodeVerifier()
		require.NoError(err)
		r, err := NewRequest(time.Minute, "https://example.com/callback", WithPKCE(v))
		require.NoError(err)
		got := r.PKCEVerifier()
		require.NotNil(got)
		assert.Equal(v.Verifier(), got.Verifier())

		// the returned verifier is a copy, not the request's own
		assert.NotSame(v, got)
	})
	t.Run("with-implicit", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r, err := NewRequest(time.Minute, "https://example.com/callback", WithImplicitFlow())
		require.NoError(err)
		useImplicit, withoutAccessToken := r.ImplicitFlow()
		assert.True(useImplicit)
		assert.False(withoutAccessToken)

		r, err = NewRequest(time.Minute, "https://example.com/callback", WithImplicitFlow(true))
		require.NoError(err)
		useImplicit, withoutAccessToken = r.ImplicitFlow()
		assert.True(useImplicit)
		assert.True(withoutAccessToken)
	})
	t.Run("with-hybrid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		v, err := NewCodeVerifier()
		require.NoError(err)
		r, err := NewRequest(time.Minute, "https://example.com/callback", WithHybridFlow(), WithPKCE(v))
		require.NoError(err)
		assert.True(r.HybridFlow())
		assert.NotNil(r.PKCEVerifier())
	})
	t.Run("request-parameters", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r, err := NewRequest(time.Minute, "https://example.com/callback",
			WithState("st_custom"),
			WithNonce("n_custom"),
			WithAudiences("aud1", "aud2"),
			WithScopes("profile", "email"),
			WithMaxAge(60),
			WithPrompts(Login, Consent),
			WithDisplay(Popup),
			WithUILocales(language.AmericanEnglish, language.German),
			WithACRValues("urn:mace:incommon:iap:silver"),
			WithClaims([]byte(`{"id_token":{"email":null}}`)),
			WithAuthorizationDetails([]byte(`[{"type":"payment_initiation"}]`)),
		)
		require.NoError(err)
		assert.Equal("st_custom", r.State())
		assert.Equal("n_custom", r.Nonce())
		assert.Equal([]string{"aud1", "aud2"}, r.Audiences())
		assert.Equal([]string{"profile", "email"}, r.Scopes())
		secs, authAfter := r.MaxAge()
		assert.Equal(uint(60), secs)
		assert.False(authAfter.IsZero())
		assert.Equal([]Prompt{Login, Consent}, r.Prompts())
		assert.Equal(Popup, r.Display())
		assert.Equal([]language.Tag{language.AmericanEnglish, language.German}, r.UILocales())
		assert.Equal([]string{"urn:mace:incommon:iap:silver"}, r.ACRValues())
		assert.JSONEq(`{"id_token":{"email":null}}`, string(r.Claims()))
		assert.JSONEq(`[{"type":"payment_initiation"}]`, string(r.AuthorizationDetails()))
	})

	tests := []struct {
		name      string
		opt       []Option
		wantErrIs error
	}{
		{
			name:      "state-equals-nonce",
			opt:       []Option{WithState("same"), WithNonce("same")},
			wantErrIs: ErrInvalidParameter,
		},
		{
			name:      "implicit-with-pkce",
			opt:       []Option{WithImplicitFlow(), WithPKCE(testVerifier(t))},
			wantErrIs: ErrInvalidFlow,
		},
		{
			name:      "implicit-with-hybrid",
			opt:       []Option{WithImplicitFlow(), WithHybridFlow()},
			wantErrIs: ErrInvalidFlow,
		},
		{
			name:      "hybrid-without-pkce",
			opt:       []Option{WithHybridFlow()},
			wantErrIs: ErrInvalidFlow,
		},
		{
			name:      "invalid-authorization-details",
			opt:       []Option{WithAuthorizationDetails([]byte(`{not json`))},
			wantErrIs: ErrInvalidParameter,
		},
		{
			name:      "invalid-claims",
			opt:       []Option{WithClaims([]byte(`{not json`))},
			wantErrIs: ErrInvalidParameter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			_, err := NewRequest(time.Minute, "https://example.com/callback", tt.opt...)
			require.Error(err)
			require.ErrorIs(err, tt.wantErrIs)
		})
	}
}

func testVerifier(t *testing.T) *CodeVerifier {
	t.Helper()
	v, err := NewCodeVerifier()
	require.NoError(t, err)
	return v
}
