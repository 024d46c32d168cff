package callback

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oauthlab/oidcflow/oidc"
)

func TestParseResponse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		values url.Values
		want   Response
	}{
		{
			name: "code",
			values: url.Values{
				"state": []string{"test-state"},
				"code":  []string{"test-code"},
				"iss":   []string{"https://issuer.example.com"},
			},
			want: Response{
				Kind:   KindCode,
				State:  "test-state",
				Code:   "test-code",
				Issuer: "https://issuer.example.com",
			},
		},
		{
			name: "tokens",
			values: url.Values{
				"state":        []string{"test-state"},
				"id_token":     []string{"test-id-token"},
				"access_token": []string{"test-access-token"},
				"token_type":   []string{"Bearer"},
			},
			want: Response{
				Kind:        KindTokens,
				State:       "test-state",
				IDToken:     "test-id-token",
				AccessToken: "test-access-token",
				TokenType:   "Bearer",
			},
		},
		{
			name: "error",
			values: url.Values{
				"state":             []string{"test-state"},
				"error":             []string{"access_denied"},
				"error_description": []string{"user said no"},
				"error_uri":         []string{"https://issuer.example.com/errors"},
			},
			want: Response{
				Kind:             KindError,
				State:            "test-state",
				Error:            "access_denied",
				ErrorDescription: "user said no",
				ErrorURI:         "https://issuer.example.com/errors",
			},
		},
		{
			name: "error-wins-over-code",
			values: url.Values{
				"state": []string{"test-state"},
				"code":  []string{"test-code"},
				"error": []string{"server_error"},
			},
			want: Response{
				Kind:  KindError,
				State: "test-state",
				Code:  "test-code",
				Error: "server_error",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := assert.New(t)
			assert.Equal(tt.want, ParseResponse(tt.values))
		})
	}
}

func TestProviderError(t *testing.T) {
	t.Parallel()
	t.Run("error-string", func(t *testing.T) {
		assert := assert.New(t)
		e := &ProviderError{Code: "access_denied", Description: "user said no"}
		assert.Equal("provider returned access_denied: user said no", e.Error())

		e = &ProviderError{Code: "access_denied"}
		assert.Equal("provider returned access_denied", e.Error())
	})
	t.Run("unwrap", func(t *testing.T) {
		assert := assert.New(t)
		assert.ErrorIs(&ProviderError{Code: "access_denied"}, oidc.ErrAccessDenied)
		assert.ErrorIs(&ProviderError{Code: "expired_token"}, oidc.ErrExpiredToken)
		assert.ErrorIs(&ProviderError{Code: "server_error"}, oidc.ErrLoginFailed)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()
	const issuer = "https://issuer.example.com"

	newRequest := func(t *testing.T, opt ...oidc.Option) oidc.Request {
		t.Helper()
		req, err := oidc.NewRequest(1*time.Minute, "https://client.example.com/callback", opt...)
		require.NoError(t, err)
		return req
	}

	t.Run("nil-request", func(t *testing.T) {
		err := Validate(Response{State: "s"}, nil, issuer)
		require.ErrorIs(t, err, oidc.ErrNilParameter)
	})
	t.Run("missing-state", func(t *testing.T) {
		err := Validate(Response{Kind: KindCode, Code: "c"}, newRequest(t), issuer)
		require.ErrorIs(t, err, oidc.ErrResponseStateInvalid)
	})
	t.Run("state-mismatch-beats-provider-error", func(t *testing.T) {
		// a response that can't be tied to the attempt is rejected before
		// anything else is looked at
		resp := Response{
			Kind:  KindError,
			State: "someone-elses-state",
			Error: "access_denied",
		}
		err := Validate(resp, newRequest(t), issuer)
		require.ErrorIs(t, err, oidc.ErrResponseStateInvalid)
		require.NotErrorIs(t, err, oidc.ErrAccessDenied)
	})
	t.Run("issuer-mismatch", func(t *testing.T) {
		req := newRequest(t)
		resp := Response{
			Kind:   KindCode,
			State:  req.State(),
			Code:   "c",
			Issuer: "https://attacker.example.com",
		}
		err := Validate(resp, req, issuer)
		require.ErrorIs(t, err, oidc.ErrInvalidIssuer)
	})
	t.Run("no-issuer-parameter-is-allowed", func(t *testing.T) {
		req := newRequest(t)
		err := Validate(Response{Kind: KindCode, State: req.State(), Code: "c"}, req, issuer)
		require.NoError(t, err)
	})
	t.Run("provider-error", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		req := newRequest(t)
		resp := Response{
			Kind:             KindError,
			State:            req.State(),
			Error:            "access_denied",
			ErrorDescription: "user said no",
		}
		err := Validate(resp, req, issuer)
		require.Error(err)
		assert.ErrorIs(err, oidc.ErrAccessDenied)

		var pErr *ProviderError
		require.ErrorAs(err, &pErr)
		assert.Equal("access_denied", pErr.Code)
		assert.Equal("user said no", pErr.Description)
		assert.Equal(req.State(), pErr.State)
	})
	t.Run("expired-request", func(t *testing.T) {
		require := require.New(t)
		req, err := oidc.NewRequest(1*time.Nanosecond, "https://client.example.com/callback")
		require.NoError(err)
		time.Sleep(2 * time.Nanosecond)

		err = Validate(Response{Kind: KindCode, State: req.State(), Code: "c"}, req, issuer)
		require.ErrorIs(err, oidc.ErrExpiredRequest)
	})
	t.Run("valid", func(t *testing.T) {
		req := newRequest(t)
		resp := Response{
			Kind:   KindCode,
			State:  req.State(),
			Code:   "c",
			Issuer: issuer,
		}
		require.NoError(t, Validate(resp, req, issuer))
	})
}
