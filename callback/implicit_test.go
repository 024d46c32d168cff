package callback

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/oauthlab/oidcflow/oidc"
)

func TestImplicit(t *testing.T) {
	ctx := context.Background()
	clientID := "test-client-id"
	clientSecret := "test-client-secret"
	tp := oidc.StartTestProvider(t, 0)
	p := testNewProvider(t, clientID, clientSecret, "https://example.com/callback", tp)
	rw := &SingleRequestReader{}

	tests := []struct {
		name    string
		p       *oidc.Provider
		rw      RequestReader
		sFn     SuccessResponseFunc
		eFn     ErrorResponseFunc
		wantErr bool
	}{
		{"valid", p, rw, testSuccessFn, testFailFn, false},
		{"nil-p", nil, rw, testSuccessFn, testFailFn, true},
		{"nil-rw", p, nil, testSuccessFn, testFailFn, true},
		{"nil-sFn", p, rw, nil, testFailFn, true},
		{"nil-eFn", p, rw, testSuccessFn, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := Implicit(ctx, tt.p, tt.rw, tt.sFn, tt.eFn)
			if tt.wantErr {
				require.Error(err)
				assert.ErrorIs(err, oidc.ErrNilParameter)
				return
			}
			require.NoError(err)
			assert.NotEmpty(got)
		})
	}
}

func Test_ImplicitResponses(t *testing.T) {
	ctx := context.Background()
	clientID := "test-client-id"
	clientSecret := "test-client-secret"
	redirect := "https://example.com/callback"
	tp := oidc.StartTestProvider(t, 0)
	p := testNewProvider(t, clientID, clientSecret, redirect, tp)
	_, priv := tp.SigningKeys()

	// signIDToken issues an id_token the way the provider would for a
	// form_post implicit response.
	signIDToken := func(t *testing.T, nonce, accessToken string) string {
		t.Helper()
		claims := jwt.Claims{
			Subject:   "alice@example.com",
			Issuer:    tp.Addr(),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-5 * time.Second)),
			Expiry:    jwt.NewNumericDate(time.Now().Add(1 * time.Minute)),
			Audience:  jwt.Audience{clientID},
		}
		privateClaims := map[string]interface{}{
			"nonce": nonce,
		}
		if accessToken != "" {
			sum := sha256.Sum256([]byte(accessToken))
			privateClaims["at_hash"] = base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
		}
		return oidc.TestSignJWT(t, priv, claims, privateClaims)
	}

	// postForm plays the browser's part: the provider's form_post response
	// auto-submits the authorization response to the callback.
	postForm := func(t *testing.T, handler http.HandlerFunc, v url.Values) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, redirect, strings.NewReader(v.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		handler(w, req)
		return w
	}

	newHandler := func(t *testing.T, reader RequestReader) http.HandlerFunc {
		t.Helper()
		h, err := Implicit(ctx, p, reader, testSuccessFn, testFailFn)
		require.NoError(t, err)
		return h
	}

	t.Run("id-token-only", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		oidcRequest, err := oidc.NewRequest(1*time.Minute, redirect, oidc.WithImplicitFlow(true))
		require.NoError(err)

		w := postForm(t, newHandler(t, &SingleRequestReader{oidcRequest}), url.Values{
			"state":    []string{oidcRequest.State()},
			"id_token": []string{signIDToken(t, oidcRequest.Nonce(), "")},
		})
		assert.Equal(http.StatusOK, w.Code)
		assert.Equal("login successful", w.Body.String())
	})
	t.Run("with-access-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		oidcRequest, err := oidc.NewRequest(1*time.Minute, redirect, oidc.WithImplicitFlow())
		require.NoError(err)

		accessToken := "test-access-token"
		w := postForm(t, newHandler(t, &SingleRequestReader{oidcRequest}), url.Values{
			"state":        []string{oidcRequest.State()},
			"id_token":     []string{signIDToken(t, oidcRequest.Nonce(), accessToken)},
			"access_token": []string{accessToken},
			"token_type":   []string{"Bearer"},
		})
		assert.Equal(http.StatusOK, w.Code)
		assert.Equal("login successful", w.Body.String())
	})
	t.Run("at-hash-mismatch", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		oidcRequest, err := oidc.NewRequest(1*time.Minute, redirect, oidc.WithImplicitFlow())
		require.NoError(err)

		// the id_token's at_hash was computed over a different access token
		w := postForm(t, newHandler(t, &SingleRequestReader{oidcRequest}), url.Values{
			"state":        []string{oidcRequest.State()},
			"id_token":     []string{signIDToken(t, oidcRequest.Nonce(), "some-other-token")},
			"access_token": []string{"test-access-token"},
			"token_type":   []string{"Bearer"},
		})
		assert.Equal(http.StatusInternalServerError, w.Code)

		var errResp testErrorBody
		require.NoError(json.Unmarshal(w.Body.Bytes(), &errResp))
		assert.Contains(errResp.Description, "access_token")
	})
	t.Run("wrong-nonce", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		oidcRequest, err := oidc.NewRequest(1*time.Minute, redirect, oidc.WithImplicitFlow(true))
		require.NoError(err)

		w := postForm(t, newHandler(t, &SingleRequestReader{oidcRequest}), url.Values{
			"state":    []string{oidcRequest.State()},
			"id_token": []string{signIDToken(t, "a-different-nonce", "")},
		})
		assert.Equal(http.StatusInternalServerError, w.Code)

		var errResp testErrorBody
		require.NoError(json.Unmarshal(w.Body.Bytes(), &errResp))
		assert.Contains(errResp.Description, "nonce")
	})
	t.Run("state-not-found", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		oidcRequest, err := oidc.NewRequest(1*time.Minute, redirect, oidc.WithImplicitFlow(true))
		require.NoError(err)
		otherRequest, err := oidc.NewRequest(1*time.Minute, redirect, oidc.WithImplicitFlow(true))
		require.NoError(err)

		w := postForm(t, newHandler(t, &SingleRequestReader{otherRequest}), url.Values{
			"state":    []string{oidcRequest.State()},
			"id_token": []string{signIDToken(t, oidcRequest.Nonce(), "")},
		})
		assert.Equal(http.StatusInternalServerError, w.Code)

		var errResp testErrorBody
		require.NoError(json.Unmarshal(w.Body.Bytes(), &errResp))
		assert.Contains(errResp.Description, "not found")
	})
}
