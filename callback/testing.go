package callback

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oauthlab/oidcflow/oidc"
)

// testErrorBody is the shape testFailFn writes, so tests can unmarshal what a
// handler reported.
type testErrorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// testSuccessFn is a test SuccessResponseFunc
func testSuccessFn(state string, t oidc.Token, w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("login successful"))
}

// testFailFn is a test ErrorResponseFunc
func testFailFn(state string, respErr *ProviderError, e error, w http.ResponseWriter, req *http.Request) {
	switch {
	case respErr != nil:
		w.WriteHeader(http.StatusUnauthorized)
		j, _ := json.Marshal(&testErrorBody{
			Error:       respErr.Code,
			Description: respErr.Description,
		})
		_, _ = w.Write(j)
	case e != nil:
		w.WriteHeader(http.StatusInternalServerError)
		j, _ := json.Marshal(&testErrorBody{
			Error:       "internal-callback-error",
			Description: e.Error(),
		})
		_, _ = w.Write(j)
	default:
		w.WriteHeader(http.StatusInternalServerError)
		j, _ := json.Marshal(&testErrorBody{
			Error: "unknown-callback-error",
		})
		_, _ = w.Write(j)
	}
}

// testNewProvider creates a new Provider.  It uses the TestProvider (tp) to
// properly construct the provider's configuration (see testNewConfig). This is
// helpful internally, but intentionally not exported.
func testNewProvider(t *testing.T, clientID, clientSecret, redirectURL string, tp *oidc.TestProvider) *oidc.Provider {
	const op = "testNewProvider"
	t.Helper()
	require := require.New(t)
	require.NotEmptyf(clientID, "%s: client id is empty", op)
	require.NotEmptyf(clientSecret, "%s: client secret is empty", op)
	require.NotEmptyf(redirectURL, "%s: redirect URL is empty", op)

	tc := testNewConfig(t, clientID, clientSecret, redirectURL, tp)
	p, err := oidc.NewProvider(tc, oidc.WithoutDiscoveryCache())
	require.NoError(err)
	t.Cleanup(p.Done)
	return p
}

// testNewConfig creates a new config from the TestProvider. It will set the
// TestProvider's client ID/secret when building the configuration. This is
// helpful internally, but intentionally not exported.
func testNewConfig(t *testing.T, clientID, clientSecret, allowedRedirectURL string, tp *oidc.TestProvider) *oidc.Config {
	const op = "testNewConfig"
	t.Helper()
	require := require.New(t)

	require.NotEmptyf(clientID, "%s: client id is empty", op)
	require.NotEmptyf(clientSecret, "%s: client secret is empty", op)
	require.NotEmptyf(allowedRedirectURL, "%s: redirect URL is empty", op)

	tp.SetClientCreds(clientID, clientSecret)
	c, err := oidc.NewConfig(
		tp.Addr(),
		clientID,
		oidc.ClientSecret(clientSecret),
		[]oidc.Alg{oidc.ES256},
		[]string{allowedRedirectURL},
		oidc.WithProviderCA(tp.CACert()),
	)
	require.NoError(err)
	return c
}

// testHTTPClient returns a client that trusts both the TestProvider's CA and
// the callback server's certificate, so it can follow the authorization
// redirect end to end.
func testHTTPClient(t *testing.T, tp *oidc.TestProvider, callbackSrv *httptest.Server) *http.Client {
	t.Helper()
	require := require.New(t)

	pool := x509.NewCertPool()
	require.True(pool.AppendCertsFromPEM([]byte(tp.CACert())))
	if callbackSrv != nil {
		pool.AddCert(callbackSrv.Certificate())
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}
}
