package oidc

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/oauthlab/oidcflow/oidc/internal/strutils"
)

// TestProvider is a local server that fakes enough of an OIDC provider to
// test every flow this module implements: discovery, authorization code
// (+PKCE), PAR, device authorization, client credentials and refresh.  Its
// device flow is scriptable: SetDevicePollResults decides what each
// successive poll of the token endpoint answers.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	jwks                *jose.JSONWebKeySet
	allowedRedirectURIs []string
	replySubject        string
	replyUserinfo       map[string]interface{}

	mu                  sync.Mutex
	clientID            string
	clientSecret        string
	expectedAuthCode    string
	expectedAuthNonce   string
	authNonce           string
	customClaims        map[string]interface{}
	customAudience      string
	omitIDToken         bool
	disableUserInfo     bool
	disableDeviceAuth   bool
	disablePAR          bool
	expectedDeviceCode  string
	deviceUserCode      string
	deviceInterval      int
	deviceExpiresIn     int
	devicePollResults   []string
	devicePollCount     int
	expectedRefresh     string
	parRequests         []url.Values
	parRequestURICount  int
	lastTokenReqValues  url.Values

	ecdsaPublicKey  string
	ecdsaPrivateKey string

	t *testing.T
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// StartTestProvider creates a disposable TestProvider.  A zero port picks
// any free port.
func StartTestProvider(t *testing.T, port int) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		t: t,
		allowedRedirectURIs: []string{
			"https://example.com",
		},
		replySubject: "r3qXcK2bix9eFECzsU3Sbmh0K16fatW6@clients",
		replyUserinfo: map[string]interface{}{
			"color":       "red",
			"temperature": "76",
			"flavor":      "umami",
		},
		expectedDeviceCode: "device-code-test",
		deviceUserCode:     "WDJB-MJHT",
		deviceExpiresIn:    300,
		expectedRefresh:    "refresh-token-test",
	}
	p.ecdsaPublicKey, p.ecdsaPrivateKey = TestGenerateKeys(t)

	p.jwks = testJWKS(t, p.ecdsaPublicKey)

	p.httpServer = httptestNewUnstartedServerWithPort(t, p, port)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	cert := p.httpServer.Certificate()

	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(err)
	p.caCert = buf.String()

	return p
}

// SetClientCreds is for configuring the client information required for the
// OIDC workflows.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetExpectedAuthCode configures the auth code to return from /auth and the
// allowed auth code for /token.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedAuthNonce configures the nonce value required for /auth.
func (p *TestProvider) SetExpectedAuthNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthNonce = nonce
}

// SetAllowedRedirectURIs allows you to configure the allowed redirect URIs for
// the OIDC workflow. If not configured a sample of "https://example.com" is
// used.
func (p *TestProvider) SetAllowedRedirectURIs(uris []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedRedirectURIs = uris
}

// SetCustomClaims lets you set claims to return in the JWT issued by the OIDC
// workflow.
func (p *TestProvider) SetCustomClaims(customClaims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = customClaims
}

// SetCustomAudience configures what audience value to embed in the JWT issued
// by the OIDC workflow.
func (p *TestProvider) SetCustomAudience(customAudience string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudience = customAudience
}

// OmitIDTokens forces an error state where the /token endpoint does not return
// id_token.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// DisableUserInfo makes the userinfo endpoint return 404 and omits it from the
// discovery config.
func (p *TestProvider) DisableUserInfo() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableUserInfo = true
}

// DisableDeviceAuth omits the device authorization endpoint from the
// discovery config and makes it return 404.
func (p *TestProvider) DisableDeviceAuth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableDeviceAuth = true
}

// DisablePAR omits the pushed authorization request endpoint from the
// discovery config and makes it return 404.
func (p *TestProvider) DisablePAR() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disablePAR = true
}

// SetExpectedDeviceCode configures the device_code issued by the device
// authorization endpoint and accepted by /token.
func (p *TestProvider) SetExpectedDeviceCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedDeviceCode = code
}

// SetDeviceInterval configures the interval (in seconds) returned by the
// device authorization endpoint.  Zero omits the field.
func (p *TestProvider) SetDeviceInterval(seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deviceInterval = seconds
}

// SetDeviceExpiresIn configures the expires_in (in seconds) returned by the
// device authorization endpoint.
func (p *TestProvider) SetDeviceExpiresIn(seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deviceExpiresIn = seconds
}

// SetDevicePollResults scripts the device flow: each successive device_code
// poll of /token consumes one entry ("pending", "slow_down", "access_denied",
// "expired_token" or "success").  When the script runs out, polls succeed.
func (p *TestProvider) SetDevicePollResults(results ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devicePollResults = results
	p.devicePollCount = 0
}

// DevicePollCount returns how many device_code polls /token has served.
func (p *TestProvider) DevicePollCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devicePollCount
}

// SetExpectedRefreshToken configures the refresh_token accepted by /token.
func (p *TestProvider) SetExpectedRefreshToken(refreshToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedRefresh = refreshToken
}

// PARRequests returns the form values of every pushed authorization request
// received, oldest first.
func (p *TestProvider) PARRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values{}, p.parRequests...)
}

// TokenRequestValues returns the form values of the most recent /token
// request, so tests can assert on grant_type, code_verifier and friends.
func (p *TestProvider) TokenRequestValues() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTokenReqValues
}

// Addr returns the current base URL for the test provider's running webserver.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

// SigningKeys returns the test provider's pem-encoded keys used to sign JWTs.
func (p *TestProvider) SigningKeys() (pub, priv string) {
	return p.ecdsaPublicKey, p.ecdsaPrivateKey
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) error {
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

func (p *TestProvider) writeAuthErrorResponse(w http.ResponseWriter, req *http.Request, errorCode, errorMessage string) {
	qv := req.URL.Query()

	redirectURI := qv.Get("redirect_uri") +
		"?state=" + url.QueryEscape(qv.Get("state")) +
		"&error=" + url.QueryEscape(errorCode)

	if errorMessage != "" {
		redirectURI += "&error_description=" + url.QueryEscape(errorMessage)
	}

	http.Redirect(w, req, redirectURI, http.StatusFound)
}

func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) error {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}

	w.WriteHeader(statusCode)
	return p.writeJSON(w, &body)
}

// validClientAuth checks the request's client authentication.  A provider
// with no client secret configured acts as a public client's IdP: only a
// client_id is required.
func (p *TestProvider) validClientAuth(req *http.Request) bool {
	if p.clientSecret == "" {
		return true
	}
	if id, secret, ok := req.BasicAuth(); ok {
		unescapedID, err := url.QueryUnescape(id)
		if err != nil {
			return false
		}
		unescapedSecret, err := url.QueryUnescape(secret)
		if err != nil {
			return false
		}
		return unescapedID == p.clientID && unescapedSecret == p.clientSecret
	}
	return req.FormValue("client_id") == p.clientID && req.FormValue("client_secret") == p.clientSecret
}

// signedIDToken issues the provider's id_token, echoing the nonce captured
// from the authorization request when there was one.
func (p *TestProvider) signedIDToken(nonce string) string {
	stdClaims := jwt.Claims{
		Subject:   p.replySubject,
		Issuer:    p.Addr(),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(time.Now().Add(1 * time.Minute)),
		Audience:  jwt.Audience{p.clientID},
	}
	if p.customAudience != "" {
		stdClaims.Audience = jwt.Audience{p.customAudience}
	}
	privateClaims := map[string]interface{}{}
	for k, v := range p.customClaims {
		privateClaims[k] = v
	}
	if nonce != "" {
		privateClaims["nonce"] = nonce
	}
	return TestSignJWT(p.t, p.ecdsaPrivateKey, stdClaims, privateClaims)
}

type testTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.t.Helper()

	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		reply := struct {
			Issuer           string `json:"issuer"`
			AuthEndpoint     string `json:"authorization_endpoint"`
			TokenEndpoint    string `json:"token_endpoint"`
			JWKSURI          string `json:"jwks_uri"`
			UserinfoEndpoint string `json:"userinfo_endpoint,omitempty"`
			DeviceEndpoint   string `json:"device_authorization_endpoint,omitempty"`
			PAREndpoint      string `json:"pushed_authorization_request_endpoint,omitempty"`
		}{
			Issuer:           p.Addr(),
			AuthEndpoint:     p.Addr() + "/auth",
			TokenEndpoint:    p.Addr() + "/token",
			JWKSURI:          p.Addr() + "/certs",
			UserinfoEndpoint: p.Addr() + "/userinfo",
			DeviceEndpoint:   p.Addr() + "/device_authorization",
			PAREndpoint:      p.Addr() + "/par",
		}
		if p.disableUserInfo {
			reply.UserinfoEndpoint = ""
		}
		if p.disableDeviceAuth {
			reply.DeviceEndpoint = ""
		}
		if p.disablePAR {
			reply.PAREndpoint = ""
		}

		if err := p.writeJSON(w, &reply); err != nil {
			return
		}

	case "/auth":
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		qv := req.URL.Query()

		if qv.Get("response_type") != "code" {
			p.writeAuthErrorResponse(w, req, "unsupported_response_type", "")
			return
		}
		if !strutils.StrListContains(strings.Fields(qv.Get("scope")), "openid") {
			p.writeAuthErrorResponse(w, req, "invalid_scope", "")
			return
		}

		if p.expectedAuthCode == "" {
			p.writeAuthErrorResponse(w, req, "access_denied", "")
			return
		}

		nonce := qv.Get("nonce")
		if p.expectedAuthNonce != "" && p.expectedAuthNonce != nonce {
			p.writeAuthErrorResponse(w, req, "access_denied", "")
			return
		}
		p.authNonce = nonce

		state := qv.Get("state")
		if state == "" {
			p.writeAuthErrorResponse(w, req, "invalid_request", "missing state parameter")
			return
		}

		redirectURI := qv.Get("redirect_uri")
		if redirectURI == "" {
			p.writeAuthErrorResponse(w, req, "invalid_request", "missing redirect_uri parameter")
			return
		}

		redirectURI += "?state=" + url.QueryEscape(state) +
			"&code=" + url.QueryEscape(p.expectedAuthCode) +
			"&iss=" + url.QueryEscape(p.Addr())

		http.Redirect(w, req, redirectURI, http.StatusFound)

		return

	case "/certs":
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		if err := p.writeJSON(w, p.jwks); err != nil {
			return
		}

	case "/certs_missing":
		w.WriteHeader(http.StatusNotFound)

	case "/certs_invalid":
		_, _ = w.Write([]byte("It's not a keyset!"))

	case "/token":
		if req.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := req.ParseForm(); err != nil {
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "unable to parse form")
			return
		}
		p.lastTokenReqValues = req.PostForm

		if !p.validClientAuth(req) {
			_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return
		}

		switch req.FormValue("grant_type") {
		case "authorization_code":
			switch {
			case !strutils.StrListContains(p.allowedRedirectURIs, req.FormValue("redirect_uri")):
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not allowed")
				return
			case req.FormValue("code") != p.expectedAuthCode:
				_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_grant", "unexpected auth code")
				return
			}
			// the nonce captured from /auth is echoed into the id_token;
			// tests that skip /auth can stage one via SetExpectedAuthNonce.
			nonce := p.authNonce
			if nonce == "" {
				nonce = p.expectedAuthNonce
			}
			reply := testTokenResponse{
				AccessToken:  p.signedIDToken(""),
				TokenType:    "Bearer",
				ExpiresIn:    300,
				RefreshToken: p.expectedRefresh,
				IDToken:      p.signedIDToken(nonce),
				Scope:        "openid",
			}
			if p.omitIDToken {
				reply.IDToken = ""
			}
			_ = p.writeJSON(w, &reply)

		case DeviceCodeGrantType:
			if req.FormValue("device_code") != p.expectedDeviceCode {
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unexpected device code")
				return
			}
			result := "success"
			if p.devicePollCount < len(p.devicePollResults) {
				result = p.devicePollResults[p.devicePollCount]
			}
			p.devicePollCount++
			switch result {
			case "pending":
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "authorization_pending", "")
			case "slow_down":
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "slow_down", "")
			case "access_denied":
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "access_denied", "")
			case "expired_token":
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "expired_token", "")
			default:
				reply := testTokenResponse{
					AccessToken: p.signedIDToken(""),
					TokenType:   "Bearer",
					ExpiresIn:   300,
					IDToken:     p.signedIDToken(""),
					Scope:       req.FormValue("scope"),
				}
				if p.omitIDToken {
					reply.IDToken = ""
				}
				_ = p.writeJSON(w, &reply)
			}

		case "client_credentials":
			if p.clientSecret == "" {
				_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "client_credentials requires client authentication")
				return
			}
			reply := testTokenResponse{
				AccessToken: p.signedIDToken(""),
				TokenType:   "Bearer",
				ExpiresIn:   300,
				Scope:       req.FormValue("scope"),
			}
			_ = p.writeJSON(w, &reply)

		case "refresh_token":
			if req.FormValue("refresh_token") != p.expectedRefresh {
				_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_grant", "unexpected refresh token")
				return
			}
			reply := testTokenResponse{
				AccessToken:  p.signedIDToken(""),
				TokenType:    "Bearer",
				ExpiresIn:    300,
				RefreshToken: p.expectedRefresh,
				IDToken:      p.signedIDToken(""),
				Scope:        "openid",
			}
			if p.omitIDToken {
				reply.IDToken = ""
			}
			_ = p.writeJSON(w, &reply)

		default:
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "bad grant_type")
		}

	case "/device_authorization":
		if p.disableDeviceAuth {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !p.validClientAuth(req) {
			_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return
		}
		reply := struct {
			DeviceCode              string `json:"device_code"`
			UserCode                string `json:"user_code"`
			VerificationURI         string `json:"verification_uri"`
			VerificationURIComplete string `json:"verification_uri_complete"`
			ExpiresIn               int    `json:"expires_in"`
			Interval                int    `json:"interval,omitempty"`
		}{
			DeviceCode:              p.expectedDeviceCode,
			UserCode:                p.deviceUserCode,
			VerificationURI:         p.Addr() + "/device",
			VerificationURIComplete: p.Addr() + "/device?user_code=" + url.QueryEscape(p.deviceUserCode),
			ExpiresIn:               p.deviceExpiresIn,
			Interval:                p.deviceInterval,
		}
		_ = p.writeJSON(w, &reply)

	case "/par":
		if p.disablePAR {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := req.ParseForm(); err != nil {
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "unable to parse form")
			return
		}
		if !p.validClientAuth(req) {
			_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return
		}
		p.parRequests = append(p.parRequests, req.PostForm)
		p.parRequestURICount++
		reply := struct {
			RequestURI string `json:"request_uri"`
			ExpiresIn  int    `json:"expires_in"`
		}{
			RequestURI: fmt.Sprintf("urn:ietf:params:oauth:request_uri:%d", p.parRequestURICount),
			ExpiresIn:  60,
		}
		w.WriteHeader(http.StatusCreated)
		_ = p.writeJSON(w, &reply)

	case "/userinfo":
		if p.disableUserInfo {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		if err := p.writeJSON(w, p.replyUserinfo); err != nil {
			return
		}

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// testJWKS converts a pem-encoded public key into JWKS data suitable for a
// verification endpoint response
func testJWKS(t *testing.T, pubKey string) *jose.JSONWebKeySet {
	t.Helper()
	require := require.New(t)

	block, _ := pem.Decode([]byte(pubKey))
	require.NotNil(block)

	input := block.Bytes

	pub, err := x509.ParsePKIXPublicKey(input)
	require.NoError(err)

	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key: pub,
			},
		},
	}
}

// httptestNewUnstartedServerWithPort is roughly the same as
// httptest.NewUnstartedServer() but allows the caller to explicitly choose the
// port if desired.
func httptestNewUnstartedServerWithPort(t *testing.T, handler http.Handler, port int) *httptest.Server {
	t.Helper()
	require := require.New(t)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	l, err := net.Listen("tcp", addr)
	require.NoError(err)

	return &httptest.Server{
		Listener: l,
		Config:   &http.Server{Handler: handler},
	}
}
