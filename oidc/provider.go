package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/oauthlab/oidcflow/oidc/internal/strutils"
)

// defaultRequestTimeout bounds provider network calls (discovery, token
// exchange, PAR, userinfo) when the caller's context carries no deadline.  A
// hung request must never block a flow indefinitely.
const defaultRequestTimeout = 30 * time.Second

// DeviceCodeGrantType is the RFC 8628 grant_type for the device access token
// request.
const DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// Provider provides integration with an OIDC provider: it owns the
// discovered endpoints and executes the grant-specific token requests
// (authorization_code, device_code, client_credentials, refresh_token) with
// the configured client authentication method.
//
// It's primarily used by the callback and device packages, which drive the
// asynchronous halves of the flows.
type Provider struct {
	config   *Config
	provider *oidc.Provider
	info     DiscoveryInfo
	client   *http.Client
	logger   hclog.Logger

	mu sync.Mutex

	// exchangedStates tracks which requests have already had their
	// authorization code exchanged, so a code (and its PKCE verifier) is
	// consumed at most once.
	exchangedStates map[string]struct{}

	// backgroundCtx is the context used by the provider for background
	// activities like refreshing the remote JWKS key set.
	backgroundCtx context.Context

	// backgroundCtxCancel is used to cancel any background activities
	// running in spawned go routines.
	backgroundCtxCancel context.CancelFunc
}

// NewProvider creates and initializes a Provider.  Initializing the provider
// includes fetching its discovery document, unless a cached copy for the
// issuer is still fresh (see WithDiscoveryTTL / WithoutDiscoveryCache).
//
// See Provider.Done() which must be called to release provider resources.
//
// Supported options: WithDiscoveryTTL, WithoutDiscoveryCache
func NewProvider(c *Config, opt ...Option) (*Provider, error) {
	const op = "oidc.NewProvider"
	if c == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: provider config is invalid: %w", op, err)
	}
	opts := getProviderOpts(opt...)

	ctx, cancel := context.WithCancel(context.Background())
	// initializing the Provider with its background ctx/cancel will allow us
	// to use p.Done() to release any resources when returning errors from
	// this function.
	p := &Provider{
		config:              c,
		logger:              c.Logger,
		exchangedStates:     map[string]struct{}{},
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}

	client, err := c.HTTPClient()
	if err != nil {
		p.Done() // release the backgroundCtxCancel resources
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	p.client = client

	cache := sharedDiscoveryCache
	if opts.withoutCache {
		cache = nil
	}
	discoveryCtx, discoveryCancel := p.ctxWithTimeout(p.backgroundCtx)
	defer discoveryCancel()
	provider, info, err := discover(discoveryCtx, cache, c.Issuer, client, opts.withDiscoveryTTL, c.Now)
	if err != nil {
		p.Done() // release the backgroundCtxCancel resources
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p.provider = provider
	p.info = info
	if p.logger != nil {
		p.logger.Debug("provider initialized", "issuer", info.Issuer, "device_auth", info.DeviceAuthURL != "", "par", info.PushedAuthURL != "")
	}
	return p, nil
}

// Done with the provider's background resources and must be called for every
// Provider created.
func (p *Provider) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backgroundCtxCancel != nil {
		p.backgroundCtxCancel()
		p.backgroundCtxCancel = nil
	}
}

// Config returns a copy of the provider's config (with its client secret
// still redacted when printed or marshaled).
func (p *Provider) Config() Config { return *p.config }

// DiscoveryInfo returns the endpoints consumed from the issuer's discovery
// document.
func (p *Provider) DiscoveryInfo() DiscoveryInfo { return p.info }

// InvalidateDiscovery drops any cached discovery document for the provider's
// issuer, forcing the next Provider created for it to fetch a fresh copy.
func (p *Provider) InvalidateDiscovery() {
	sharedDiscoveryCache.remove(p.config.Issuer)
}

// AuthURL will generate a URL the caller can use to kick off an OIDC
// authorization code (with optional PKCE), implicit or hybrid flow with the
// IdP.
//
// See NewRequest() to create an oidc flow Request with a valid state and
// nonce that will uniquely identify the user's authentication attempt
// throughout the flow.
func (p *Provider) AuthURL(ctx context.Context, oidcRequest Request) (url string, e error) {
	const op = "Provider.AuthURL"
	if oidcRequest == nil {
		return "", fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	v, err := p.authRequestValues(oidcRequest)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return p.info.AuthURL + "?" + v.Encode(), nil
}

// PushedAuthURL implements RFC 9126 (OAuth 2.0 Pushed Authorization
// Requests): the full set of authorization parameters is POSTed to the
// issuer's PAR endpoint and exchanged for a request_uri, and the returned
// authorization URL carries only the client_id and that request_uri, so
// request parameters never transit the browser.
func (p *Provider) PushedAuthURL(ctx context.Context, oidcRequest Request) (string, error) {
	const op = "Provider.PushedAuthURL"
	if oidcRequest == nil {
		return "", fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if p.info.PushedAuthURL == "" {
		return "", fmt.Errorf("%s: pushed authorization request endpoint: %w", op, ErrEndpointNotAvailable)
	}
	v, err := p.authRequestValues(oidcRequest)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	reqCtx, cancel := p.ctxWithTimeout(ctx)
	defer cancel()
	resp, body, err := p.postForm(reqCtx, p.info.PushedAuthURL, v)
	if err != nil {
		return "", fmt.Errorf("%s: unable to push authorization request: %w", op, err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: pushed authorization request failed: %s: %s: %w", op, resp.Status, body, ErrTokenExchangeFailed)
	}
	var parResp struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parResp); err != nil {
		return "", fmt.Errorf("%s: unable to decode pushed authorization response: %w", op, err)
	}
	if parResp.RequestURI == "" {
		return "", fmt.Errorf("%s: pushed authorization response is missing request_uri: %w", op, ErrInvalidParameter)
	}
	short := url.Values{
		"client_id":   {p.config.ClientID},
		"request_uri": {parResp.RequestURI},
	}
	if p.logger != nil {
		p.logger.Debug("pushed authorization request accepted", "expires_in", parResp.ExpiresIn)
	}
	return p.info.AuthURL + "?" + short.Encode(), nil
}

// authRequestValues composes the query parameters appropriate to the
// request's flow variant.  Unknown or unsupported combinations have already
// been rejected by NewRequest.
func (p *Provider) authRequestValues(oidcRequest Request) (url.Values, error) {
	if oidcRequest.State() == "" || oidcRequest.Nonce() == "" {
		return nil, fmt.Errorf("request is missing a state or nonce: %w", ErrInvalidParameter)
	}
	if !strutils.StrListContains(p.config.AllowedRedirectURLs, oidcRequest.RedirectURL()) {
		return nil, fmt.Errorf("redirect URL %s is not allowed: %w", oidcRequest.RedirectURL(), ErrInvalidParameter)
	}

	// Add the "openid" scope (guaranteed part of the config's scopes), plus
	// any request-specific scopes.
	scopes := strutils.RemoveDuplicatesStable(append(append([]string{}, p.config.Scopes...), oidcRequest.Scopes()...))

	responseType := "code"
	useImplicit, withoutAccessToken := oidcRequest.ImplicitFlow()
	switch {
	case useImplicit && withoutAccessToken:
		responseType = "id_token"
	case useImplicit:
		responseType = "id_token token"
	case oidcRequest.HybridFlow():
		responseType = "code id_token"
	}

	v := url.Values{
		"response_type": {responseType},
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {oidcRequest.RedirectURL()},
		"state":         {oidcRequest.State()},
		"nonce":         {oidcRequest.Nonce()},
		"scope":         {strings.Join(scopes, " ")},
	}
	// fragment-delivered responses never reach the server, so implicit and
	// hybrid responses are posted back instead.
	if useImplicit || oidcRequest.HybridFlow() {
		v.Set("response_mode", "form_post")
	}
	if verifier := oidcRequest.PKCEVerifier(); verifier != nil {
		v.Set("code_challenge", verifier.Challenge())
		v.Set("code_challenge_method", string(verifier.Method()))
	}
	if details := oidcRequest.AuthorizationDetails(); len(details) > 0 {
		v.Set("authorization_details", string(details))
	}
	if secs, authAfter := oidcRequest.MaxAge(); !authAfter.IsZero() {
		v.Set("max_age", fmt.Sprintf("%d", secs))
	}
	if prompts := oidcRequest.Prompts(); len(prompts) > 0 {
		strs := make([]string, 0, len(prompts))
		for _, prompt := range prompts {
			strs = append(strs, string(prompt))
		}
		v.Set("prompt", strings.Join(strs, " "))
	}
	if display := oidcRequest.Display(); display != "" {
		v.Set("display", string(display))
	}
	if locales := oidcRequest.UILocales(); len(locales) > 0 {
		strs := make([]string, 0, len(locales))
		for _, l := range locales {
			strs = append(strs, l.String())
		}
		v.Set("ui_locales", strings.Join(strs, " "))
	}
	if claims := oidcRequest.Claims(); len(claims) > 0 {
		v.Set("claims", string(claims))
	}
	if acr := oidcRequest.ACRValues(); len(acr) > 0 {
		v.Set("acr_values", strings.Join(acr, " "))
	}
	return v, nil
}

// Exchange will request a token from the oidc token endpoint, using the
// authorizationCode and authorizationState it received in an earlier
// successful oidc authentication response.
//
// It will also validate the authorizationState it receives against the
// existing Request for the user's oidc authentication flow, and consume the
// request's PKCE code verifier.  A request's code can be exchanged at most
// once.
//
// On success, the Token returned will include an IDToken and AccessToken,
// and based on the IdP, it may include a RefreshToken.  If id_token
// validation fails (signature, iss, aud, exp, nbf or nonce) the entire
// result is discarded, including the access token.
func (p *Provider) Exchange(ctx context.Context, oidcRequest Request, authorizationState string, authorizationCode string) (*Tk, error) {
	const op = "Provider.Exchange"
	if oidcRequest == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if useImplicit, _ := oidcRequest.ImplicitFlow(); useImplicit {
		return nil, fmt.Errorf("%s: implicit flows do not support token exchange: %w", op, ErrInvalidFlow)
	}
	if oidcRequest.State() != authorizationState {
		return nil, fmt.Errorf("%s: authentication state and authorization state are not equal: %w", op, ErrResponseStateInvalid)
	}
	if oidcRequest.IsExpired() {
		return nil, fmt.Errorf("%s: authentication request is expired: %w", op, ErrExpiredRequest)
	}
	if err := p.consumeRequestState(authorizationState); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	oauth2Config := p.oauth2Config(oidcRequest.RedirectURL())
	var exchangeOpts []oauth2.AuthCodeOption
	if verifier := oidcRequest.PKCEVerifier(); verifier != nil {
		exchangeOpts = append(exchangeOpts, oauth2.SetAuthURLParam("code_verifier", verifier.Verifier()))
	}

	reqCtx, cancel := p.ctxWithTimeout(ctx)
	defer cancel()
	oauth2Token, err := oauth2Config.Exchange(HTTPClientContext(reqCtx, p.client), authorizationCode, exchangeOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to exchange auth code with provider: %s: %w", op, err, ErrTokenExchangeFailed)
	}

	idToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%s: id_token is missing from auth code exchange: %w", op, ErrMissingIDToken)
	}
	t, err := NewToken(IDToken(idToken), oauth2Token, WithNow(p.config.NowFunc))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create new token: %w", op, err)
	}
	if _, err := p.VerifyIDToken(ctx, t.IDToken(), oidcRequest); err != nil {
		return nil, fmt.Errorf("%s: id_token failed verification: %w", op, err)
	}
	if p.logger != nil {
		p.logger.Debug("authorization code exchanged", "state", authorizationState)
	}
	return t, nil
}

// consumeRequestState marks the request state as exchanged, failing when it
// was exchanged before.
func (p *Provider) consumeRequestState(state string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.exchangedStates[state]; ok {
		return fmt.Errorf("authorization code for this request was already exchanged: %w", ErrInvalidParameter)
	}
	p.exchangedStates[state] = struct{}{}
	return nil
}

// ExchangeDeviceCode polls the token endpoint once for an RFC 8628 device
// authorization grant.  The protocol-level "not yet" responses are returned
// as typed errors: ErrAuthorizationPending and ErrSlowDown mean keep
// polling (the latter after growing the interval), while ErrAccessDenied
// and ErrExpiredToken are terminal.
//
// See the device package for the polling state machine that drives this.
func (p *Provider) ExchangeDeviceCode(ctx context.Context, deviceCode string) (*Tk, error) {
	const op = "Provider.ExchangeDeviceCode"
	if deviceCode == "" {
		return nil, fmt.Errorf("%s: device code is empty: %w", op, ErrInvalidParameter)
	}
	v := url.Values{
		"grant_type":  {DeviceCodeGrantType},
		"device_code": {deviceCode},
	}
	reqCtx, cancel := p.ctxWithTimeout(ctx)
	defer cancel()
	resp, body, err := p.postForm(reqCtx, p.info.TokenURL, v)
	if err != nil {
		return nil, fmt.Errorf("%s: device code token request failed: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if err := json.Unmarshal(body, &errResp); err != nil {
			return nil, fmt.Errorf("%s: device code token request failed: %s: %w", op, resp.Status, ErrTokenExchangeFailed)
		}
		switch errResp.Error {
		case "authorization_pending":
			return nil, fmt.Errorf("%s: %w", op, ErrAuthorizationPending)
		case "slow_down":
			return nil, fmt.Errorf("%s: %w", op, ErrSlowDown)
		case "access_denied":
			return nil, fmt.Errorf("%s: %w", op, ErrAccessDenied)
		case "expired_token":
			return nil, fmt.Errorf("%s: %w", op, ErrExpiredToken)
		default:
			return nil, fmt.Errorf("%s: device code token request failed: %s: %s: %w", op, errResp.Error, errResp.Description, ErrTokenExchangeFailed)
		}
	}
	t, err := p.tokenFromResponseBody(ctx, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}

// ClientCredentials performs a two-legged client_credentials grant using the
// provider's configured client id/secret.  The "openid" scope isn't
// meaningful for machine tokens, so it's stripped from the requested scopes.
//
// Supported options: WithScopes
func (p *Provider) ClientCredentials(ctx context.Context, opt ...Option) (*Tk, error) {
	const op = "Provider.ClientCredentials"
	if !p.config.ClientAuthMethod.confidential() {
		return nil, fmt.Errorf("%s: client_credentials requires a confidential client: %w", op, ErrInvalidFlow)
	}
	opts := getConfigOpts(opt...)
	scopes := make([]string, 0, len(p.config.Scopes)+len(opts.withScopes))
	for _, s := range append(append([]string{}, p.config.Scopes...), opts.withScopes...) {
		if s == oidc.ScopeOpenID {
			continue
		}
		scopes = append(scopes, s)
	}
	ccConfig := clientcredentials.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		TokenURL:     p.info.TokenURL,
		Scopes:       strutils.RemoveDuplicatesStable(scopes),
		AuthStyle:    p.authStyle(),
	}
	reqCtx, cancel := p.ctxWithTimeout(ctx)
	defer cancel()
	oauth2Token, err := ccConfig.Token(HTTPClientContext(reqCtx, p.client))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to obtain client credentials token: %s: %w", op, err, ErrTokenExchangeFailed)
	}
	t, err := NewToken("", oauth2Token, WithNow(p.config.NowFunc))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create new token: %w", op, err)
	}
	return t, nil
}

// RefreshToken uses an existing refresh_token to obtain a fresh set of
// tokens.  The new token set is returned as-is and is never merged with any
// previously issued one.  If the response carries an id_token it's verified
// (without a nonce check, since refresh responses aren't bound to an
// authentication request).
func (p *Provider) RefreshToken(ctx context.Context, refreshToken RefreshToken) (*Tk, error) {
	const op = "Provider.RefreshToken"
	if refreshToken == "" {
		return nil, fmt.Errorf("%s: refresh token is empty: %w", op, ErrInvalidParameter)
	}
	oauth2Config := p.oauth2Config("")
	reqCtx, cancel := p.ctxWithTimeout(ctx)
	defer cancel()
	src := oauth2Config.TokenSource(HTTPClientContext(reqCtx, p.client), &oauth2.Token{
		RefreshToken: string(refreshToken),
	})
	oauth2Token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to refresh token: %s: %w", op, err, ErrTokenExchangeFailed)
	}
	var idToken IDToken
	if raw, ok := oauth2Token.Extra("id_token").(string); ok && raw != "" {
		idToken = IDToken(raw)
		if _, err := p.verifyIDTokenClaims(ctx, idToken, "", nil); err != nil {
			return nil, fmt.Errorf("%s: refreshed id_token failed verification: %w", op, err)
		}
	}
	t, err := NewToken(idToken, oauth2Token, WithNow(p.config.NowFunc))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create new token: %w", op, err)
	}
	return t, nil
}

// UserInfo gets the UserInfo claims from the provider using the token
// produced by the tokenSource.
func (p *Provider) UserInfo(ctx context.Context, tokenSource oauth2.TokenSource, claims interface{}) error {
	const op = "Provider.UserInfo"
	if tokenSource == nil {
		return fmt.Errorf("%s: token source is nil: %w", op, ErrNilParameter)
	}
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	reqCtx, cancel := p.ctxWithTimeout(ctx)
	defer cancel()
	userinfo, err := p.provider.UserInfo(HTTPClientContext(reqCtx, p.client), tokenSource)
	if err != nil {
		return fmt.Errorf("%s: provider UserInfo request failed: %s: %w", op, err, ErrUserInfoFailed)
	}
	if err := userinfo.Claims(claims); err != nil {
		return fmt.Errorf("%s: failed to get UserInfo claims: %w", op, err)
	}
	return nil
}

// VerifyIDToken will verify the inbound IDToken and return its claims.  It
// verifies it's been signed by the provider (via the JWKS from discovery),
// and validates its iss, aud, exp, nbf and nonce claims against the
// originating request.
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#IDTokenValidation
func (p *Provider) VerifyIDToken(ctx context.Context, t IDToken, oidcRequest Request) (map[string]interface{}, error) {
	const op = "Provider.VerifyIDToken"
	if t == "" {
		return nil, fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if oidcRequest == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	var authAfter time.Time
	if _, after := oidcRequest.MaxAge(); !after.IsZero() {
		authAfter = after
	}
	claims, err := p.verifyIDTokenClaims(ctx, t, oidcRequest.Nonce(), oidcRequest.Audiences())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !authAfter.IsZero() {
		authTime, ok := claims["auth_time"].(float64)
		if !ok {
			return nil, fmt.Errorf("%s: missing auth_time claim when max_age was requested: %w", op, ErrIDTokenVerificationFailed)
		}
		if time.Unix(int64(authTime), 0).Before(authAfter) {
			return nil, fmt.Errorf("%s: user authenticated before the request's max_age allows: %w", op, ErrIDTokenVerificationFailed)
		}
	}
	return claims, nil
}

// verifyIDTokenClaims performs the signature and claim validation common to
// every place an id_token can arrive (code exchange, implicit response,
// refresh response).  An empty expectedNonce skips the nonce check.
func (p *Provider) verifyIDTokenClaims(ctx context.Context, t IDToken, expectedNonce string, reqAudiences []string) (map[string]interface{}, error) {
	algs := make([]string, 0, len(p.config.SupportedSigningAlgs))
	for _, a := range p.config.SupportedSigningAlgs {
		algs = append(algs, string(a))
	}
	audiences := p.config.Audiences
	if len(reqAudiences) > 0 {
		audiences = reqAudiences
	}
	oidcConfig := &oidc.Config{
		SupportedSigningAlgs: algs,
		ClientID:             p.config.ClientID,
		Now:                  p.config.Now,
	}
	if len(audiences) > 0 {
		// the aud claim is checked against the configured audiences below
		// instead of against the client id.
		oidcConfig.SkipClientIDCheck = true
	}
	verifier := p.provider.VerifierContext(HTTPClientContext(p.backgroundCtx, p.client), oidcConfig)

	reqCtx, cancel := p.ctxWithTimeout(ctx)
	defer cancel()
	oidcIDToken, err := verifier.Verify(reqCtx, string(t))
	if err != nil {
		return nil, fmt.Errorf("invalid id_token: %s: %w", err, ErrIDTokenVerificationFailed)
	}

	if expectedNonce != "" && oidcIDToken.Nonce != expectedNonce {
		return nil, fmt.Errorf("invalid id_token nonce: %w", ErrInvalidNonce)
	}
	if len(audiences) > 0 {
		found := false
		for _, v := range audiences {
			if strutils.StrListContains(oidcIDToken.Audience, v) {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("invalid id_token audiences: %w", ErrInvalidAudience)
		}
	}

	claims := map[string]interface{}{}
	if err := oidcIDToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("unable to retrieve id_token claims: %w", err)
	}
	// go-oidc doesn't check nbf, so it's checked here with a small skew.
	if nbf, ok := claims["nbf"].(float64); ok {
		if time.Unix(int64(nbf), 0).After(p.config.Now().Add(DefaultTokenExpirySkew)) {
			return nil, fmt.Errorf("id_token is not yet valid (nbf): %w", ErrIDTokenVerificationFailed)
		}
	}
	return claims, nil
}

// VerifyAccessToken verifies an access_token against the at_hash claim of a
// verified id_token, which hybrid and implicit responses require.
func (p *Provider) VerifyAccessToken(ctx context.Context, t IDToken, accessToken AccessToken) error {
	const op = "Provider.VerifyAccessToken"
	if t == "" {
		return fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if accessToken == "" {
		return fmt.Errorf("%s: access_token is empty: %w", op, ErrInvalidParameter)
	}
	algs := make([]string, 0, len(p.config.SupportedSigningAlgs))
	for _, a := range p.config.SupportedSigningAlgs {
		algs = append(algs, string(a))
	}
	verifier := p.provider.VerifierContext(HTTPClientContext(p.backgroundCtx, p.client), &oidc.Config{
		SupportedSigningAlgs: algs,
		SkipClientIDCheck:    true,
		Now:                  p.config.Now,
	})
	reqCtx, cancel := p.ctxWithTimeout(ctx)
	defer cancel()
	oidcIDToken, err := verifier.Verify(reqCtx, string(t))
	if err != nil {
		return fmt.Errorf("%s: invalid id_token: %s: %w", op, err, ErrIDTokenVerificationFailed)
	}
	if err := oidcIDToken.VerifyAccessToken(string(accessToken)); err != nil {
		return fmt.Errorf("%s: %s: %w", op, err, ErrInvalidAtHash)
	}
	return nil
}

// oauth2Config builds the x/oauth2 config used for code exchange and token
// refresh, mapping the configured client authentication method onto the
// library's auth styles.
func (p *Provider) oauth2Config(redirectURL string) oauth2.Config {
	return oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.info.AuthURL,
			TokenURL:  p.info.TokenURL,
			AuthStyle: p.authStyle(),
		},
		Scopes: p.config.Scopes,
	}
}

// authStyle maps the configured ClientAuthMethod to an oauth2.AuthStyle.
// Public clients use AuthStyleInParams so their client_id still rides in the
// request body.
func (p *Provider) authStyle() oauth2.AuthStyle {
	switch p.config.ClientAuthMethod {
	case ClientSecretBasic:
		return oauth2.AuthStyleInHeader
	default:
		return oauth2.AuthStyleInParams
	}
}

// postForm POSTs form values to the given endpoint with the configured
// client authentication applied, returning the response and its body.
func (p *Provider) postForm(ctx context.Context, endpoint string, v url.Values) (*http.Response, []byte, error) {
	switch p.config.ClientAuthMethod {
	case ClientSecretPost:
		v.Set("client_id", p.config.ClientID)
		v.Set("client_secret", string(p.config.ClientSecret))
	case ClientSecretBasic:
		// credentials ride in the Authorization header below.
	default:
		v.Set("client_id", p.config.ClientID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(v.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.config.ClientAuthMethod == ClientSecretBasic {
		req.SetBasicAuth(url.QueryEscape(p.config.ClientID), url.QueryEscape(string(p.config.ClientSecret)))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

// tokenFromResponseBody builds a *Tk from a raw token endpoint JSON
// response.  When the response carries an id_token it's verified against
// the JWKS (the optional expectedNonce applies when the grant was bound to
// an authentication request).
func (p *Provider) tokenFromResponseBody(ctx context.Context, body []byte, oidcRequest Request) (*Tk, error) {
	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("unable to decode token response: %w", err)
	}
	oauth2Token := (&oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		RefreshToken: tokenResp.RefreshToken,
	}).WithExtra(map[string]interface{}{
		"id_token": tokenResp.IDToken,
		"scope":    tokenResp.Scope,
	})
	if tokenResp.ExpiresIn > 0 {
		oauth2Token.Expiry = p.config.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	var idToken IDToken
	if tokenResp.IDToken != "" {
		idToken = IDToken(tokenResp.IDToken)
		expectedNonce := ""
		var audiences []string
		if oidcRequest != nil {
			expectedNonce = oidcRequest.Nonce()
			audiences = oidcRequest.Audiences()
		}
		if _, err := p.verifyIDTokenClaims(ctx, idToken, expectedNonce, audiences); err != nil {
			return nil, fmt.Errorf("id_token failed verification: %w", err)
		}
	}
	t, err := NewToken(idToken, oauth2Token, WithNow(p.config.NowFunc))
	if err != nil {
		return nil, fmt.Errorf("unable to create new token: %w", err)
	}
	return t, nil
}

// ctxWithTimeout applies the default request timeout when the inbound
// context has no deadline of its own.
func (p *Provider) ctxWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultRequestTimeout)
}

// providerOptions is the set of available options for NewProvider.
type providerOptions struct {
	withDiscoveryTTL time.Duration
	withoutCache     bool
}

// providerDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func providerDefaults() providerOptions {
	return providerOptions{
		withDiscoveryTTL: DefaultDiscoveryTTL,
	}
}

// getProviderOpts gets the provider defaults and applies the opt overrides
// passed in.
func getProviderOpts(opt ...Option) providerOptions {
	opts := providerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithDiscoveryTTL provides an optional TTL overriding DefaultDiscoveryTTL
// for cached discovery documents.
//
// Valid for: NewProvider
func WithDiscoveryTTL(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			if d > 0 {
				o.withDiscoveryTTL = d
			}
		}
	}
}

// WithoutDiscoveryCache disables the shared discovery cache for the new
// provider, forcing a fresh fetch of the issuer's discovery document.
//
// Valid for: NewProvider
func WithoutDiscoveryCache() Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withoutCache = true
		}
	}
}
