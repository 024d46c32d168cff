package oidc

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Token represents a set of oauth2/oidc tokens resulting from a successful
// grant: an optional oidc id_token, an oauth2 access_token (with its expiry
// and type), an optional refresh_token and the scopes actually granted.
type Token interface {
	// RefreshToken returns the Token's refresh_token.
	RefreshToken() RefreshToken

	// AccessToken returns the Token's access_token.
	AccessToken() AccessToken

	// TokenType returns the Token's access_token type (typically "Bearer").
	TokenType() string

	// IDToken returns the Token's id_token, if any.
	IDToken() IDToken

	// Scopes returns the scopes granted by the provider, which may differ
	// from the scopes requested.
	Scopes() []string

	// Expiry returns the expiration time of the access_token.  A zero value
	// means the token never expires.
	Expiry() time.Time

	// IsExpired returns true when the token has expired.  Implementations
	// should support a WithExpirySkew option and default the skew to
	// DefaultTokenExpirySkew.
	IsExpired(opt ...Option) bool

	// Valid will ensure that the access_token is not empty or expired.
	Valid() bool
}

// DefaultTokenExpirySkew defines a default time skew when checking a Token's
// expiration, so a token about to expire isn't handed to a caller who'll
// lose the race with the clock.
const DefaultTokenExpirySkew = 10 * time.Second

// Tk satisfies the Token interface and represents the tokens from a
// successful grant.
type Tk struct {
	idToken    IDToken
	underlying *oauth2.Token
	scopes     []string
	nowFunc    func() time.Time
}

// ensure that Tk implements the Token interface
var _ Token = (*Tk)(nil)

// NewToken creates a new Token (*Tk).  The underlying oauth2.Token is
// required for every grant except implicit, where there's no token endpoint
// response and only an id_token (and perhaps an access_token) arrive via the
// authorization response itself.
//
// Supported options: WithNow
func NewToken(idToken IDToken, t *oauth2.Token, opt ...Option) (*Tk, error) {
	const op = "oidc.NewToken"
	// since oauth2 is part of the std lib, we're not going to worry about it
	// being nil for tests
	opts := getTokenOpts(opt...)
	tk := &Tk{
		idToken:    idToken,
		underlying: t,
		nowFunc:    opts.withNowFunc,
	}
	if t != nil {
		if scope, ok := t.Extra("scope").(string); ok {
			tk.scopes = strings.Fields(scope)
		}
	}
	if tk.underlying == nil && tk.idToken == "" {
		return nil, fmt.Errorf("%s: neither id_token nor oauth2 token were provided: %w", op, ErrInvalidParameter)
	}
	return tk, nil
}

// RefreshToken implements the Token.RefreshToken() interface function.
func (t *Tk) RefreshToken() RefreshToken {
	if t.underlying == nil {
		return ""
	}
	return RefreshToken(t.underlying.RefreshToken)
}

// AccessToken implements the Token.AccessToken() interface function.
func (t *Tk) AccessToken() AccessToken {
	if t.underlying == nil {
		return ""
	}
	return AccessToken(t.underlying.AccessToken)
}

// TokenType implements the Token.TokenType() interface function.
func (t *Tk) TokenType() string {
	if t.underlying == nil {
		return ""
	}
	return t.underlying.TokenType
}

// IDToken implements the Token.IDToken() interface function.
func (t *Tk) IDToken() IDToken { return t.idToken }

// Scopes implements the Token.Scopes() interface function.
func (t *Tk) Scopes() []string { return t.scopes }

// Expiry implements the Token.Expiry() interface function and may be a zero
// value if the provider did not provide one.
func (t *Tk) Expiry() time.Time {
	if t.underlying == nil {
		return time.Time{}
	}
	return t.underlying.Expiry
}

// StaticTokenSource returns a TokenSource that always returns the same token.
// Because the provided token t is never refreshed, it's suitable for tokens
// which never expire or one-shot requests like UserInfo.
func (t *Tk) StaticTokenSource() oauth2.TokenSource {
	if t.underlying == nil {
		return nil
	}
	return oauth2.StaticTokenSource(t.underlying)
}

// IsExpired will return true if the token's access token is expired or empty.
//
// Supported options: WithExpirySkew (default: DefaultTokenExpirySkew)
func (t *Tk) IsExpired(opt ...Option) bool {
	if t.underlying == nil {
		return true
	}
	if t.underlying.Expiry.IsZero() {
		return false
	}
	opts := getTokenOpts(opt...)
	return t.underlying.Expiry.Round(0).Before(t.now().Add(opts.withExpirySkew))
}

// Valid will ensure that the access_token is not empty or expired.
func (t *Tk) Valid() bool {
	if t == nil || t.underlying == nil {
		return false
	}
	if t.underlying.AccessToken == "" {
		return false
	}
	return !t.IsExpired()
}

// now returns the current time using the optional nowFunc.
func (t *Tk) now() time.Time {
	if t.nowFunc != nil {
		return t.nowFunc()
	}
	return time.Now() // fallback to standard library time pkg
}

// tokenOptions is the set of available options for Token functions
type tokenOptions struct {
	withExpirySkew time.Duration
	withNowFunc    func() time.Time
}

// tokenDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func tokenDefaults() tokenOptions {
	return tokenOptions{
		withExpirySkew: DefaultTokenExpirySkew,
	}
}

// getTokenOpts gets the token defaults and applies the opt overrides passed
// in.
func getTokenOpts(opt ...Option) tokenOptions {
	opts := tokenDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// UnmarshalClaims will retrieve the claims from the provided raw JWT token.
// No signature verification is performed.
func UnmarshalClaims(rawToken string, claims interface{}) error {
	return IDToken(rawToken).Claims(claims)
}
