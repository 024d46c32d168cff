package callback

import (
	"fmt"
	"net/url"

	"github.com/oauthlab/oidcflow/oidc"
)

// Kind discriminates the shapes an authorization response can take.
type Kind string

const (
	// KindCode carries an authorization code (code and hybrid flows).
	KindCode Kind = "code"

	// KindTokens carries tokens directly (implicit flow).
	KindTokens Kind = "tokens"

	// KindError carries a provider-reported error.
	KindError Kind = "error"
)

// Response is the normalized authorization result, regardless of which
// channel (redirect, popup message, out-of-band resume) it arrived on.  It
// must carry the originating request's state or it will be rejected.
type Response struct {
	Kind Kind

	// Code is the authorization code (KindCode).
	Code string

	// AccessToken and IDToken are set for implicit responses (KindTokens).
	// Hybrid responses carry both a Code and an IDToken.
	AccessToken oidc.AccessToken
	TokenType   string
	IDToken     oidc.IDToken

	// State correlates the response with its originating request.
	State string

	// Issuer is the optional iss parameter (RFC 9207), used to detect
	// mix-up attacks.
	Issuer string

	// Error, ErrorDescription and ErrorURI are set for KindError.
	Error            string
	ErrorDescription string
	ErrorURI         string
}

// ParseResponse normalizes the query (or form_post body / fragment) values
// of an authorization response into a Response.
func ParseResponse(v url.Values) Response {
	r := Response{
		State:            v.Get("state"),
		Issuer:           v.Get("iss"),
		Code:             v.Get("code"),
		AccessToken:      oidc.AccessToken(v.Get("access_token")),
		TokenType:        v.Get("token_type"),
		IDToken:          oidc.IDToken(v.Get("id_token")),
		Error:            v.Get("error"),
		ErrorDescription: v.Get("error_description"),
		ErrorURI:         v.Get("error_uri"),
	}
	switch {
	case r.Error != "":
		r.Kind = KindError
	case r.Code != "":
		r.Kind = KindCode
	default:
		r.Kind = KindTokens
	}
	return r
}

// ProviderError represents an OAuth2 error response from the provider.
// See: https://openid.net/specs/openid-connect-core-1_0.html#AuthError
type ProviderError struct {
	Code        string
	Description string
	URI         string
	State       string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider returned %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("provider returned %s", e.Code)
}

// Unwrap maps well-known provider error codes onto the package's sentinel
// errors so callers can use errors.Is.
func (e *ProviderError) Unwrap() error {
	switch e.Code {
	case "access_denied":
		return oidc.ErrAccessDenied
	case "expired_token":
		return oidc.ErrExpiredToken
	default:
		return oidc.ErrLoginFailed
	}
}

// Validate checks a response against its originating request, in order:
// the state must be present and equal to the request's state (CSRF
// mitigation); when the response carries an iss parameter it must equal
// expectedIssuer (mix-up mitigation); a provider-reported error is mapped
// to a *ProviderError; and the originating request must not be expired.
//
// Any failure is terminal for this authorization attempt.  ID token claim
// validation (nonce, aud, exp, signature) is deferred to the provider's
// post-exchange verification.
func Validate(resp Response, oidcRequest oidc.Request, expectedIssuer string) error {
	const op = "callback.Validate"
	if oidcRequest == nil {
		return fmt.Errorf("%s: request is nil: %w", op, oidc.ErrNilParameter)
	}
	if resp.State == "" || resp.State != oidcRequest.State() {
		return fmt.Errorf("%s: %w", op, oidc.ErrResponseStateInvalid)
	}
	if resp.Issuer != "" && expectedIssuer != "" && resp.Issuer != expectedIssuer {
		return fmt.Errorf("%s: response iss %q doesn't match expected issuer %q: %w", op, resp.Issuer, expectedIssuer, oidc.ErrInvalidIssuer)
	}
	if resp.Kind == KindError {
		return fmt.Errorf("%s: %w", op, &ProviderError{
			Code:        resp.Error,
			Description: resp.ErrorDescription,
			URI:         resp.ErrorURI,
			State:       resp.State,
		})
	}
	if oidcRequest.IsExpired() {
		return fmt.Errorf("%s: %w", op, oidc.ErrExpiredRequest)
	}
	return nil
}
