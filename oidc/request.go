package oidc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/text/language"
)

// Request basically represents one OIDC authentication flow for a user.  It
// contains the data needed to uniquely represent that one-time flow across
// the multiple interactions needed to complete the OIDC flow the user is
// attempting.
//
// Request() is passed throughout the OIDC interactions to uniquely identify
// the flow's request.  The Request.State() and Request.Nonce() cannot be
// equal, and will be used during the OIDC flow to prevent CSRF and replay
// attacks (see the oidc spec for specifics).
type Request interface {
	// State is a unique identifier and an opaque value used to maintain
	// state between the oidc request and the callback.
	State() string

	// Nonce is a unique nonce and a string value used to associate a Client
	// session with an ID Token, and to mitigate replay attacks.
	Nonce() string

	// IsExpired returns true if the request has expired.  Anything arriving
	// for an expired request must be rejected, never processed.
	IsExpired() bool

	// Audiences is an optional list of case-sensitive strings to use when
	// verifying an id_token's "aud" claim.
	Audiences() []string

	// Scopes is an optional list of scopes to request of the provider.
	Scopes() []string

	// RedirectURL is the URL where the provider will send responses to
	// authentication requests.
	RedirectURL() string

	// ImplicitFlow indicates whether an implicit flow should be used and if
	// so, whether the access_token should be omitted from the response
	// (response_type=id_token vs response_type="id_token token").
	ImplicitFlow() (useImplicit bool, withoutAccessToken bool)

	// HybridFlow indicates whether a hybrid flow (response_type="code
	// id_token") should be used.  Hybrid requests always carry both a nonce
	// and a PKCE challenge.
	HybridFlow() bool

	// PKCEVerifier returns the PKCE code verifier for the request, or nil
	// when PKCE isn't being used.
	PKCEVerifier() *CodeVerifier

	// AuthorizationDetails returns the raw JSON for the RFC 9396 (Rich
	// Authorization Requests) authorization_details parameter, or nil.
	AuthorizationDetails() []byte

	// MaxAge: when authAfter is not a zero value, the user must have
	// authenticated after that point in time.
	MaxAge() (seconds uint, authAfter time.Time)

	// Prompts optionally defines the prompt parameter values.
	Prompts() []Prompt

	// Display optionally defines the display parameter value.
	Display() Display

	// UILocales optionally defines the preferred languages for the UI.
	UILocales() []language.Tag

	// Claims optionally requests that specific claims be returned, as raw
	// JSON for the claims parameter.
	Claims() []byte

	// ACRValues optionally defines the acr_values parameter.
	ACRValues() []string
}

// Req represents the request for an OIDC flow and implements the Request
// interface.
type Req struct {
	// state is a unique identifier and an opaque value used to maintain
	// state between the oidc request and the callback.
	state string

	// nonce is a unique nonce suitable for use as an oidc nonce.
	nonce string

	// expiration is the expiration time for the Request.
	expiration time.Time

	// redirectURL is the URL where the provider will send responses.
	redirectURL string

	// nowFunc is an optional function that returns the current time.
	nowFunc func() time.Time

	// audiences is an optional list of audiences to verify against the
	// id_token's aud claim.
	audiences []string

	// scopes is an optional list of scopes to request.
	scopes []string

	// verifier is an optional PKCE code verifier.
	verifier *CodeVerifier

	// implicit and implicitWithoutAccessToken select the implicit flow.
	implicit                   bool
	implicitWithoutAccessToken bool

	// hybrid selects the hybrid flow ("code id_token").
	hybrid bool

	// authorizationDetails is raw JSON for the RAR parameter.
	authorizationDetails []byte

	maxAge    *maxAge
	prompts   []Prompt
	display   Display
	uiLocales []language.Tag
	claims    []byte
	acrValues []string
}

// ensure that Req implements the Request interface
var _ Request = (*Req)(nil)

// NewRequest creates a new Request (*Req).  Every request is a one-time
// artifact: generating a new request for a flow supersedes the previous one,
// and its state/nonce will no longer validate.
//
// The request's state and nonce are generated with NewID (crypto/rand
// base62) unless overridden via WithState/WithNonce, and can never be equal.
//
// Supported options: WithNow, WithAudiences, WithScopes, WithState,
// WithNonce, WithPKCE, WithImplicitFlow, WithHybridFlow,
// WithAuthorizationDetails, WithMaxAge, WithPrompts, WithDisplay,
// WithUILocales, WithClaims, WithACRValues
func NewRequest(expireIn time.Duration, redirectURL string, opt ...Option) (*Req, error) {
	const op = "oidc.NewRequest"
	opts := getReqOpts(opt...)
	if expireIn == 0 || expireIn < 0 {
		return nil, fmt.Errorf("%s: expireIn not greater than zero: %w", op, ErrInvalidParameter)
	}

	var err error
	state := opts.withState
	if state == "" {
		if state, err = NewID(WithPrefix("st")); err != nil {
			return nil, fmt.Errorf("%s: unable to generate a request's state: %w", op, err)
		}
	}
	nonce := opts.withNonce
	if nonce == "" {
		if nonce, err = NewID(WithPrefix("n")); err != nil {
			return nil, fmt.Errorf("%s: unable to generate a request's nonce: %w", op, err)
		}
	}
	if state == nonce {
		return nil, fmt.Errorf("%s: state and nonce cannot be equal: %w", op, ErrInvalidParameter)
	}

	// fail fast on unsupported flow/parameter combinations rather than
	// silently omitting parameters.
	if opts.withImplicitFlow != nil && opts.withVerifier != nil {
		return nil, fmt.Errorf("%s: implicit flow does not support PKCE: %w", op, ErrInvalidFlow)
	}
	if opts.withImplicitFlow != nil && opts.withHybridFlow {
		return nil, fmt.Errorf("%s: implicit and hybrid flows cannot be combined: %w", op, ErrInvalidFlow)
	}
	if opts.withHybridFlow && opts.withVerifier == nil {
		return nil, fmt.Errorf("%s: hybrid flow requires PKCE: %w", op, ErrInvalidFlow)
	}
	if len(opts.withAuthorizationDetails) > 0 && !json.Valid(opts.withAuthorizationDetails) {
		return nil, fmt.Errorf("%s: authorization_details is not valid JSON: %w", op, ErrInvalidParameter)
	}
	if len(opts.withClaims) > 0 && !json.Valid(opts.withClaims) {
		return nil, fmt.Errorf("%s: claims parameter is not valid JSON: %w", op, ErrInvalidParameter)
	}

	r := &Req{
		state:                state,
		nonce:                nonce,
		redirectURL:          redirectURL,
		nowFunc:              opts.withNowFunc,
		audiences:            opts.withAudiences,
		scopes:               opts.withScopes,
		verifier:             opts.withVerifier,
		hybrid:               opts.withHybridFlow,
		authorizationDetails: opts.withAuthorizationDetails,
		maxAge:               opts.withMaxAge,
		prompts:              opts.withPrompts,
		display:              opts.withDisplay,
		uiLocales:            opts.withUILocales,
		claims:               opts.withClaims,
		acrValues:            opts.withACRValues,
	}
	r.expiration = r.now().Add(expireIn)
	if opts.withImplicitFlow != nil {
		r.implicit = true
		r.implicitWithoutAccessToken = opts.withImplicitFlow.withoutAccessToken
	}
	if r.maxAge != nil {
		r.maxAge.authAfter = r.now().Add(-1 * time.Duration(r.maxAge.seconds) * time.Second)
	}
	return r, nil
}

func (r *Req) State() string       { return r.state }       // State implements the Request.State() interface function.
func (r *Req) Nonce() string       { return r.nonce }       // Nonce implements the Request.Nonce() interface function.
func (r *Req) RedirectURL() string { return r.redirectURL } // RedirectURL implements the Request.RedirectURL() interface function.
func (r *Req) Audiences() []string { return r.audiences }   // Audiences implements the Request.Audiences() interface function.
func (r *Req) Scopes() []string    { return r.scopes }      // Scopes implements the Request.Scopes() interface function.
func (r *Req) HybridFlow() bool    { return r.hybrid }      // HybridFlow implements the Request.HybridFlow() interface function.
func (r *Req) Prompts() []Prompt   { return r.prompts }     // Prompts implements the Request.Prompts() interface function.
func (r *Req) Display() Display    { return r.display }     // Display implements the Request.Display() interface function.
func (r *Req) Claims() []byte      { return r.claims }      // Claims implements the Request.Claims() interface function.
func (r *Req) ACRValues() []string { return r.acrValues }   // ACRValues implements the Request.ACRValues() interface function.

// UILocales implements the Request.UILocales() interface function.
func (r *Req) UILocales() []language.Tag { return r.uiLocales }

// AuthorizationDetails implements the Request.AuthorizationDetails()
// interface function.
func (r *Req) AuthorizationDetails() []byte { return r.authorizationDetails }

// PKCEVerifier implements the Request.PKCEVerifier() interface function and
// returns a copy, so the request's verifier can't be mutated by a caller.
func (r *Req) PKCEVerifier() *CodeVerifier {
	if r.verifier == nil {
		return nil
	}
	return r.verifier.copy()
}

// ImplicitFlow implements the Request.ImplicitFlow() interface function.
func (r *Req) ImplicitFlow() (bool, bool) {
	return r.implicit, r.implicitWithoutAccessToken
}

// MaxAge implements the Request.MaxAge() interface function.
func (r *Req) MaxAge() (uint, time.Time) {
	if r.maxAge == nil {
		return 0, time.Time{}
	}
	return r.maxAge.seconds, r.maxAge.authAfter
}

// IsExpired returns true if the request has expired.
func (r *Req) IsExpired() bool {
	return r.expiration.Before(r.now())
}

// now returns the current time using the optional nowFunc.
func (r *Req) now() time.Time {
	if r.nowFunc != nil {
		return r.nowFunc()
	}
	return time.Now() // fallback to standard library time pkg
}

// Prompt is a string values that specifies whether the Authorization Server
// prompts the End-User for reauthentication and consent.
// See: https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest
type Prompt string

const (
	// Defined the Prompt values that specifies whether the Authorization
	// Server prompts the End-User for reauthentication and consent.
	None          Prompt = "none"
	Login         Prompt = "login"
	Consent       Prompt = "consent"
	SelectAccount Prompt = "select_account"
)

// Display is a string value that specifies how the Authorization Server
// displays the authentication and consent user interface pages to the
// End-User.
// See: https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest
type Display string

const (
	// Defined the Display values that specifies how the Authorization Server
	// displays the authentication and consent user interface pages.
	Page  Display = "page"
	Popup Display = "popup"
	Touch Display = "touch"
	WAP   Display = "wap"
)

// maxAge is used to specify an allowable elapsed time in seconds since the
// last time the End-User was actively authenticated.
type maxAge struct {
	seconds   uint
	authAfter time.Time
}

// String returns the seconds for the max_age parameter.
func (m maxAge) String() string {
	return strconv.FormatUint(uint64(m.seconds), 10)
}

// implicitFlow indicates the implicit flow and whether the access_token
// should be omitted from the response.
type implicitFlow struct {
	withoutAccessToken bool
}

// reqOptions is the set of available options for Req functions.
type reqOptions struct {
	withNowFunc              func() time.Time
	withAudiences            []string
	withScopes               []string
	withState                string
	withNonce                string
	withVerifier             *CodeVerifier
	withImplicitFlow         *implicitFlow
	withHybridFlow           bool
	withAuthorizationDetails []byte
	withMaxAge               *maxAge
	withPrompts              []Prompt
	withDisplay              Display
	withUILocales            []language.Tag
	withClaims               []byte
	withACRValues            []string
}

// reqDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func reqDefaults() reqOptions {
	return reqOptions{}
}

// getReqOpts gets the request defaults and applies the opt overrides passed
// in.
func getReqOpts(opt ...Option) reqOptions {
	opts := reqDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithState provides an optional state for the request, overriding the
// generated one.  The caller is responsible for its uniqueness and entropy
// (at least 128 bits are recommended).
//
// Valid for: Request
func WithState(s string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withState = s
		}
	}
}

// WithNonce provides an optional nonce for the request, overriding the
// generated one.  The caller is responsible for its uniqueness.
//
// Valid for: Request
func WithNonce(n string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withNonce = n
		}
	}
}

// WithPKCE provides an optional CodeVerifier for the request, which enables
// the PKCE flow.  The verifier is consumed exactly once, at token exchange.
//
// Valid for: Request
func WithPKCE(v *CodeVerifier) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withVerifier = v
		}
	}
}

// WithImplicitFlow provides an option to use an OIDC implicit flow for the
// request.  It should be noted that if an implicit flow is used then the
// server must use the request's Nonce to verify any id_tokens received, and
// the implicit flow exposes tokens in the redirect URL.
//
// WithImplicitFlow() requests: response_type="id_token token"
// WithImplicitFlow(true) requests: response_type="id_token"
//
// Valid for: Request
func WithImplicitFlow(args ...interface{}) Option {
	withoutAccessToken := false
	for _, arg := range args {
		switch arg := arg.(type) {
		case bool:
			if arg {
				withoutAccessToken = true
			}
		}
	}
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withImplicitFlow = &implicitFlow{withoutAccessToken}
		}
	}
}

// WithHybridFlow provides an option to use the OIDC hybrid flow
// (response_type="code id_token") for the request.  Hybrid requests require
// PKCE, so WithPKCE must be provided as well.
//
// Valid for: Request
func WithHybridFlow() Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withHybridFlow = true
		}
	}
}

// WithAuthorizationDetails provides optional raw JSON for the RFC 9396
// (Rich Authorization Requests) authorization_details parameter, which is
// sent alongside (or instead of) scope.
//
// Valid for: Request
func WithAuthorizationDetails(rawJSON []byte) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withAuthorizationDetails = rawJSON
		}
	}
}

// WithMaxAge provides an optional max_age for the request.  When set, the
// provider must prompt for reauthentication if the user authenticated longer
// than seconds ago.
//
// Valid for: Request
func WithMaxAge(seconds uint) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			// authAfter will be a zero value, since it's not set until the
			// NewRequest() factory, when it can determine it's nowFunc
			o.withMaxAge = &maxAge{
				seconds: seconds,
			}
		}
	}
}

// WithPrompts provides an optional list of prompts for the request.
//
// Valid for: Request
func WithPrompts(prompts ...Prompt) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withPrompts = prompts
		}
	}
}

// WithDisplay provides an optional display value for the request.
//
// Valid for: Request
func WithDisplay(d Display) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withDisplay = d
		}
	}
}

// WithUILocales provides an optional list of language tags for the request,
// expressing the preferred languages for the provider's user interface.
//
// Valid for: Request
func WithUILocales(locales ...language.Tag) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withUILocales = locales
		}
	}
}

// WithClaims provides optional raw JSON for the claims parameter, requesting
// that specific claims be returned.
//
// Valid for: Request
func WithClaims(rawJSON []byte) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withClaims = rawJSON
		}
	}
}

// WithACRValues provides an optional list of acr_values for the request.
//
// Valid for: Request
func WithACRValues(values ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withACRValues = values
		}
	}
}
