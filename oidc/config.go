package oidc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/oauthlab/oidcflow/oidc/internal/strutils"
)

// ClientSecret is an oauth client Secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret.
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret.
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// ClientAuthMethod represents how the client authenticates to the token
// endpoint.
type ClientAuthMethod string

const (
	// ClientSecretBasic sends the client id/secret via an Authorization:
	// Basic header (RFC 6749 section 2.3.1's preferred method).
	ClientSecretBasic ClientAuthMethod = "client_secret_basic"

	// ClientSecretPost sends the client id/secret in the request body.
	ClientSecretPost ClientAuthMethod = "client_secret_post"

	// NoClientAuth is used by public clients which authenticate with a PKCE
	// code verifier only.
	NoClientAuth ClientAuthMethod = "none"
)

// confidential reports whether the method requires a client secret.
func (m ClientAuthMethod) confidential() bool {
	return m == ClientSecretBasic || m == ClientSecretPost
}

// Alg represents asymmetric signing algorithms.
type Alg string

const (
	// JOSE asymmetric signing algorithm values as defined by RFC 7518.
	RS256 Alg = "RS256" // RSASSA-PKCS-v1.5 using SHA-256
	RS384 Alg = "RS384" // RSASSA-PKCS-v1.5 using SHA-384
	RS512 Alg = "RS512" // RSASSA-PKCS-v1.5 using SHA-512
	ES256 Alg = "ES256" // ECDSA using P-256 and SHA-256
	ES384 Alg = "ES384" // ECDSA using P-384 and SHA-384
	ES512 Alg = "ES512" // ECDSA using P-521 and SHA-512
	PS256 Alg = "PS256" // RSASSA-PSS using SHA256 and MGF1-SHA256
	PS384 Alg = "PS384" // RSASSA-PSS using SHA384 and MGF1-SHA384
	PS512 Alg = "PS512" // RSASSA-PSS using SHA512 and MGF1-SHA512
	EdDSA Alg = "EdDSA" // Ed25519
)

var supportedAlgorithms = map[Alg]bool{
	RS256: true,
	RS384: true,
	RS512: true,
	ES256: true,
	ES384: true,
	ES512: true,
	PS256: true,
	PS384: true,
	PS512: true,
	EdDSA: true,
}

// Config represents the configuration for an OIDC provider used by a relying
// party: the per-flow client credentials plus everything needed to talk to
// the issuer.
type Config struct {
	// ClientID is the relying party ID.
	ClientID string

	// ClientSecret is the relying party secret.  It's required iff
	// ClientAuthMethod is a confidential method and must be empty for
	// public (PKCE-only) clients.
	ClientSecret ClientSecret

	// ClientAuthMethod determines how the client authenticates to the token
	// endpoint.  Defaults to ClientSecretBasic when a secret is present and
	// NoClientAuth otherwise.
	ClientAuthMethod ClientAuthMethod

	// Scopes is a list of default oidc scopes to request of the provider.
	// The required "openid" scope is requested by default, and should not be
	// part of this optional list.
	Scopes []string

	// Issuer is a case-sensitive URL string using the https scheme that
	// contains scheme, host, and optionally, port number and path components
	// and no query or fragment components.
	Issuer string

	// SupportedSigningAlgs is a list of supported signing algorithms. List
	// of currently supported algs: RS256, RS384, RS512, ES256, ES384,
	// ES512, PS256, PS384, PS512, EdDSA
	SupportedSigningAlgs []Alg

	// AllowedRedirectURLs is a list of allowed URLs for the provider to
	// redirect to after a user authenticates.
	AllowedRedirectURLs []string

	// Audiences is an optional list of case-sensitive strings to use when
	// verifying an id_token's "aud" claim (which is also a list).
	Audiences []string

	// ProviderCA is an optional CA certs (PEM encoded) to use when sending
	// requests to the provider. If you have a list of *.pem files, you can
	// concatenate them into one PEM.
	ProviderCA string

	// RoundTripper is an optional http.RoundTripper to use when sending
	// requests to the provider.  It cannot be combined with ProviderCA.
	RoundTripper http.RoundTripper

	// NowFunc is a time func that returns the current time.
	NowFunc func() time.Time `json:"-"`

	// Logger is an optional hclog.Logger.  Nothing is logged when it's nil.
	Logger hclog.Logger `json:"-"`
}

// NewConfig composes a new config for a provider.
//
// The "openid" scope will always be added to the new configuration's Scopes,
// regardless of what additional scopes are requested via the WithScopes
// option and duplicate scopes are allowed.
//
// Supported options: WithProviderCA, WithScopes, WithAudiences, WithNow,
// WithClientAuthMethod, WithLogger, WithRoundTripper
func NewConfig(issuer string, clientID string, clientSecret ClientSecret, supported []Alg, allowedRedirectURLs []string, opt ...Option) (*Config, error) {
	const op = "oidc.NewConfig"
	opts := getConfigOpts(opt...)

	authMethod := opts.withAuthMethod
	if authMethod == "" {
		switch {
		case clientSecret != "":
			authMethod = ClientSecretBasic
		default:
			authMethod = NoClientAuth
		}
	}

	c := &Config{
		Issuer:               issuer,
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		ClientAuthMethod:     authMethod,
		SupportedSigningAlgs: supported,
		AllowedRedirectURLs:  allowedRedirectURLs,
		Scopes:               append([]string{oidc.ScopeOpenID}, opts.withScopes...),
		Audiences:            opts.withAudiences,
		ProviderCA:           opts.withProviderCA,
		RoundTripper:         opts.withRoundTripper,
		NowFunc:              opts.withNowFunc,
		Logger:               opts.withLogger,
	}
	c.Scopes = strutils.RemoveDuplicatesStable(c.Scopes)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
	}
	return c, nil
}

// Hash will produce a hash value for the Config, which is suitable to use for
// comparing two configurations for equality.
func (c *Config) Hash() (string, error) {
	const op = "Config.Hash"
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("%s: unable to marshal config: %w", op, err)
	}
	return fmt.Sprintf("%x", data), nil
}

// Validate the provider configuration.  Among other validations, it verifies
// the issuer is not empty, but it doesn't verify the Issuer is discoverable
// via an http request.  SupportedSigningAlgs are validated against the list
// of currently supported algs: RS256, RS384, RS512, ES256, ES384, ES512,
// PS256, PS384, PS512, EdDSA.
//
// All problems found are reported, not just the first.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}

	var result *multierror.Error
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("client id is empty: %w", ErrInvalidParameter))
	}
	switch {
	case c.ClientAuthMethod != "" && c.ClientAuthMethod != NoClientAuth && !c.ClientAuthMethod.confidential():
		result = multierror.Append(result, fmt.Errorf("unsupported client auth method %s: %w", c.ClientAuthMethod, ErrInvalidParameter))
	case c.ClientAuthMethod.confidential() && c.ClientSecret == "":
		result = multierror.Append(result, fmt.Errorf("client auth method %s requires a client secret: %w", c.ClientAuthMethod, ErrMissingClientSecret))
	case !c.ClientAuthMethod.confidential() && c.ClientSecret != "":
		result = multierror.Append(result, fmt.Errorf("client secret provided for public client auth method %s: %w", c.ClientAuthMethod, ErrInvalidParameter))
	}
	switch {
	case c.Issuer == "":
		result = multierror.Append(result, fmt.Errorf("discovery URL is empty: %w", ErrInvalidParameter))
	default:
		u, err := url.Parse(c.Issuer)
		switch {
		case err != nil:
			result = multierror.Append(result, fmt.Errorf("issuer %s is invalid (%s): %w", c.Issuer, err, ErrInvalidIssuer))
		case !strutils.StrListContains([]string{"https", "http"}, u.Scheme):
			result = multierror.Append(result, fmt.Errorf("issuer %s scheme is not http or https: %w", c.Issuer, ErrInvalidIssuer))
		case u.Fragment != "" || u.RawQuery != "":
			result = multierror.Append(result, fmt.Errorf("issuer %s must not contain a query or fragment: %w", c.Issuer, ErrInvalidIssuer))
		}
	}
	for _, allowed := range c.AllowedRedirectURLs {
		if _, err := url.Parse(allowed); err != nil {
			result = multierror.Append(result, fmt.Errorf("allowed redirect URL %s is invalid (%s): %w", allowed, err, ErrInvalidParameter))
		}
	}
	switch {
	case len(c.SupportedSigningAlgs) == 0:
		result = multierror.Append(result, fmt.Errorf("supported algorithms is empty: %w", ErrInvalidParameter))
	default:
		for _, a := range c.SupportedSigningAlgs {
			if !supportedAlgorithms[a] {
				result = multierror.Append(result, fmt.Errorf("unsupported algorithm %s: %w", a, ErrInvalidParameter))
			}
		}
	}
	if c.ProviderCA != "" && c.RoundTripper != nil {
		result = multierror.Append(result, fmt.Errorf("you cannot specify both a ProviderCA and a RoundTripper: %w", ErrInvalidParameter))
	}
	return result.ErrorOrNil()
}

// Now will return the current time which can be overridden by the NowFunc.
func (c *Config) Now() time.Time {
	if c.NowFunc != nil {
		return c.NowFunc()
	}
	return time.Now() // fallback to standard library time pkg
}

// HTTPClient returns an http.Client for the config.  The returned client uses
// a pooled transport (so it can reuse connections) and the configured
// ProviderCA or RoundTripper, if any.
func (c *Config) HTTPClient() (*http.Client, error) {
	const op = "Config.HTTPClient"
	if c.RoundTripper != nil {
		return &http.Client{Transport: c.RoundTripper}, nil
	}
	tr := cleanhttp.DefaultPooledTransport()
	if c.ProviderCA != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(c.ProviderCA)); !ok {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs: certPool,
		}
	}
	return &http.Client{
		Transport: tr,
	}, nil
}

// HTTPClientContext is a helper function that returns a new Context that
// carries the provided HTTP client. This method sets the same context key
// used by the github.com/coreos/go-oidc and golang.org/x/oauth2 packages, so
// the returned context works for those packages as well.
func HTTPClientContext(ctx context.Context, client *http.Client) context.Context {
	// simple to implement as a wrapper for the coreos package
	return oidc.ClientContext(ctx, client)
}

// configOptions is the set of available options for Config functions
type configOptions struct {
	withScopes       []string
	withAudiences    []string
	withProviderCA   string
	withAuthMethod   ClientAuthMethod
	withRoundTripper http.RoundTripper
	withNowFunc      func() time.Time
	withLogger       hclog.Logger
}

// configDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func configDefaults() configOptions {
	return configOptions{}
}

// getConfigOpts gets the config defaults and applies the opt overrides passed
// in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithProviderCA provides optional CA certs (PEM encoded) for the provider's
// config.  These certs will be used when making http requests to the
// provider.
//
// Valid for: Config
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// WithClientAuthMethod provides an optional client authentication method for
// the provider's config, overriding the default inferred from the presence of
// a client secret.
//
// Valid for: Config
func WithClientAuthMethod(m ClientAuthMethod) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withAuthMethod = m
		}
	}
}

// WithRoundTripper provides an optional http.RoundTripper for the provider's
// config, which will be used when making http requests to the provider.  It
// cannot be combined with WithProviderCA.
//
// Valid for: Config
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRoundTripper = rt
		}
	}
}

// WithLogger provides an optional hclog.Logger for the provider's config.
// Secrets are never logged: the redacted types take care of that even at
// debug level.
//
// Valid for: Config
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withLogger = l
		}
	}
}
