package oidc

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/oauthlab/oidcflow/oidc/internal/base62"
)

// ChallengeMethod represents PKCE code challenge methods as defined by RFC
// 7636.
type ChallengeMethod string

const (
	// PKCE code challenge methods as defined by RFC 7636.
	S256  ChallengeMethod = "S256"  // SHA-256
	Plain ChallengeMethod = "plain" // plain - not recommended

	// verifierLen is the length of a code verifier in base62 characters. 43
	// is the RFC 7636 minimum length and gives over 256 bits of entropy.
	verifierLen = 43
)

// CodeVerifier represents an OAuth PKCE code verifier (RFC 7636).  The
// verifier is a one-time secret: it's bound into the authorization request
// via its challenge and consumed at token exchange.
type CodeVerifier struct {
	verifier  string
	method    ChallengeMethod
	challenge string
}

// NewCodeVerifier creates a new CodeVerifier (*CodeVerifier).  By default the
// S256 challenge method is used; the discouraged "plain" method may be
// explicitly selected via WithChallengeMethod for demonstration purposes.
//
// Supported options: WithChallengeMethod
func NewCodeVerifier(opt ...Option) (*CodeVerifier, error) {
	const op = "oidc.NewCodeVerifier"
	opts := getCodeVerifierOpts(opt...)
	data, err := base62.Random(verifierLen)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create verifier data %w", op, err)
	}
	v := &CodeVerifier{
		verifier: data,
		method:   opts.withChallengeMethod,
	}
	if v.challenge, err = CreateCodeChallenge(v.method, v); err != nil {
		return nil, fmt.Errorf("%s: unable to create code challenge: %w", op, err)
	}
	return v, nil
}

func (v *CodeVerifier) Verifier() string        { return v.verifier }  // Verifier returns the verifier's secret value
func (v *CodeVerifier) Challenge() string       { return v.challenge } // Challenge returns the verifier's derived challenge
func (v *CodeVerifier) Method() ChallengeMethod { return v.method }    // Method returns the verifier's challenge method
func (v *CodeVerifier) copy() *CodeVerifier {
	return &CodeVerifier{
		verifier:  v.verifier,
		method:    v.method,
		challenge: v.challenge,
	}
}

// CreateCodeChallenge creates a code challenge from the verifier using the
// given method.  Supported methods: S256 (base64url(SHA-256(verifier))) and
// plain (the verifier itself).
func CreateCodeChallenge(method ChallengeMethod, verifier *CodeVerifier) (string, error) {
	const op = "oidc.CreateCodeChallenge"
	if verifier == nil {
		return "", fmt.Errorf("%s: verifier is nil: %w", op, ErrNilParameter)
	}
	switch method {
	case S256:
		sum := sha256.Sum256([]byte(verifier.Verifier()))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case Plain:
		return verifier.Verifier(), nil
	default:
		return "", fmt.Errorf("%s: %s is invalid: %w", op, method, ErrUnsupportedChallengeMethod)
	}
}

// codeVerifierOptions is the set of available options for NewCodeVerifier
type codeVerifierOptions struct {
	withChallengeMethod ChallengeMethod
}

// codeVerifierDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func codeVerifierDefaults() codeVerifierOptions {
	return codeVerifierOptions{
		withChallengeMethod: S256,
	}
}

// getCodeVerifierOpts gets the defaults and applies the opt overrides passed in
func getCodeVerifierOpts(opt ...Option) codeVerifierOptions {
	opts := codeVerifierDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithChallengeMethod provides an optional challenge method for a new
// CodeVerifier.  Anything other than S256 or Plain is rejected by
// CreateCodeChallenge.
//
// Valid for: NewCodeVerifier
func WithChallengeMethod(m ChallengeMethod) Option {
	return func(o interface{}) {
		if o, ok := o.(*codeVerifierOptions); ok {
			o.withChallengeMethod = m
		}
	}
}
