package oidc

import (
	"fmt"

	"github.com/oauthlab/oidcflow/oidc/internal/base62"
)

// DefaultIDLength is the default length for generated IDs, which are used for
// state and nonce parameters.  43 base62 characters carry 256 bits of
// entropy, well past the 128-bit minimum the OAuth 2.0 security BCP asks of
// values an attacker must not be able to guess.
const DefaultIDLength = 43

// NewID generates an ID with an optional prefix (e.g. "n_0S20pN3l..."). The
// ID generated is suitable for a Request's state or nonce.
//
// Supported options: WithPrefix, WithLength
func NewID(opt ...Option) (string, error) {
	const op = "oidc.NewID"
	opts := getIDOpts(opt...)
	id, err := base62.Random(opts.withLength)
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w", op, ErrIDGeneratorFailed)
	}
	switch {
	case opts.withPrefix != "":
		return fmt.Sprintf("%s_%s", opts.withPrefix, id), nil
	default:
		return id, nil
	}
}

// idOptions is the set of available options for NewID
type idOptions struct {
	withPrefix string
	withLength int
}

// idDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func idDefaults() idOptions {
	return idOptions{
		withLength: DefaultIDLength,
	}
}

// getIDOpts gets the NewID defaults and applies the opt overrides passed in
func getIDOpts(opt ...Option) idOptions {
	opts := idDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithPrefix provides an optional prefix for a new ID.  When this options is
// provided, NewID will prepend the prefix and an underscore to the new
// identifier.
//
// Valid for: NewID
func WithPrefix(prefix string) Option {
	return func(o interface{}) {
		if o, ok := o.(*idOptions); ok {
			o.withPrefix = prefix
		}
	}
}

// WithLength provides an optional length (in base62 characters) for a new ID
// overriding the DefaultIDLength.
//
// Valid for: NewID
func WithLength(l int) Option {
	return func(o interface{}) {
		if o, ok := o.(*idOptions); ok {
			if l > 0 {
				o.withLength = l
			}
		}
	}
}
