package oidc

import (
	"time"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil { // ignore any nil Options
			continue
		}
		o(opts)
	}
}

// WithNow provides an optional func for determining what the current time it
// is.
//
// Valid for: Config, Tk and Request
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *configOptions:
			v.withNowFunc = now
		case *tokenOptions:
			v.withNowFunc = now
		case *reqOptions:
			v.withNowFunc = now
		}
	}
}

// WithExpirySkew provides an optional expiry skew duration when checking
// whether something is expired.
//
// Valid for: Tk
func WithExpirySkew(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*tokenOptions); ok {
			v.withExpirySkew = d
		}
	}
}

// WithAudiences provides an optional list of audiences.
//
// Valid for: Config and Request
func WithAudiences(auds ...string) Option {
	return func(o interface{}) {
		if len(auds) == 0 {
			return
		}
		switch v := o.(type) {
		case *configOptions:
			v.withAudiences = auds
		case *reqOptions:
			v.withAudiences = auds
		}
	}
}

// WithScopes provides an optional list of scopes.
//
// Valid for: Config and Request
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		if len(scopes) == 0 {
			return
		}
		switch v := o.(type) {
		case *configOptions:
			v.withScopes = scopes
		case *reqOptions:
			v.withScopes = scopes
		}
	}
}
