package flow

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type for the flow package.
type Option func(*options)

// options is the set of available options for flow functions.
type options struct {
	withStalenessWindow time.Duration
	withNowFunc         func() time.Time
	withCredentialStore *Store
	withLogger          hclog.Logger
	withFullReset       bool
}

// getDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func getDefaults() options {
	return options{
		withStalenessWindow: DefaultStalenessWindow,
	}
}

// getOpts gets the defaults and applies the opt overrides passed in.
func getOpts(opt ...Option) options {
	opts := getDefaults()
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	return opts
}

// WithStalenessWindow overrides DefaultStalenessWindow, how old persisted
// progress may be before ResumeFromPersisted discards it.  Zero disables
// the check.
func WithStalenessWindow(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.withStalenessWindow = d
		}
	}
}

// WithNowFunc provides an optional func for determining the current time,
// used for persisted timestamps and staleness checks.
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.withNowFunc = now
		}
	}
}

// WithCredentialStore attaches a credential Store to a StateMachine so
// Reset(WithFullReset()) can clear the flow's credentials too.
func WithCredentialStore(s *Store) Option {
	return func(o *options) {
		o.withCredentialStore = s
	}
}

// WithFlowLogger provides an optional hclog.Logger for the state machine.
func WithFlowLogger(l hclog.Logger) Option {
	return func(o *options) {
		o.withLogger = l
	}
}

// WithFullReset makes Reset clear the flow's credentials along with its
// tokens and step progress.
func WithFullReset() Option {
	return func(o *options) {
		o.withFullReset = true
	}
}
