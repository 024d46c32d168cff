package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/oauthlab/oidcflow/oidc"
)

var (
	// ErrTooManyTransientErrs is returned when polling hit more consecutive
	// transient (network) errors than the poller allows.
	ErrTooManyTransientErrs = errors.New("too many transient errors while polling")

	// ErrPollerAlreadyUsed is returned when Wait is called more than once; a
	// poller drives exactly one session to a terminal state.
	ErrPollerAlreadyUsed = errors.New("poller has already been used")
)

// DefaultSlowDownIncrement is added to the poll interval every time the
// provider answers slow_down (RFC 8628 section 3.5).
const DefaultSlowDownIncrement = 5 * time.Second

// DefaultMaxTransientErrs is the number of consecutive transient errors
// tolerated before polling gives up.
const DefaultMaxTransientErrs = 3

// Status represents the poller's view of a device authorization session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSlowDown Status = "slow_down"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"

	// StatusFailed means polling gave up on consecutive transient errors.
	// The device code itself may still be valid; it is distinct from
	// StatusExpired, which is reserved for expiry the provider reported or
	// for the session's expires_in elapsing.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is a terminal one: once reached, the
// session is over and the poller's timer has been stopped for good.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// CodeExchanger is the part of oidc.Provider the poller depends on.
type CodeExchanger interface {
	// ExchangeDeviceCode polls the token endpoint once, returning
	// oidc.ErrAuthorizationPending, oidc.ErrSlowDown, oidc.ErrAccessDenied
	// or oidc.ErrExpiredToken for the RFC 8628 protocol responses.
	ExchangeDeviceCode(ctx context.Context, deviceCode string) (*oidc.Tk, error)
}

// Poller drives one device authorization session to a terminal state.  It
// owns a single timer: polls can never stack up or fire faster than the
// provider's current interval, and interval growth on slow_down is applied
// before the timer is re-armed.
type Poller struct {
	exchanger CodeExchanger
	auth      *oidc.DeviceAuthorization
	logger    hclog.Logger
	nowFunc   func() time.Time

	slowDownIncrement time.Duration
	maxTransientErrs  int

	mu        sync.Mutex
	interval  time.Duration
	status    Status
	pollCount int
	used      bool
}

// NewPoller creates a Poller for a device authorization session previously
// started with Provider.DeviceAuthorization.
//
// Supported options: WithSlowDownIncrement, WithMaxTransientErrs,
// WithPollingLogger, WithPollingNow
func NewPoller(exchanger CodeExchanger, auth *oidc.DeviceAuthorization, opt ...Option) (*Poller, error) {
	const op = "device.NewPoller"
	if exchanger == nil {
		return nil, fmt.Errorf("%s: exchanger is nil: %w", op, oidc.ErrNilParameter)
	}
	if auth == nil {
		return nil, fmt.Errorf("%s: device authorization is nil: %w", op, oidc.ErrNilParameter)
	}
	if auth.DeviceCode == "" {
		return nil, fmt.Errorf("%s: device authorization has no device code: %w", op, oidc.ErrInvalidParameter)
	}
	opts := getOpts(opt...)
	interval := auth.Interval
	if interval <= 0 {
		interval = oidc.DefaultDeviceInterval
	}
	return &Poller{
		exchanger:         exchanger,
		auth:              auth,
		logger:            opts.withLogger,
		nowFunc:           opts.withNowFunc,
		slowDownIncrement: opts.withSlowDownIncrement,
		maxTransientErrs:  opts.withMaxTransientErrs,
		interval:          interval,
		status:            StatusPending,
	}, nil
}

// Start performs the device authorization request against the provider and
// returns a Poller for the resulting session.
//
// Supported device options: WithSlowDownIncrement, WithMaxTransientErrs,
// WithPollingLogger.  Additional oidc options (e.g. oidc.WithScopes) can be
// passed through authOpt.
func Start(ctx context.Context, p *oidc.Provider, authOpt []oidc.Option, opt ...Option) (*Poller, *oidc.DeviceAuthorization, error) {
	const op = "device.Start"
	if p == nil {
		return nil, nil, fmt.Errorf("%s: provider is nil: %w", op, oidc.ErrNilParameter)
	}
	auth, err := p.DeviceAuthorization(ctx, authOpt...)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	poller, err := NewPoller(p, auth, opt...)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return poller, auth, nil
}

// Status returns the poller's current view of the session.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Interval returns the current poll interval, which only ever grows (on
// slow_down responses).
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// PollCount returns how many times the token endpoint has been polled.
func (p *Poller) PollCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollCount
}

// Wait polls the token endpoint until the session reaches a terminal state,
// returning the token set on approval.  It's one-shot: a Poller belongs to
// exactly one session and can't be reused after it returns.  Canceling the
// context stops the timer and returns the context's error without altering
// the session's status.
func (p *Poller) Wait(ctx context.Context) (*oidc.Tk, error) {
	const op = "Poller.Wait"
	p.mu.Lock()
	if p.used {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrPollerAlreadyUsed)
	}
	p.used = true
	interval := p.interval
	p.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	transientErrs := 0
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}

		if p.auth.IsExpired(p.nowFunc) {
			p.setStatus(StatusExpired)
			return nil, fmt.Errorf("%s: device authorization session expired: %w", op, oidc.ErrExpiredToken)
		}

		p.mu.Lock()
		p.pollCount++
		p.mu.Unlock()

		tk, err := p.exchanger.ExchangeDeviceCode(ctx, string(p.auth.DeviceCode))
		switch {
		case err == nil:
			p.setStatus(StatusApproved)
			return tk, nil
		case errors.Is(err, oidc.ErrAuthorizationPending):
			transientErrs = 0
			p.setStatus(StatusPending)
		case errors.Is(err, oidc.ErrSlowDown):
			transientErrs = 0
			p.mu.Lock()
			p.interval += p.slowDownIncrement
			interval = p.interval
			p.status = StatusSlowDown
			p.mu.Unlock()
			if p.logger != nil {
				p.logger.Debug("provider requested slow_down", "interval", interval.String())
			}
		case errors.Is(err, oidc.ErrAccessDenied):
			p.setStatus(StatusDenied)
			return nil, fmt.Errorf("%s: user denied the authorization request: %w", op, err)
		case errors.Is(err, oidc.ErrExpiredToken):
			p.setStatus(StatusExpired)
			return nil, fmt.Errorf("%s: device code expired: %w", op, err)
		default:
			// transient (network) errors are retried at the same interval a
			// bounded number of times; protocol-terminal responses above are
			// never retried.
			transientErrs++
			if p.logger != nil {
				p.logger.Debug("transient polling error", "attempt", transientErrs, "err", err.Error())
			}
			if transientErrs > p.maxTransientErrs {
				p.setStatus(StatusFailed)
				return nil, fmt.Errorf("%s: %s: %w", op, err.Error(), ErrTooManyTransientErrs)
			}
		}
		timer.Reset(interval)
	}
}

// setStatus updates the session status under lock.
func (p *Poller) setStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// Option defines a common functional options type for the device package.
type Option func(*options)

// options is the set of available options for device functions.
type options struct {
	withSlowDownIncrement time.Duration
	withMaxTransientErrs  int
	withLogger            hclog.Logger
	withNowFunc           func() time.Time
}

// getDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func getDefaults() options {
	return options{
		withSlowDownIncrement: DefaultSlowDownIncrement,
		withMaxTransientErrs:  DefaultMaxTransientErrs,
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

// WithSlowDownIncrement overrides DefaultSlowDownIncrement, the amount added
// to the poll interval when the provider answers slow_down.
func WithSlowDownIncrement(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.withSlowDownIncrement = d
		}
	}
}

// WithMaxTransientErrs overrides DefaultMaxTransientErrs, the number of
// consecutive transient errors tolerated before polling gives up.
func WithMaxTransientErrs(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.withMaxTransientErrs = n
		}
	}
}

// WithPollingLogger provides an optional hclog.Logger for the poller.
func WithPollingLogger(l hclog.Logger) Option {
	return func(o *options) {
		o.withLogger = l
	}
}

// WithPollingNow provides an optional func for determining the current time,
// used for session expiry checks.
func WithPollingNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.withNowFunc = now
		}
	}
}
