package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oauthlab/oidcflow/oidc"
)

// fakeExchanger scripts the token endpoint's answers: each poll consumes one
// error from the script, and a nil entry (or an exhausted script) succeeds.
type fakeExchanger struct {
	mu     sync.Mutex
	script []error
	calls  int
	token  *oidc.Tk
}

func (f *fakeExchanger) ExchangeDeviceCode(ctx context.Context, deviceCode string) (*oidc.Tk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.calls < len(f.script) {
		err = f.script[f.calls]
	}
	f.calls++
	if err != nil {
		return nil, err
	}
	return f.token, nil
}

func (f *fakeExchanger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testAuth(t *testing.T, interval time.Duration, expiresIn time.Duration) *oidc.DeviceAuthorization {
	t.Helper()
	auth := &oidc.DeviceAuthorization{
		DeviceCode:      "device-code-test",
		UserCode:        "WDJB-MJHT",
		VerificationURI: "https://example.com/device",
		Interval:        interval,
	}
	if expiresIn != 0 {
		auth.ExpiresAt = time.Now().Add(expiresIn)
	}
	return auth
}

func testToken(t *testing.T) *oidc.Tk {
	t.Helper()
	tk, err := oidc.NewToken("test-id-token", nil)
	require.NoError(t, err)
	return tk
}

func TestNewPoller(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		exchanger CodeExchanger
		auth      *oidc.DeviceAuthorization
		wantErrIs error
	}{
		{
			name:      "valid",
			exchanger: &fakeExchanger{},
			auth:      testAuth(t, time.Second, time.Minute),
		},
		{
			name:      "nil-exchanger",
			auth:      testAuth(t, time.Second, time.Minute),
			wantErrIs: oidc.ErrNilParameter,
		},
		{
			name:      "nil-auth",
			exchanger: &fakeExchanger{},
			wantErrIs: oidc.ErrNilParameter,
		},
		{
			name:      "missing-device-code",
			exchanger: &fakeExchanger{},
			auth:      &oidc.DeviceAuthorization{UserCode: "WDJB-MJHT"},
			wantErrIs: oidc.ErrInvalidParameter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			p, err := NewPoller(tt.exchanger, tt.auth)
			if tt.wantErrIs != nil {
				require.Error(err)
				assert.ErrorIs(err, tt.wantErrIs)
				return
			}
			require.NoError(err)
			assert.Equal(StatusPending, p.Status())
			assert.Equal(time.Second, p.Interval())
		})
	}
	t.Run("zero-interval-uses-default", func(t *testing.T) {
		require := require.New(t)
		p, err := NewPoller(&fakeExchanger{}, testAuth(t, 0, time.Minute))
		require.NoError(err)
		require.Equal(oidc.DefaultDeviceInterval, p.Interval())
	})
}

func TestPoller_Wait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pending := fmt.Errorf("poll: %w", oidc.ErrAuthorizationPending)
	slowDown := fmt.Errorf("poll: %w", oidc.ErrSlowDown)

	t.Run("three-pending-then-success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		exchanger := &fakeExchanger{
			script: []error{pending, pending, pending},
			token:  testToken(t),
		}
		p, err := NewPoller(exchanger, testAuth(t, time.Millisecond, time.Minute))
		require.NoError(err)

		tk, err := p.Wait(ctx)
		require.NoError(err)
		require.NotNil(tk)
		assert.Equal(StatusApproved, p.Status())
		assert.True(p.Status().Terminal())
		assert.Equal(4, p.PollCount())

		// the session is over: no further polls happen after success
		time.Sleep(10 * time.Millisecond)
		assert.Equal(4, exchanger.callCount())
	})
	t.Run("slow-down-grows-interval", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		exchanger := &fakeExchanger{
			script: []error{slowDown, slowDown, pending},
			token:  testToken(t),
		}
		p, err := NewPoller(exchanger, testAuth(t, time.Millisecond, time.Minute),
			WithSlowDownIncrement(2*time.Millisecond))
		require.NoError(err)

		start := p.Interval()
		_, err = p.Wait(ctx)
		require.NoError(err)

		// each slow_down answer added the increment before re-arming
		assert.Equal(start+2*2*time.Millisecond, p.Interval())
	})
	t.Run("access-denied-is-terminal", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		exchanger := &fakeExchanger{
			script: []error{fmt.Errorf("poll: %w", oidc.ErrAccessDenied)},
		}
		p, err := NewPoller(exchanger, testAuth(t, time.Millisecond, time.Minute))
		require.NoError(err)

		tk, err := p.Wait(ctx)
		require.Error(err)
		require.Nil(tk)
		assert.ErrorIs(err, oidc.ErrAccessDenied)
		assert.Equal(StatusDenied, p.Status())
		assert.Equal(1, exchanger.callCount())
	})
	t.Run("expired-token-is-terminal", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		exchanger := &fakeExchanger{
			script: []error{fmt.Errorf("poll: %w", oidc.ErrExpiredToken)},
		}
		p, err := NewPoller(exchanger, testAuth(t, time.Millisecond, time.Minute))
		require.NoError(err)

		_, err = p.Wait(ctx)
		require.Error(err)
		assert.ErrorIs(err, oidc.ErrExpiredToken)
		assert.Equal(StatusExpired, p.Status())
	})
	t.Run("session-expiry-checked-before-poll", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		exchanger := &fakeExchanger{token: testToken(t)}
		p, err := NewPoller(exchanger, testAuth(t, time.Millisecond, -time.Minute))
		require.NoError(err)

		_, err = p.Wait(ctx)
		require.Error(err)
		assert.ErrorIs(err, oidc.ErrExpiredToken)
		assert.Equal(StatusExpired, p.Status())
		assert.Equal(0, exchanger.callCount())
	})
	t.Run("transient-errors-bounded", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		transient := errors.New("connection reset")
		exchanger := &fakeExchanger{
			script: []error{transient, transient, transient},
		}
		p, err := NewPoller(exchanger, testAuth(t, time.Millisecond, time.Minute),
			WithMaxTransientErrs(2))
		require.NoError(err)

		_, err = p.Wait(ctx)
		require.Error(err)
		assert.ErrorIs(err, ErrTooManyTransientErrs)
		assert.Equal(3, exchanger.callCount())
		// giving up on network errors is not expiry; the device code may
		// still be valid
		assert.Equal(StatusFailed, p.Status())
		assert.True(p.Status().Terminal())
	})
	t.Run("transient-errors-reset-by-pending", func(t *testing.T) {
		require := require.New(t)
		transient := errors.New("connection reset")
		exchanger := &fakeExchanger{
			script: []error{transient, transient, pending, transient, transient},
			token:  testToken(t),
		}
		p, err := NewPoller(exchanger, testAuth(t, time.Millisecond, time.Minute),
			WithMaxTransientErrs(2))
		require.NoError(err)

		// the pending answer resets the consecutive transient counter, so
		// the session survives and eventually succeeds
		tk, err := p.Wait(ctx)
		require.NoError(err)
		require.NotNil(tk)
	})
	t.Run("cancellation", func(t *testing.T) {
		require := require.New(t)
		exchanger := &fakeExchanger{
			script: []error{pending, pending, pending, pending},
			token:  testToken(t),
		}
		p, err := NewPoller(exchanger, testAuth(t, time.Hour, time.Minute))
		require.NoError(err)

		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
		defer cancel()
		_, err = p.Wait(waitCtx)
		require.Error(err)
		require.ErrorIs(err, context.DeadlineExceeded)
	})
	t.Run("one-shot", func(t *testing.T) {
		require := require.New(t)
		exchanger := &fakeExchanger{token: testToken(t)}
		p, err := NewPoller(exchanger, testAuth(t, time.Millisecond, time.Minute))
		require.NoError(err)

		_, err = p.Wait(ctx)
		require.NoError(err)

		_, err = p.Wait(ctx)
		require.Error(err)
		require.ErrorIs(err, ErrPollerAlreadyUsed)
	})
}
