package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oauthlab/oidcflow/oidc/internal/strutils"
)

// DefaultDeviceInterval is the poll interval to use when the provider's
// device authorization response doesn't specify one (RFC 8628 section 3.2).
const DefaultDeviceInterval = 5 * time.Second

// DeviceCode is an RFC 8628 device_code.  Like tokens, it's a secret: an
// attacker holding it can poll for the user's tokens.
type DeviceCode string

// RedactedDeviceCode is the redacted string or json for a device_code.
const RedactedDeviceCode = "[REDACTED: device_code]"

// String will redact the device code.
func (t DeviceCode) String() string {
	return RedactedDeviceCode
}

// MarshalJSON will redact the device code.
func (t DeviceCode) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedDeviceCode)
}

// DeviceAuthorization represents a successful RFC 8628 device authorization
// response: the session within which a device polls for tokens while the
// user approves (or denies) the request on a second device.
type DeviceAuthorization struct {
	// DeviceCode is the secret the device polls the token endpoint with.
	DeviceCode DeviceCode

	// UserCode is the short code the user enters at the VerificationURI.
	UserCode string

	// VerificationURI is where the user goes to approve the request.
	VerificationURI string

	// VerificationURIComplete optionally embeds the user code in the URI,
	// for QR codes and the like.
	VerificationURIComplete string

	// ExpiresAt is when the device_code and user_code stop being usable.
	ExpiresAt time.Time

	// Interval is the minimum time between polls of the token endpoint.
	Interval time.Duration
}

// IsExpired returns true when the session's codes are no longer usable.
func (d *DeviceAuthorization) IsExpired(now func() time.Time) bool {
	if now == nil {
		now = time.Now
	}
	return !d.ExpiresAt.IsZero() && d.ExpiresAt.Before(now())
}

// DeviceAuthorization starts an RFC 8628 device authorization grant by
// calling the provider's device authorization endpoint.  There's no browser
// redirect in this flow: the returned session carries the verification URI
// and user code to present to the user, and the device package's Poller
// drives the rest.
//
// Supported options: WithScopes
func (p *Provider) DeviceAuthorization(ctx context.Context, opt ...Option) (*DeviceAuthorization, error) {
	const op = "Provider.DeviceAuthorization"
	if p.info.DeviceAuthURL == "" {
		return nil, fmt.Errorf("%s: device authorization endpoint: %w", op, ErrEndpointNotAvailable)
	}
	opts := getConfigOpts(opt...)
	scopes := strutils.RemoveDuplicatesStable(append(append([]string{}, p.config.Scopes...), opts.withScopes...))
	v := url.Values{
		"scope": {strings.Join(scopes, " ")},
	}
	reqCtx, cancel := p.ctxWithTimeout(ctx)
	defer cancel()
	resp, body, err := p.postForm(reqCtx, p.info.DeviceAuthURL, v)
	if err != nil {
		return nil, fmt.Errorf("%s: device authorization request failed: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: device authorization request failed: %s: %s: %w", op, resp.Status, body, ErrTokenExchangeFailed)
	}
	var daResp struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}
	if err := json.Unmarshal(body, &daResp); err != nil {
		return nil, fmt.Errorf("%s: unable to decode device authorization response: %w", op, err)
	}
	if daResp.DeviceCode == "" || daResp.UserCode == "" || daResp.VerificationURI == "" {
		return nil, fmt.Errorf("%s: device authorization response is missing required fields: %w", op, ErrInvalidParameter)
	}
	d := &DeviceAuthorization{
		DeviceCode:              DeviceCode(daResp.DeviceCode),
		UserCode:                daResp.UserCode,
		VerificationURI:         daResp.VerificationURI,
		VerificationURIComplete: daResp.VerificationURIComplete,
		Interval:                DefaultDeviceInterval,
	}
	if daResp.ExpiresIn > 0 {
		d.ExpiresAt = p.config.Now().Add(time.Duration(daResp.ExpiresIn) * time.Second)
	}
	if daResp.Interval > 0 {
		d.Interval = time.Duration(daResp.Interval) * time.Second
	}
	if p.logger != nil {
		p.logger.Debug("device authorization started", "user_code", d.UserCode, "interval", d.Interval.String())
	}
	return d, nil
}
