package oidc

import (
	"errors"
)

var (
	ErrInvalidParameter           = errors.New("invalid parameter")
	ErrNilParameter               = errors.New("nil parameter")
	ErrInvalidCACert              = errors.New("invalid CA certificate")
	ErrInvalidIssuer              = errors.New("invalid issuer")
	ErrIDGeneratorFailed          = errors.New("id generation failed")
	ErrExpiredRequest             = errors.New("request is expired")
	ErrResponseStateInvalid       = errors.New("attempt and response states are not equal")
	ErrMissingIDToken             = errors.New("id_token is missing")
	ErrIDTokenVerificationFailed  = errors.New("id_token verification failed")
	ErrInvalidSignature           = errors.New("invalid signature")
	ErrInvalidAudience            = errors.New("invalid audience")
	ErrInvalidNonce               = errors.New("invalid nonce")
	ErrInvalidAtHash              = errors.New("access_token hash does not match the id_token at_hash claim")
	ErrNotFound                   = errors.New("not found")
	ErrLoginFailed                = errors.New("login failed")
	ErrUserInfoFailed             = errors.New("user info failed")
	ErrUnsupportedChallengeMethod = errors.New("unsupported challenge method")
	ErrInvalidFlow                = errors.New("invalid flow")
	ErrMissingClientSecret        = errors.New("client secret is missing")
	ErrDiscoveryFailed            = errors.New("discovery failed")
	ErrTokenExchangeFailed        = errors.New("token exchange failed")
	ErrEndpointNotAvailable       = errors.New("endpoint is not available from the provider's discovery document")

	// Device authorization grant protocol errors (RFC 8628 section 3.5).
	// ErrAuthorizationPending and ErrSlowDown are retriable by a poller;
	// ErrAccessDenied and ErrExpiredToken are terminal.
	ErrAuthorizationPending = errors.New("authorization_pending")
	ErrSlowDown             = errors.New("slow_down")
	ErrAccessDenied         = errors.New("access_denied")
	ErrExpiredToken         = errors.New("expired_token")
)
