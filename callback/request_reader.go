package callback

import (
	"context"

	"github.com/oauthlab/oidcflow/oidc"
)

// RequestReader looks up the oidc.Request an authorization response belongs
// to, using the response's state parameter as the key.  Implementations must
// be safe for concurrent use: the handlers in this package call Read from
// within http handlers.
type RequestReader interface {
	// Read returns the request whose State() equals state.  Returning a nil
	// request (with a nil error) means no attempt is pending for that state.
	Read(ctx context.Context, state string) (oidc.Request, error)
}

// SingleRequestReader is a RequestReader holding exactly one request, for
// callers that serve one authorization attempt at a time.
type SingleRequestReader struct {
	Request oidc.Request
}

// Read returns the held request when the state matches it, and
// oidc.ErrNotFound otherwise (including for a zero-valued reader holding no
// request).
func (sr *SingleRequestReader) Read(ctx context.Context, state string) (oidc.Request, error) {
	if sr.Request == nil || sr.Request.State() != state {
		return nil, oidc.ErrNotFound
	}
	return sr.Request, nil
}
