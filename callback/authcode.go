package callback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/oauthlab/oidcflow/oidc"
)

// AuthCode creates an oidc authorization code callback handler which uses a
// RequestReader to read existing oidc.Request(s) via the request's oidc
// "state" parameter as a key for the lookup.  In additional to the typical
// authorization code flow, it also handles the hybrid flow where both a code
// and an id_token are returned.
//
// The SuccessResponseFunc is used to create a response when callback is
// successful. The ErrorResponseFunc is to create a response when the callback
// fails.
func AuthCode(ctx context.Context, p *oidc.Provider, rw RequestReader, sFn SuccessResponseFunc, eFn ErrorResponseFunc) (http.HandlerFunc, error) {
	const op = "callback.AuthCode"
	switch {
	case p == nil:
		return nil, fmt.Errorf("%s: provider is nil: %w", op, oidc.ErrNilParameter)
	case rw == nil:
		return nil, fmt.Errorf("%s: request reader is nil: %w", op, oidc.ErrNilParameter)
	case sFn == nil:
		return nil, fmt.Errorf("%s: success response func is nil: %w", op, oidc.ErrNilParameter)
	case eFn == nil:
		return nil, fmt.Errorf("%s: error response func is nil: %w", op, oidc.ErrNilParameter)
	}
	return func(w http.ResponseWriter, req *http.Request) {
		const op = "callback.AuthCode"

		// get parameters from either the body or query parameters.
		// FormValue prioritizes body values, if found.
		resp := ParseResponse(reqValues(req))

		oidcRequest, err := rw.Read(ctx, resp.State)
		if err != nil {
			responseErr := fmt.Errorf("%s: unable to read auth code request: %w", op, err)
			eFn(resp.State, nil, responseErr, w, req)
			return
		}
		if oidcRequest == nil {
			// could have expired or it could be invalid... no way to known for
			// sure
			responseErr := fmt.Errorf("%s: auth code request not found: %w", op, oidc.ErrNotFound)
			eFn(resp.State, nil, responseErr, w, req)
			return
		}

		if err := Validate(resp, oidcRequest, p.DiscoveryInfo().Issuer); err != nil {
			var pErr *ProviderError
			if errors.As(err, &pErr) {
				eFn(resp.State, pErr, nil, w, req)
				return
			}
			eFn(resp.State, nil, fmt.Errorf("%s: %w", op, err), w, req)
			return
		}

		responseToken, err := p.Exchange(ctx, oidcRequest, resp.State, resp.Code)
		if err != nil {
			responseErr := fmt.Errorf("%s: unable to exchange authorization code: %w", op, err)
			eFn(resp.State, nil, responseErr, w, req)
			return
		}
		sFn(resp.State, responseToken, w, req)
	}, nil
}

// reqValues collects the authorization response parameters from either the
// request body (form_post response mode) or the query string, with body
// values taking priority just as http.Request.FormValue does.
func reqValues(req *http.Request) url.Values {
	_ = req.ParseForm()
	return req.Form
}
