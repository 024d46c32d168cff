package callback

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/oauthlab/oidcflow/oidc"
)

// Implicit creates an oidc implicit flow callback handler which uses a
// RequestReader to read existing oidc.Request(s) via the request's oidc
// "state" parameter as a key for the lookup.  It expects the provider to use
// the form_post response mode, since a fragment-delivered response never
// reaches the server.
//
// The SuccessResponseFunc is used to create a response when callback is
// successful. The ErrorResponseFunc is to create a response when the callback
// fails.
func Implicit(ctx context.Context, p *oidc.Provider, rw RequestReader, sFn SuccessResponseFunc, eFn ErrorResponseFunc) (http.HandlerFunc, error) {
	const op = "callback.Implicit"
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
		const op = "callback.Implicit"

		resp := ParseResponse(reqValues(req))

		oidcRequest, err := rw.Read(ctx, resp.State)
		if err != nil {
			responseErr := fmt.Errorf("%s: unable to read implicit request: %w", op, err)
			eFn(resp.State, nil, responseErr, w, req)
			return
		}
		if oidcRequest == nil {
			responseErr := fmt.Errorf("%s: implicit request not found: %w", op, oidc.ErrNotFound)
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

		var oauth2Token *oauth2.Token
		if resp.AccessToken != "" {
			oauth2Token = &oauth2.Token{
				AccessToken: string(resp.AccessToken),
				TokenType:   resp.TokenType,
			}
		}

		responseToken, err := oidc.NewToken(resp.IDToken, oauth2Token)
		if err != nil {
			responseErr := fmt.Errorf("%s: unable to create response tokens: %w", op, err)
			eFn(resp.State, nil, responseErr, w, req)
			return
		}
		if _, err := p.VerifyIDToken(ctx, responseToken.IDToken(), oidcRequest); err != nil {
			responseErr := fmt.Errorf("%s: unable to verify id_token: %w", op, err)
			eFn(resp.State, nil, responseErr, w, req)
			return
		}
		if oauth2Token != nil {
			if err := p.VerifyAccessToken(ctx, responseToken.IDToken(), responseToken.AccessToken()); err != nil {
				responseErr := fmt.Errorf("%s: unable to verify access_token: %w", op, err)
				eFn(resp.State, nil, responseErr, w, req)
				return
			}
		}
		sFn(resp.State, responseToken, w, req)
	}, nil
}
