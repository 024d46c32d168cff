package callback

import (
	"net/http"

	"github.com/oauthlab/oidcflow/oidc"
)

// SuccessResponseFunc writes the http response for a callback that produced a
// verified token set.
//
// state is the state returned in the authorization response, and t is the
// result of the token exchange (or, for implicit responses, of direct
// verification).  The function owns the http.ResponseWriter: it can render
// html, emit JSON, redirect the user's browser onward, or record progress for
// the flow keyed by state.
type SuccessResponseFunc func(state string, t oidc.Token, w http.ResponseWriter, req *http.Request)

// ErrorResponseFunc writes the http response for a callback that failed.
//
// Exactly one of respErr and e is set: respErr carries an error the provider
// reported in the authorization response, e carries a processing failure
// raised by the callback itself (request lookup, validation, exchange).  The
// function owns the http.ResponseWriter, and the error it renders should not
// leak more than the user needs to see.
type ErrorResponseFunc func(state string, respErr *ProviderError, e error, w http.ResponseWriter, req *http.Request)
