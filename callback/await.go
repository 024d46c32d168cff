package callback

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/oauthlab/oidcflow/oidc"
)

// Waiter makes the possible response channels for one authorization attempt
// race: a top-level redirect (RedirectHandler), a cross-window message from a
// popup (Deliver) and an out-of-band resume for API-driven exchanges
// (Resume).  The first response carrying the attempt's state wins; every
// later delivery is discarded, and deliveries whose state doesn't match are
// discarded without affecting the pending wait.
//
// A Waiter belongs to exactly one oidc.Request and is torn down after its
// first result, whether that result validated or not.
type Waiter struct {
	oidcRequest oidc.Request

	mu       sync.Mutex
	resolved bool
	resultCh chan Response
	cancelCh chan struct{}
}

// NewWaiter creates a Waiter for a single authorization attempt.
func NewWaiter(oidcRequest oidc.Request) (*Waiter, error) {
	const op = "callback.NewWaiter"
	if oidcRequest == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, oidc.ErrNilParameter)
	}
	return &Waiter{
		oidcRequest: oidcRequest,
		resultCh:    make(chan Response, 1),
		cancelCh:    make(chan struct{}),
	}, nil
}

// Deliver offers a response to the waiter, typically relayed from a popup's
// cross-window message.  It reports whether the response was accepted: a
// response whose state doesn't match the attempt, or any response after the
// first accepted one, is discarded and false is returned.  Deliver never
// blocks.
func (cw *Waiter) Deliver(resp Response) bool {
	if resp.State == "" || resp.State != cw.oidcRequest.State() {
		return false
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.resolved {
		return false
	}
	cw.resolved = true
	cw.resultCh <- resp
	return true
}

// Resume offers an out-of-band response to the waiter.  It's intended for
// API-driven exchanges where the client walks the provider's authentication
// API itself and ends up holding the final authorization response instead of
// receiving it on a redirect.  Same first-response-wins semantics as Deliver.
func (cw *Waiter) Resume(resp Response) bool {
	return cw.Deliver(resp)
}

// RedirectHandler returns an http.HandlerFunc for the attempt's redirect URL
// which parses the authorization response (query or form_post body) and
// offers it to the waiter.  Late or mismatched responses get a 200 with no
// body, so a stray browser tab can't learn anything about the attempt.
func (cw *Waiter) RedirectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		cw.Deliver(ParseResponse(reqValues(req)))
	}
}

// Cancel tears the waiter down: a pending Wait returns oidc.ErrNotFound and
// later deliveries are discarded.  Canceling more than once is fine.
func (cw *Waiter) Cancel() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.resolved {
		return
	}
	cw.resolved = true
	close(cw.cancelCh)
}

// Wait blocks until the first accepted response arrives, the waiter is
// canceled, or the context is done, then validates the winning response
// against the originating request and expectedIssuer (see Validate).  A
// validation failure is terminal: the response is returned alongside the
// error for inspection, but the attempt can't be retried through this
// waiter.
func (cw *Waiter) Wait(ctx context.Context, expectedIssuer string) (Response, error) {
	const op = "Waiter.Wait"
	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%s: %w", op, ctx.Err())
	case <-cw.cancelCh:
		return Response{}, fmt.Errorf("%s: waiter canceled: %w", op, oidc.ErrNotFound)
	case resp := <-cw.resultCh:
		if err := Validate(resp, cw.oidcRequest, expectedIssuer); err != nil {
			return resp, fmt.Errorf("%s: %w", op, err)
		}
		return resp, nil
	}
}
