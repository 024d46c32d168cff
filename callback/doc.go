/*
callback is a package for handling the asynchronous half of an OIDC flow:
the authorization response that arrives after the user authenticates with
the provider.

A response can arrive over one of three channels: a top-level redirect back
to the relying party (AuthCode and Implicit provide http.HandlerFunc
callbacks for that), a cross-window message from a popup (delivered via
Waiter.Deliver), or an out-of-band resume for API-driven exchanges where the
client walks a provider's multi-step authentication API before a final code
is issued (Waiter.Resume).  A Waiter makes those channels race: exactly one
result wins, everything else is torn down.

Every channel funnels into the same validation: the response's state must
match the originating request (CSRF mitigation), a response iss parameter
must match the expected issuer (mix-up mitigation), provider-reported
errors become typed errors, and expired requests are rejected.  A
validation failure is terminal for the attempt; nothing is retried with the
same code or state.
*/
package callback
