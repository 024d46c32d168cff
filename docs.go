// oidcflow provides a collection of related packages for driving OAuth 2.0
// and OIDC flows from Go: the authorization code flow (with PKCE and pushed
// authorization requests), the implicit and hybrid flows, the device
// authorization grant, and the client credentials and refresh token grants.
//
// See README.md
package oidcflow
