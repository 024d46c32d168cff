// Package oidc provides support for making authentication requests as
// specified in OpenID Connect Core 1.0.  It supports the Authorization Code
// Flow (with PKCE and optionally PAR), the Implicit Flow, the Hybrid Flow,
// and the OAuth 2.0 Device Authorization, Client Credentials and Refresh
// Token grants.
package oidc
