/*
device implements the polling half of the RFC 8628 OAuth 2.0 Device
Authorization Grant.  A Poller owns a single timer for its session and walks
the pending and slow_down states until the grant reaches a terminal state
(approved, denied or expired) or its context is canceled.

	p, _ := oidc.NewProvider(cfg)
	defer p.Done()

	auth, _ := p.DeviceAuthorization(ctx)
	fmt.Printf("visit %s and enter %s\n", auth.VerificationURI, auth.UserCode)

	poller, _ := device.NewPoller(p, auth)
	token, err := poller.Wait(ctx)
*/
package device
