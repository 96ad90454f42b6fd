// Package transport implements the signed HTTP exchange the hub uses to
// talk to its cloud provisioning endpoint.
//
// One exchange is a single HTTP/1.1 POST over a fresh TLS connection:
//
//	POST <resource> HTTP/1.1
//	Host: <host>
//	Accept: */*
//	Content-Type: application/x-www-form-urlencoded
//	Content-Length: <n>
//	X-Signature: <base64 HMAC of body>      (omitted without a key)
//
//	<body>
//
// The response is authenticated by an X-Signature header computed over
//
//	["X-Update:1;"] ["X-Enc:<n>;"] "X-Time:<t>;" "Content-Length:<n>;" <body>
//
// and an X-Time header that must be close to the hub's clock.
//
// # Concurrency
//
// Only one exchange runs at a time per Transport. A single deadline covers
// the whole exchange, dial included, so a peer trickling bytes cannot hold
// the caller beyond Timeout. Callers that must not block hand requests to a
// Worker through its one-deep mailbox.
//
// # Outcomes
//
// A firmware-update directive (x-update: 1) overrides every other outcome
// and is reported as ErrUpdateRequested. Other failures are reported in this
// order: ErrStaleResponse, ErrServerError, ErrMissingSignature,
// ErrEmptyResponse, ErrSignatureMismatch.
package transport
