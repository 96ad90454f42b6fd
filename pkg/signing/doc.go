// Package signing implements the application-level signatures carried on
// top of TLS between the hub and the cloud.
//
// Every request body, every signed response block and every published
// broker message is authenticated with HMAC-SHA256 under a derived key. The
// signature travels as standard base64 text.
//
// # Derived keys
//
// At boot the hub draws a fresh 16-byte shared secret and sends it to the
// provisioning endpoint with its credential request. Both sides derive the
// session key with HKDF-SHA256 over that secret, salted with the hub serial.
// The key the server last accepted is kept in non-volatile storage so that
// the hub can still authenticate after a reboot, before the server has seen
// the new secret.
package signing
