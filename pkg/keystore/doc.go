// Package keystore provides named-region non-volatile storage for the
// hub's cloud credentials.
//
// Three regions are used by the link:
//
//   - derived_key: the signing key the server last accepted
//   - mqtt_cert: the broker client certificate (PEM)
//   - mqtt_pkey: the broker client private key (PEM, PKCS#8)
//
// FileStore keeps one file per region under a base directory and replaces
// files atomically. MemoryStore is for tests and diskless hubs.
package keystore
