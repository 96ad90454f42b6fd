// Package credentials obtains and holds the hub's broker credentials.
//
// The hub proves its identity to the provisioning endpoint with a signed
// form POST carrying its serial number, MAC address, firmware version and a
// fresh shared secret. The endpoint answers with a colon-delimited record:
//
//	version:id:client_id:username:password:network_type:base_topic:host:certificate
//
// The certificate field is a base64 PKCS#12 bundle protected by the derived
// key of the current boot (hex text). The bundle's certificate and private
// key are written to the key store and the blob itself is discarded.
//
// Requests are signed with the key the server last accepted (persisted in
// the derived_key region) when one exists and the previous attempt did not
// fail; otherwise with the key derived from this boot's secret. Responses are
// always verified with the boot key, because that is the key the server
// derives from the secret in the request.
package credentials
