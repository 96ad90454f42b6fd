// Package timesync gates the cloud link on a known wall-clock time.
//
// Signed HTTP responses carry the server time and the signing key is bound
// to it, so the link does not fetch credentials until the hub has queried
// an NTP server at least once. A Syncer keeps the measured offset; later
// failures leave the last good offset in place.
package timesync
