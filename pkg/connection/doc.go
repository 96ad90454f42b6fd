// Package connection drives the hub's cloud link.
//
// A Machine walks the link through its states on a fixed tick:
//
//	INITIAL -> AWAITING_TIME -> FETCHING_CREDENTIALS -> [PRE_CONNECT_DELAY]
//	        -> CONNECTING -> SUBSCRIBING -> CONNECTED -> DISCONNECTING -> INITIAL
//
// AWAITING_TIME waits for the network and a time sync, since certificate
// validation needs wall-clock time. FETCHING_CREDENTIALS asks the
// credential store for a fresh set; the first time after boot the machine
// then pauses in PRE_CONNECT_DELAY. CONNECTING and SUBSCRIBING are paced by
// their own backoff states. A connect phase that runs longer than
// ConnectTimeout asks for a network restart and starts over.
//
// While CONNECTED, each tick publishes at most one message (a locally
// submitted message first, otherwise the next due entry of the outbound
// buffer) and then yields to the broker client. Every publish is signed
// with the current derived key:
//
//	<base64 HMAC of "<base_topic>/messages<subtopic><text>"> <text>
//
// The server reflects accepted messages back on the hub's topic tree and
// the reflections acknowledge buffer entries.
//
// A firmware update directive during credential fetch moves the machine to
// STOPPED, where it stays; the liveness watchdog is suppressed so that the
// update can run.
package connection
