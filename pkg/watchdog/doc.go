// Package watchdog implements the cloud link liveness watchdog.
//
// The watchdog is armed at start-up and must be kicked while the link is
// healthy. If no kick arrives within the timeout (10 minutes by default)
// it expires and calls the expiry handler, which in the daemon restarts the
// process. Suppress disarms it for good; the link does this when a firmware
// update is pending, since the hub must not restart in the middle of it.
package watchdog
