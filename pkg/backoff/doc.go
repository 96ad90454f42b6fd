// Package backoff implements the retry policy shared by every component of
// the hub's cloud link.
//
// A State is bound to a Spec and answers one question: may an attempt be
// made now? The answer is one of four statuses:
//
//   - READY: attempt now
//   - WAITING: the delay since the last attempt has not elapsed
//   - FINAL_ATTEMPT: attempt now, it is the last one
//   - FAILED: the budget is exhausted
//
// # Delay
//
// The first Progress sets the delay to Base plus jitter. Each later Progress
// multiplies the previous delay and adds fresh jitter:
//
//	delay = min(delay * Multiplier + rand[0, JitterMax], MaxDelay)
//
// WAITING takes precedence, so FAILED is only reported once the wait after
// the final attempt has elapsed.
package backoff
