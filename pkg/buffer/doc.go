// Package buffer holds telemetry messages waiting to be delivered to the
// cloud broker.
//
// The buffer is a fixed table. Every entry carries its own backoff state and
// is re-sent on that schedule until the broker reflects it back to the hub,
// which is the only delivery confirmation the link has. Reflections are
// matched by the 8-bit index packed into the record header:
//
//	tttttttt hhhh message text
//	         ^^^^ index<<4 | retries
//
// Small payloads are copied into a pool of preallocated inline slots. Larger
// ones live on the heap. Payloads at or above the hard maximum are dropped
// but reported as accepted so producers do not retry them forever.
//
// An entry that reaches its final attempt raises AlarmFailedAFewTimes and is
// still sent. An entry whose attempts are exhausted raises
// AlarmFailedTooManyTimes and is dropped.
package buffer
