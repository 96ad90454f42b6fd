// Package log captures a machine-readable trace of the hub's cloud link.
//
// The trace is separate from operational logging (slog). It records every
// signed HTTP exchange, every broker message, every link state change and
// every delivery alarm, so a field problem can be replayed offline.
//
// # Basic Usage
//
//	// Bring-up: trace to the console
//	cfg.Trace = log.NewSlogAdapter(slog.Default())
//
//	// Production: trace to a rotating CBOR file
//	cfg.Trace, _ = log.NewFileLogger("/var/lib/hublink/link.htrace", 1<<20)
//
//	// Both
//	cfg.Trace = log.NewMultiLogger(console, file)
//
// # File Format
//
// Trace files are concatenated CBOR maps with integer keys. The hublink-log
// command views them and prints statistics.
package log
