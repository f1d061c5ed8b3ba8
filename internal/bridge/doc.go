// Package bridge manages external worker invocations, one per submitted
// command, and relays their output as session-tagged events.
//
// An invocation is single-shot: the command is written to the worker's
// stdin, stdin is closed, and the process runs to completion. Its stdout
// and stderr are read concurrently and forwarded in per-stream order; no
// ordering holds between the two streams or between sessions. Exactly one
// close event follows normal termination. A process that cannot be
// started at all produces an error event and no close event.
//
// There is no mid-flight abort. Close kills whatever is still running so
// the host can shut down.
package bridge
