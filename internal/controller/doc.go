// Package controller glues the session store to the process bridge.
//
// Submit appends the user's command to the transcript, persists it, and
// spawns a worker invocation. A pump goroutine translates bridge data and
// error events into transcript messages and persists them; close events
// are forwarded to subscribers but not persisted.
//
// All mutations of one session's record are serialized through a
// per-session lock and re-read the durable record before appending, so a
// submit racing a bridge event can never lose an update.
package controller
