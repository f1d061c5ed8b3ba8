// Package session provides durable persistence for conversation sessions.
//
// Each session is one JSON record on disk, keyed by its ID. Writes are
// whole-record replaces performed atomically (temp file + rename) so a
// crash mid-write never leaves a half-written record. Reads are cached in
// memory; the disk copy is authoritative.
//
// The store knows nothing about processes. Transcript mutation ordering is
// the controller's concern.
package session
