// Package ws is the push side of the transport boundary.
//
// A connected front end submits commands as fire-and-forget frames and
// receives every bridge event as it happens. Session CRUD stays on the
// HTTP API; this channel exists for the asynchronous traffic. Every
// client receives every event, and deciding which session is on screen
// is the front end's job.
//
// It also carries the interactive workspace shell frames (term_*), which
// are scoped to the connection that opened them.
package ws
