// Package api contains the HTTP handlers for session CRUD and service
// health. The asynchronous half of the transport (command submission and
// bridge event push) lives in the ws package.
package api
