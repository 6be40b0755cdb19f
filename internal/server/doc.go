// Package server manages an HTTP server's lifecycle: non-blocking start,
// graceful shutdown with request draining, SIGINT/SIGTERM handling, and
// asynchronous error propagation.
package server
