// Package server implements the HTTP and websocket surface of deplight.
//
// This package provides:
//   - The /ws endpoint: token authentication at upgrade time, then one
//     session per connection that dispatches client commands
//   - A GitHub push webhook that redeploys a fixed deployment, verified
//     with HMAC-SHA256
//   - Health and status endpoints for monitoring
//   - The static client bundle with an index.html fallback
//   - Per-IP request limits and per-connection command limits
//
// The server integrates with other packages:
//   - internal/gateway: authentication and workspace authorization
//   - internal/realtime: room fan-out and the watch bridge
//   - internal/deployment: the pipeline engine and rollback controller
//   - internal/history: run history for the status endpoint
package server
