// Package jsonrpc serves the mandate method table as JSON-RPC 2.0 over a chi
// router, next to the agent card, health and mandate lookup endpoints.
package jsonrpc
