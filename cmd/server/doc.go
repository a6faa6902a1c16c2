// Package main is the entry point for the proxyframe host.
//
// The host runs sandboxed browsing sessions ("frames"). It fetches
// documents on the frames' behalf, pushes them into a sandbox over an RPC
// channel and keeps each origin's localStorage across reloads.
//
// Architecture:
//
//	API client → HTTP/WebSocket API → Controller → RPC hub → Sandbox (in-process or remote)
//	                                             → Transport (external fetch)
//	                                             → Storage (memory or SQLite)
//
// Configuration:
//   - Environment variables (see internal/infrastructure/config)
//   - -config YAML file (overrides env vars)
//   - CLI flags (override both)
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -storage /var/lib/proxyframe/storage.db
//
//	# Development mode with remote sandboxes
//	./server -dev -remote-sandbox
//
//	# From a config file
//	./server -config /etc/proxyframe.yaml
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
