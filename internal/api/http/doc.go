// Package http provides the HTTP handlers of the proxyframe host API.
//
// Endpoints:
//   - Health: / and /health
//   - Frames: POST /frames, GET /frames, GET /frames/:id, DELETE /frames/:id
//   - Frame operations: /frames/:id/navigate, /frames/:id/favicon,
//     /frames/:id/eval, /frames/:id/storage
//   - Stats: /stats
//
// Host errors are mapped onto status codes by StatusFor: an invalid URL is
// 400, an unknown frame 404, a sandbox that did not answer in time 504.
//
// Example Usage:
//
//	handlers := http.NewHandlers(controller, transport, http.NewHandlerMetrics(metrics), tracer, log)
//	router.POST("/frames/:id/navigate", handlers.Navigate)
package http
