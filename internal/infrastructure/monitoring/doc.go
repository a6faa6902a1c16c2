/*
Package monitoring provides metrics collection for the sandbox host.

# Overview

Metrics are registered on a private Prometheus registry so that several
hosts (or tests) can live in one process.

# Features

- HTTP request metrics (latency, throughput)
- Frame lifecycle metrics (active frames, navigations, push failures)
- RPC metrics (calls by channel and status, round-trip time, dropped messages)
- Network virtualization metrics (cache lookups, blocked requests, transport fetches)
- Worker virtualization metrics (probe duration and outcome, discovered imports)
- Storage sync and WebSocket connection metrics

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "html")
	// ... perform call ...
	timer.Stop("ok")

A nil *Metrics is a valid no-op collector.
*/
package monitoring
