/*
Package monitoring provides Prometheus metrics for the companion.

# Overview

Each Metrics value owns a private registry, so several instances can live in
one process (tests, embedded use) without duplicate registration panics.
A nil *Metrics is accepted everywhere and records nothing.

# Features

- HTTP request metrics (count, latency) via the Gin middleware
- Transfer metrics per operation (active, finished by status, bytes, duration)
- Supervised process gauge and lifecycle event counters
- WebSocket connection gauge
- Uptime

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
*/
package monitoring
