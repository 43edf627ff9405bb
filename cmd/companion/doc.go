// Package main is the entry point for the Zapuskalka companion.
//
// The companion runs next to the launcher UI and does the heavy lifting the
// UI cannot: packing and unpacking game builds, uploading them, and keeping
// track of the games it starts.
//
// Architecture:
//
//	Launcher UI → HTTP / WebSocket API → transfer pipelines (tar + gzip/zstd, upload)
//	                                   → launcher → process monitor
//
// Commands:
//   - serve: local REST API, /ws/transfers progress stream, /metrics
//   - compress, extract, upload: one-shot transfers with a progress bar
//   - run: supervise a single command
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Serve on the default port with console logs
//	companion serve --dev
//
//	# Pack and upload a build
//	companion compress ./build --exclude '**/*.pdb'
//	companion upload https://api.example/builds/42 build.tar.gz --token "$TOKEN"
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown, supervised children are terminated
package main
