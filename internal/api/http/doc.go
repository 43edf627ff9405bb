// Package http provides the REST handlers of the companion API.
//
// Endpoints:
//   - GET  /                          liveness
//   - GET  /health                    process, app and transfer counters
//   - GET  /processes                 supervised children
//   - POST /processes/:pid/terminate  kill a child (404 when unknown)
//   - GET  /apps                      running apps
//   - POST /apps/:id/launch           start an installed app
//   - POST /apps/:id/stop             terminate a running app
//   - GET  /apps/:id/wait             block until the app exits
//   - GET  /apps/:id/output           drain captured output
package http
