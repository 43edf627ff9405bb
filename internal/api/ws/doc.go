// Package ws streams transfer progress over WebSocket.
//
// Each compress, extract or upload request starts a transfer with its own
// transfer_id. The server answers with "accepted", then any number of
// "progress" messages, then exactly one "complete" or "error".
//
// Message Types (Client → Server):
//   - compress: path, format, exclude
//   - extract: path, destination, format
//   - upload: path, url, token
//   - ping: keep-alive
//
// Message Types (Server → Client):
//   - system: connection greeting
//   - accepted: transfer started
//   - progress: current_bytes, total_bytes, delta_per_second
//   - complete: transfer finished, with its result
//   - error: request rejected or transfer failed
//   - pong: ping reply
//
// Example Usage:
//
//	handler := ws.NewHandler(archiver, uploader, metrics, logger)
//	router.GET("/ws/transfers", handler.HandleConnection)
package ws
