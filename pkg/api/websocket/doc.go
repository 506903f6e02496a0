// Package websocket provides real-time event streaming via WebSocket.
//
// Clients can connect to /api/v1/tasks/:id/ws to follow a task's events.
// Each event arrives as a JSON frame carrying its entry id and kind, and a
// final CLOSE frame is sent before the connection is closed.
package websocket
