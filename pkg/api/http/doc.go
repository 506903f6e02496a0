// Package http provides the HTTP REST API implementation.
//
// Producers append events, status updates and the close marker under
// /api/v1/tasks/:id. Consumers read history with GET /events or follow a
// task live over server-sent events on /stream. Health and Prometheus
// metrics are served at the root.
package http
