// Package grpc serves the standard gRPC health protocol so orchestrators
// can probe the service. The serving status follows the health monitor.
package grpc
