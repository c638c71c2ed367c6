// Package shipper sends telemetry events to firewatch-server via gRPC
// (TelemetryService.Send unary RPC, see pkg/telemetryrpc).
//
// Shipper.Ship() is non-blocking: events are placed in an in-memory channel
// (default capacity 1000). When the buffer is full the oldest event is
// evicted so the latest readings are always preserved.
//
// Shipper.Run() drains the buffer in batches of up to 100 events,
// reconnecting with truncated exponential backoff (1s→60s, ±25% jitter) on
// connection or send errors. A batch that fails transiently is retried
// first on the next connection, ahead of newer buffered events. Permanent gRPC errors (Unauthenticated, PermissionDenied,
// InvalidArgument) discard the batch immediately.
//
// Auth: mTLS via credentials.NewTLS(), API key via gRPC metadata header,
// or insecure (plaintext) for local development.
package shipper
