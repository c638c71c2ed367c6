// Package ws implements the WebSocket hub for firewatch-server.
//
// New(store, interval) creates a Hub. Hub.Run(ctx) broadcasts the open alerts
// every interval and closes all connections when ctx is cancelled.
// Hub.OnTransition is registered as a lifecycle subscriber and pushes each
// transition to every client as it happens. Hub.ServeHTTP sends a snapshot
// immediately on connect.
//
// Messages sent to clients:
//
//	{"event": "snapshot",   "data": {"alerts": [...], "generated_at": "..."}}
//	{"event": "transition", "data": {"alert_id": "...", "from": "", "to": "active", ...}}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The server mounts the hub at /ws/stream.
package ws
