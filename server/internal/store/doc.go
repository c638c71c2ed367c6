// Package store is the authoritative in-memory collection of alerts, active
// and historical. Writes come only from the alert lifecycle manager; readers
// (REST API, WebSocket hub) get copies under a read lock, so every read sees
// a consistent snapshot relative to any completed write. Alerts are never
// deleted: dismissed alerts stay queryable for audit.
package store
