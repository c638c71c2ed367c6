// Package history keeps a Postgres audit log of alerts and their lifecycle
// transitions.
//
// Repository writes through database/sql with the pgx stdlib driver. Every
// transition upserts the alert row and appends one alert_transitions row in
// the same transaction. Recorder is the lifecycle subscriber: it queues
// transitions and writes them from its own goroutine so a slow database never
// holds up the dispatcher. History is write-behind; the in-memory store stays
// the source of truth for queries.
package history
