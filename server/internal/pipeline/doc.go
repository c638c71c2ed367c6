// Package pipeline runs the per-source telemetry workers.
//
// Each source gets its own goroutine with a bounded mailbox. The worker
// classifies every event, folds the verdict into its own Debouncer, and hands
// sustained verdicts to the alert lifecycle manager. A full mailbox drops its
// oldest event, so a slow source always works on the most recent frames.
package pipeline
