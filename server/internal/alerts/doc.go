// Package alerts implements the alert lifecycle manager and webhook delivery.
//
// Manager is an actor: Run owns the alert store writes and the cooldown
// table, and every mutating call (OnConfirmed, Acknowledge, Dismiss, Sweep,
// SetCooldowns) is queued to it. Each transition
// (none→active, active→acknowledged, active|acknowledged→dismissed) is handed
// to subscribers exactly once, in commit order, from a separate dispatcher
// goroutine. Webhooks are delivered to Teams, Slack, or generic HTTP targets.
package alerts
