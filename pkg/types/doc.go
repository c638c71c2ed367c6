// Package types defines shared Go types used by both the agent and server.
// TelemetryEvent is what the agent ships and the server ingests; Verdict,
// Alert and Transition are the engine's in-memory and JSON representations
// of risk assessments and operator-facing alerts.
package types
