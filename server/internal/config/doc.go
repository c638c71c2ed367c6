// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - GRPCPort, HTTPPort: telemetry receiver and REST/WebSocket ports
//   - Auth: "apikey" or "none"; key resolved from KeyEnv
//   - Classifier: temperature table, humidity threshold, vision confidences
//   - Debounce: required_count and max_gap per event kind and level
//   - Cooldown: per alert kind, with a default
//   - Alerts: manager queue depth and optional stale expiry
//   - Sources: location labels per source id
//   - Ingest, Storage, Notify: optional Kafka, Postgres, webhook, email and SMS wiring
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, onChange) reloads the file on change for hot reload of
// thresholds, debounce rules and cooldowns.
package config
