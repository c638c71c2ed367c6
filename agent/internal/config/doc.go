// Package config loads and watches the agent configuration file (config.yaml).
//
// Only the `agent:` section is read:
//   - AgentConfig: server_endpoint, scrape_interval, buffer_size, sources,
//     server_auth
//   - Source: id, type (station|prometheus|vision), endpoint, interval,
//     temperature_metric and humidity_metric for prometheus sources, auth, tls
//   - AuthConfig: mode (mtls|apikey|bearer|basic|none); secrets are read from
//     the environment variables the config names
//
// Load(path) reads the YAML file, applies defaults (5s scrape, 1000 buffer),
// then validates required fields and enums.
//
// Watch(ctx, path, onChange) uses fsnotify to reload the file on change. A
// reload that fails to parse or validate is logged and skipped.
package config
