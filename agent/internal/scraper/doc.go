// Package scraper polls field sources and turns each poll into telemetry
// events.
//
// Implemented scrapers: ESP32 sensor stations serving JSON (station.go),
// Prometheus expositions with configured temperature and humidity families
// (prometheus.go), and the vision classifier's latest prediction (vision.go).
// Factory: New(config.Source) returns the correct Scraper.
//
// Authentication (mTLS, API key, bearer token, basic) is handled by the shared
// authRoundTripper in base.go; individual scrapers receive a pre-configured
// *http.Client from New().
package scraper
