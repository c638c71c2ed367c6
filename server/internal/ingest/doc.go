// Package ingest consumes telemetry from Kafka.
//
// Consumer reads one JSON TelemetryEvent per message from the configured
// topic as part of a consumer group and submits it to the pipeline. Messages
// that fail to decode or validate are logged, counted and committed so a
// single poison message never blocks the partition.
package ingest
