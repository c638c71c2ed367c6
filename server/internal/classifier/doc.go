// Package classifier maps one telemetry event to a risk verdict using the
// configured threshold tables. Classification is a pure function of the rule
// table, the event and the source's latest humidity reading; rules can be
// swapped at runtime for config hot reload.
package classifier
