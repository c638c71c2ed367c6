// Package metrics holds the server's Prometheus collectors. They are
// registered on the default registry at init and served on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	TelemetryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firewatch_telemetry_events_total",
			Help: "Telemetry events seen, by transport and result",
		},
		[]string{"transport", "result"}, // result: accepted, rejected, unclassifiable, dropped
	)

	// Engine metrics
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firewatch_verdicts_total",
			Help: "Risk verdicts produced by the classifier, by level",
		},
		[]string{"level"},
	)

	DebounceResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firewatch_debounce_resets_total",
			Help: "Debounce windows restarted, by reason",
		},
		[]string{"reason"},
	)

	ConfirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firewatch_confirmations_total",
			Help: "Sustained verdicts handed to the lifecycle manager, by alert kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: created, reaffirmed, suppressed, error
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firewatch_alert_transitions_total",
			Help: "Alert lifecycle transitions, by target state",
		},
		[]string{"to"},
	)

	OpenAlerts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "firewatch_open_alerts",
			Help: "Alerts currently active or acknowledged, by severity",
		},
		[]string{"severity"},
	)

	// Pipeline metrics
	PipelineSources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "firewatch_pipeline_sources",
			Help: "Sources with a running pipeline worker",
		},
	)

	PipelineDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firewatch_pipeline_dropped_total",
			Help: "Events coalesced away because a source mailbox was full",
		},
		[]string{"source"},
	)

	PipelineProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "firewatch_pipeline_process_duration_seconds",
			Help:    "Time to classify, debounce and hand off one event",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	// Notifier metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firewatch_notifications_total",
			Help: "Downstream notifications, by channel and status",
		},
		[]string{"channel", "status"}, // status: sent, failed, skipped
	)

	// Error metrics
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firewatch_panics_recovered_total",
			Help: "Panics recovered, by component",
		},
		[]string{"component"},
	)
)

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
