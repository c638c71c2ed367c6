package types

import (
	"errors"
	"fmt"
	"time"
)

// EventKind distinguishes directly measured readings from classifier output.
type EventKind string

const (
	KindScalar     EventKind = "scalar-reading"
	KindPrediction EventKind = "classifier-prediction"
)

// Metric names a scalar reading.
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricHumidity    Metric = "humidity"
)

// Label is a vision classifier class.
type Label string

const (
	LabelFire    Label = "Fire"
	LabelSmoke   Label = "Smoke"
	LabelNeutral Label = "Neutral"
)

// ChannelVision is the stream channel used for classifier predictions.
const ChannelVision = "vision"

// TelemetryEvent is one observation from one source. Value and Confidence are
// pointers so that a missing field can be told apart from a zero reading.
type TelemetryEvent struct {
	Kind       EventKind `json:"kind"`
	SourceID   string    `json:"source_id"`
	Metric     Metric    `json:"metric,omitempty"`
	Value      *float64  `json:"value,omitempty"`
	Label      Label     `json:"label,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Scalar builds a scalar-reading event.
func Scalar(sourceID string, m Metric, v float64, at time.Time) TelemetryEvent {
	return TelemetryEvent{
		Kind:       KindScalar,
		SourceID:   sourceID,
		Metric:     m,
		Value:      &v,
		ObservedAt: at,
	}
}

// Prediction builds a classifier-prediction event.
func Prediction(sourceID string, l Label, confidence float64, at time.Time) TelemetryEvent {
	return TelemetryEvent{
		Kind:       KindPrediction,
		SourceID:   sourceID,
		Label:      l,
		Confidence: &confidence,
		ObservedAt: at,
	}
}

// Channel returns the stream the event belongs to within its source:
// the metric name for scalar readings, "vision" for predictions.
func (e TelemetryEvent) Channel() string {
	if e.Kind == KindPrediction {
		return ChannelVision
	}
	return string(e.Metric)
}

// Validate checks the event envelope. Bad values (missing, NaN, unknown
// metric or label) are not envelope errors; the classifier drops those.
func (e TelemetryEvent) Validate() error {
	if e.SourceID == "" {
		return errors.New("source_id is required")
	}
	switch e.Kind {
	case KindScalar, KindPrediction:
	case "":
		return errors.New("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.ObservedAt.IsZero() {
		return errors.New("observed_at is required")
	}
	return nil
}
