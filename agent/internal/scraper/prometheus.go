package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	dto "github.com/prometheus/client_model/go"

	"github.com/firewatch/firewatch/agent/internal/config"
	"github.com/firewatch/firewatch/pkg/types"
)

type promScraper struct {
	src    config.Source
	client *http.Client
}

// Scrape fetches a Prometheus exposition (a node exporter textfile, a sensor
// bridge) and reads the configured temperature and humidity families.
//
// A family with several series (one per sensor) reports its most alarming
// value: the highest temperature and the lowest humidity.
func (s *promScraper) Scrape(ctx context.Context) ([]types.TelemetryEvent, error) {
	mfs, err := fetchMetrics(ctx, s.client, s.src.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("prometheus scrape %q: %w", s.src.ID, err)
	}

	at := now()
	var events []types.TelemetryEvent
	if name := s.src.TemperatureMetric; name != "" {
		if v, ok := extremum(mfs[name], math.Max); ok {
			events = append(events, types.Scalar(s.src.ID, types.MetricTemperature, v, at))
		} else {
			slog.Debug("scraper: temperature family missing", "source", s.src.ID, "metric", name)
		}
	}
	if name := s.src.HumidityMetric; name != "" {
		if v, ok := extremum(mfs[name], math.Min); ok {
			events = append(events, types.Scalar(s.src.ID, types.MetricHumidity, v, at))
		} else {
			slog.Debug("scraper: humidity family missing", "source", s.src.ID, "metric", name)
		}
	}
	return events, nil
}

// extremum folds the gauge, counter or untyped values of mf with pick,
// skipping NaN samples. Returns false if mf is nil or has no usable sample.
func extremum(mf *dto.MetricFamily, pick func(a, b float64) float64) (float64, bool) {
	if mf == nil {
		return 0, false
	}
	var (
		out   float64
		found bool
	)
	for _, m := range mf.GetMetric() {
		var v float64
		switch {
		case m.Gauge != nil:
			v = m.Gauge.GetValue()
		case m.Untyped != nil:
			v = m.Untyped.GetValue()
		case m.Counter != nil:
			v = m.Counter.GetValue()
		default:
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if !found {
			out, found = v, true
			continue
		}
		out = pick(out, v)
	}
	return out, found
}
