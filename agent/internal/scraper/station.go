package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/firewatch/firewatch/agent/internal/config"
	"github.com/firewatch/firewatch/pkg/types"
)

// stationPayload is the JSON document an ESP32 sensor station serves.
// Temperature is in degrees Fahrenheit, humidity in percent.
type stationPayload struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Status      string   `json:"status"`
}

type stationScraper struct {
	src    config.Source
	client *http.Client
}

// Scrape polls the station and returns one scalar event per usable field.
// A null or non-finite field is skipped; the other is still reported.
func (s *stationScraper) Scrape(ctx context.Context) ([]types.TelemetryEvent, error) {
	var p stationPayload
	if err := fetchJSON(ctx, s.client, s.src.Endpoint, &p); err != nil {
		return nil, fmt.Errorf("station scrape %q: %w", s.src.ID, err)
	}
	if p.Status != "" && p.Status != "online" {
		slog.Warn("scraper: station not online", "source", s.src.ID, "status", p.Status)
		return nil, nil
	}

	at := now()
	var events []types.TelemetryEvent
	if usable(p.Temperature) {
		events = append(events, types.Scalar(s.src.ID, types.MetricTemperature, *p.Temperature, at))
	}
	if usable(p.Humidity) {
		events = append(events, types.Scalar(s.src.ID, types.MetricHumidity, *p.Humidity, at))
	}
	if len(events) == 0 {
		slog.Warn("scraper: station returned no usable readings", "source", s.src.ID)
	}
	return events, nil
}

func usable(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
