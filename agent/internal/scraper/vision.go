package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/firewatch/firewatch/agent/internal/config"
	"github.com/firewatch/firewatch/pkg/types"
)

// visionPayload is the latest result served by the vision classifier.
// The backend formats probability as a string ("87.50"); numbers are
// accepted too.
type visionPayload struct {
	Prediction  string      `json:"prediction"`
	Probability probability `json:"probability"`
}

// probability decodes a JSON number or numeric string. Null leaves it unset.
type probability struct {
	value float64
	set   bool
}

func (p *probability) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("probability %q: %w", s, err)
		}
		p.value, p.set = v, true
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	p.value, p.set = v, true
	return nil
}

type visionScraper struct {
	src    config.Source
	client *http.Client
}

// Scrape polls the classifier and returns a single prediction event. The
// label is passed through unchanged; the server decides what it means.
func (s *visionScraper) Scrape(ctx context.Context) ([]types.TelemetryEvent, error) {
	var p visionPayload
	if err := fetchJSON(ctx, s.client, s.src.Endpoint, &p); err != nil {
		return nil, fmt.Errorf("vision scrape %q: %w", s.src.ID, err)
	}
	if p.Prediction == "" {
		return nil, fmt.Errorf("vision scrape %q: missing prediction", s.src.ID)
	}

	ev := types.TelemetryEvent{
		Kind:       types.KindPrediction,
		SourceID:   s.src.ID,
		Label:      types.Label(p.Prediction),
		ObservedAt: now(),
	}
	if p.Probability.set {
		v := p.Probability.value
		ev.Confidence = &v
	}
	return []types.TelemetryEvent{ev}, nil
}
