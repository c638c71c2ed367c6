package classifier

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/config"
)

// Environment is per-source context a verdict may depend on.
type Environment struct {
	// Humidity is the latest humidity reading from the same source, if any.
	Humidity *HumidityReading
}

// HumidityReading is a remembered humidity value and when it was observed.
type HumidityReading struct {
	Value      float64
	ObservedAt time.Time
}

// Classifier holds the current rule table. It is safe for concurrent use.
type Classifier struct {
	rules atomic.Pointer[config.ClassifierConfig]
}

// New creates a Classifier from cfg.
func New(cfg config.ClassifierConfig) *Classifier {
	c := &Classifier{}
	c.SetRules(cfg)
	return c
}

// SetRules replaces the rule table. Events classified afterwards use cfg.
func (c *Classifier) SetRules(cfg config.ClassifierConfig) {
	rules := cfg
	rules.Temperature = append([]config.ThresholdRule(nil), cfg.Temperature...)
	c.rules.Store(&rules)
}

// Classify returns the verdict for ev. The boolean is false when the event
// cannot be classified (missing or non-finite value, unknown metric or label).
func (c *Classifier) Classify(ev types.TelemetryEvent, env Environment) (types.Verdict, bool) {
	rules := c.rules.Load()
	v := types.Verdict{
		SourceID:   ev.SourceID,
		Channel:    ev.Channel(),
		ObservedAt: ev.ObservedAt,
	}

	switch ev.Kind {
	case types.KindScalar:
		if ev.Value == nil || !finite(*ev.Value) {
			return types.Verdict{}, false
		}
		val := *ev.Value
		v.Confidence = 100
		switch ev.Metric {
		case types.MetricTemperature:
			classifyTemperature(&v, rules, val, env)
		case types.MetricHumidity:
			classifyHumidity(&v, rules, val)
		default:
			return types.Verdict{}, false
		}
		return v, true

	case types.KindPrediction:
		if ev.Confidence == nil || !finite(*ev.Confidence) {
			return types.Verdict{}, false
		}
		conf := *ev.Confidence
		if conf < 0 || conf > 100 {
			return types.Verdict{}, false
		}
		v.Confidence = conf
		switch ev.Label {
		case types.LabelFire:
			v.Kind = types.AlertFire
			if conf > rules.FireConfidence {
				v.Level = types.LevelCritical
				v.Basis = fmt.Sprintf("fire>%g", rules.FireConfidence)
				v.Detail = fmt.Sprintf("Fire detected with %.1f%% confidence", conf)
				return v, true
			}
		case types.LabelSmoke:
			v.Kind = types.AlertSmoke
			if conf > rules.SmokeConfidence {
				v.Level = types.LevelWarning
				v.Basis = fmt.Sprintf("smoke>%g", rules.SmokeConfidence)
				v.Detail = fmt.Sprintf("Smoke detected with %.1f%% confidence", conf)
				return v, true
			}
		case types.LabelNeutral:
		default:
			return types.Verdict{}, false
		}
		v.Level = types.LevelNormal
		v.Basis = "vision-normal"
		return v, true
	}

	return types.Verdict{}, false
}

func classifyTemperature(v *types.Verdict, rules *config.ClassifierConfig, val float64, env Environment) {
	v.Kind = types.AlertHighTemperature
	v.Level = types.LevelNormal
	v.Basis = "temperature-normal"
	for _, r := range rules.Temperature {
		if val > r.Above {
			v.Level = r.Level
			v.Basis = fmt.Sprintf("temperature>%g", r.Above)
			v.Detail = fmt.Sprintf("Temperature %.1f above %.1f", val, r.Above)
			break
		}
	}

	h := env.Humidity
	if h == nil || h.Value >= rules.Humidity.LowThreshold {
		return
	}
	age := v.ObservedAt.Sub(h.ObservedAt)
	if age < 0 {
		age = -age
	}
	if rules.Humidity.Freshness > 0 && age > rules.Humidity.Freshness {
		return
	}
	if v.Level == types.LevelCritical {
		return
	}
	v.Level = v.Level.Escalate()
	v.Basis += "+dry"
	if v.Detail == "" {
		v.Detail = fmt.Sprintf("Temperature %.1f", val)
	}
	v.Detail += fmt.Sprintf(" with humidity %.1f below %.1f", h.Value, rules.Humidity.LowThreshold)
}

func classifyHumidity(v *types.Verdict, rules *config.ClassifierConfig, val float64) {
	v.Kind = types.AlertLowHumidity
	if val < rules.Humidity.LowThreshold {
		v.Level = types.LevelWatch
		v.Basis = fmt.Sprintf("humidity<%g", rules.Humidity.LowThreshold)
		v.Detail = fmt.Sprintf("Humidity %.1f below %.1f", val, rules.Humidity.LowThreshold)
		return
	}
	v.Level = types.LevelNormal
	v.Basis = "humidity-normal"
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
