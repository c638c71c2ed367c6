package types

import "time"

// RiskLevel is the classifier's per-event verdict level.
type RiskLevel string

const (
	LevelNormal   RiskLevel = "normal"
	LevelWatch    RiskLevel = "watch"
	LevelWarning  RiskLevel = "warning"
	LevelCritical RiskLevel = "critical"
)

var levelRank = map[RiskLevel]int{
	LevelNormal:   0,
	LevelWatch:    1,
	LevelWarning:  2,
	LevelCritical: 3,
}

var levelByRank = []RiskLevel{LevelNormal, LevelWatch, LevelWarning, LevelCritical}

// Valid reports whether l is one of the four known levels.
func (l RiskLevel) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Rank orders levels from normal (0) to critical (3).
func (l RiskLevel) Rank() int { return levelRank[l] }

// Escalate returns the next level up, capped at critical.
func (l RiskLevel) Escalate() RiskLevel {
	r := l.Rank() + 1
	if r >= len(levelByRank) {
		return LevelCritical
	}
	return levelByRank[r]
}

// Severity maps a level to the alert severity it raises. Normal maps to ""
// because it never raises an alert.
func (l RiskLevel) Severity() Severity {
	switch l {
	case LevelCritical:
		return SeverityCritical
	case LevelWarning:
		return SeverityHigh
	case LevelWatch:
		return SeverityMedium
	}
	return ""
}

// AlertKind is the fixed alert taxonomy.
type AlertKind string

const (
	AlertFire            AlertKind = "fire"
	AlertSmoke           AlertKind = "smoke"
	AlertHighTemperature AlertKind = "high-temperature"
	AlertLowHumidity     AlertKind = "low-humidity"
)

// Verdict is the classifier's risk assessment of one event.
type Verdict struct {
	SourceID   string    `json:"source_id"`
	Channel    string    `json:"channel"`
	Level      RiskLevel `json:"level"`
	Confidence float64   `json:"confidence"`
	Basis      string    `json:"basis"`
	Kind       AlertKind `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Severity is the operator-facing alert severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities from low (1) to critical (4); unknown is 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// AlertState is a lifecycle state. The zero value stands for "none", the
// state before an alert exists.
type AlertState string

const (
	StateNone         AlertState = ""
	StateActive       AlertState = "active"
	StateAcknowledged AlertState = "acknowledged"
	StateDismissed    AlertState = "dismissed"
)

// Valid reports whether s is one of the three stored states.
func (s AlertState) Valid() bool {
	switch s {
	case StateActive, StateAcknowledged, StateDismissed:
		return true
	}
	return false
}

// Open reports whether an alert in state s is still part of the active view.
func (s AlertState) Open() bool {
	return s == StateActive || s == StateAcknowledged
}

// Alert is one operator-facing incident.
type Alert struct {
	ID               string     `json:"id"`
	Kind             AlertKind  `json:"kind"`
	Severity         Severity   `json:"severity"`
	SourceID         string     `json:"source_id"`
	Location         string     `json:"location"`
	Description      string     `json:"description"`
	Confidence       float64    `json:"confidence"`
	CreatedAt        time.Time  `json:"created_at"`
	State            AlertState `json:"state"`
	LastReaffirmedAt time.Time  `json:"last_reaffirmed_at"`
	ReaffirmCount    int        `json:"reaffirm_count"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	DismissedAt      *time.Time `json:"dismissed_at,omitempty"`
	DismissReason    string     `json:"dismiss_reason,omitempty"`
}

// Transition records one lifecycle state change. From is StateNone when the
// alert was just created.
type Transition struct {
	AlertID string     `json:"alert_id"`
	From    AlertState `json:"from"`
	To      AlertState `json:"to"`
	At      time.Time  `json:"at"`
	Reason  string     `json:"reason,omitempty"`
	Alert   Alert      `json:"alert"`
}
