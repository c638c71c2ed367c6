package api

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is "ok" with no open alerts, "critical" when any open alert is
	// critical, "alerting" otherwise.
	State          string         `json:"state"`
	OpenCount      int            `json:"open_count"`
	ActiveCount    int            `json:"active_count"`
	AlertCount     int            `json:"alert_count"`
	OpenBySeverity map[string]int `json:"open_by_severity"`
	SourceCount    int            `json:"source_count"`
}

// CountResponse is the payload for GET /api/v1/alerts/count.
type CountResponse struct {
	Severity string `json:"severity,omitempty"`
	Active   int    `json:"active"`
}

// TestResponse is the payload for POST /api/v1/notify/{channel}/test.
type TestResponse struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
	Time  string `json:"time"`
}
