package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/alerts"
	"github.com/firewatch/firewatch/server/internal/notify"
	"github.com/firewatch/firewatch/server/internal/receiver"
	"github.com/firewatch/firewatch/server/internal/store"
)

// maxBodyBytes caps POST /api/v1/telemetry request bodies.
const maxBodyBytes = 1 << 20

// Lifecycle is the subset of *alerts.Manager the API drives.
type Lifecycle interface {
	Acknowledge(ctx context.Context, id string) (types.Alert, error)
	Dismiss(ctx context.Context, id string) (types.Alert, error)
}

// Deps wires the handler to the engine.
type Deps struct {
	Store     *store.Store
	Lifecycle Lifecycle
	Ingest    receiver.Submitter
	// Sources returns the ids of sources with a running pipeline worker.
	Sources func() []string
	// Channels are the person-facing notifiers, enabled or not.
	Channels []notify.Channel
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	deps Deps
	mux  *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(d Deps) http.Handler {
	if d.Sources == nil {
		d.Sources = func() []string { return nil }
	}
	h := &Handler{deps: d, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/alerts", h.listAlerts)
	h.mux.HandleFunc("/api/v1/alerts/", h.alertSubtree) // {id}, {id}/acknowledge, {id}/dismiss, count
	h.mux.HandleFunc("/api/v1/telemetry", h.telemetry)
	h.mux.HandleFunc("/api/v1/notify/status", h.notifyStatus)
	h.mux.HandleFunc("/api/v1/notify/", h.notifyTest) // {channel}/test

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health: open alert counts and source count.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	counts := h.deps.Store.OpenCountBySeverity()
	resp := HealthResponse{
		State:       "ok",
		AlertCount:  h.deps.Store.Count(),
		ActiveCount: h.deps.Store.ActiveCount(""),
		OpenBySeverity: map[string]int{
			string(types.SeverityCritical): counts[types.SeverityCritical],
			string(types.SeverityHigh):     counts[types.SeverityHigh],
			string(types.SeverityMedium):   counts[types.SeverityMedium],
			string(types.SeverityLow):      counts[types.SeverityLow],
		},
		SourceCount: len(h.deps.Sources()),
	}
	for _, n := range counts {
		resp.OpenCount += n
	}
	if counts[types.SeverityCritical] > 0 {
		resp.State = "critical"
	} else if resp.OpenCount > 0 {
		resp.State = "alerting"
	}
	jsonResp(w, http.StatusOK, resp)
}

// listAlerts returns GET /api/v1/alerts, newest first, optionally filtered by
// severity, state, kind and source.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	f, err := parseFilter(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	out := h.deps.Store.Query(f)
	if out == nil {
		out = []types.Alert{}
	}
	jsonResp(w, http.StatusOK, out)
}

// alertSubtree dispatches everything under /api/v1/alerts/.
func (h *Handler) alertSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/alerts/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case rest == "":
		h.listAlerts(w, r)
	case len(parts) == 1 && parts[0] == "count":
		h.activeCount(w, r)
	case len(parts) == 1:
		h.getAlert(w, r, parts[0])
	case len(parts) == 2 && (parts[1] == "acknowledge" || parts[1] == "dismiss"):
		h.transition(w, r, parts[0], parts[1])
	default:
		jsonErr(w, http.StatusNotFound, "not found")
	}
}

// getAlert returns GET /api/v1/alerts/{id}.
func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	a, ok := h.deps.Store.Get(id)
	if !ok {
		jsonErr(w, http.StatusNotFound, "alert not found")
		return
	}
	jsonResp(w, http.StatusOK, a)
}

// activeCount returns GET /api/v1/alerts/count?severity=.
func (h *Handler) activeCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sev := types.Severity(r.URL.Query().Get("severity"))
	if sev != "" && !sev.Valid() {
		jsonErr(w, http.StatusBadRequest, "unknown severity "+strconv.Quote(string(sev)))
		return
	}
	jsonResp(w, http.StatusOK, CountResponse{Severity: string(sev), Active: h.deps.Store.ActiveCount(sev)})
}

// transition handles POST /api/v1/alerts/{id}/acknowledge and /dismiss.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var (
		a   types.Alert
		err error
	)
	if action == "acknowledge" {
		a, err = h.deps.Lifecycle.Acknowledge(r.Context(), id)
	} else {
		a, err = h.deps.Lifecycle.Dismiss(r.Context(), id)
	}

	switch {
	case err == nil:
		jsonResp(w, http.StatusOK, a)
	case errors.Is(err, alerts.ErrNotFound):
		jsonErr(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, alerts.ErrInvalidTransition):
		jsonErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, alerts.ErrStopped):
		jsonErr(w, http.StatusServiceUnavailable, "alert manager stopped")
	default:
		jsonErr(w, http.StatusInternalServerError, err.Error())
	}
}

// telemetry handles POST /api/v1/telemetry with one event or {"events": [...]}.
func (h *Handler) telemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.deps.Ingest == nil {
		jsonErr(w, http.StatusServiceUnavailable, "telemetry ingest disabled")
		return
	}

	var body struct {
		Events []types.TelemetryEvent `json:"events"`
		types.TelemetryEvent
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	events := body.Events
	if len(events) == 0 {
		events = []types.TelemetryEvent{body.TelemetryEvent}
	}

	res := receiver.SubmitBatch(h.deps.Ingest, "http", events)
	if res.Accepted == 0 {
		jsonErr(w, http.StatusBadRequest, res.Message)
		return
	}
	jsonResp(w, http.StatusAccepted, res)
}

// notifyStatus returns GET /api/v1/notify/status.
func (h *Handler) notifyStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out := make([]notify.Status, 0, len(h.deps.Channels))
	for _, c := range h.deps.Channels {
		out = append(out, c.Status())
	}
	jsonResp(w, http.StatusOK, out)
}

// notifyTest handles POST /api/v1/notify/{channel}/test with an optional
// {"to": "..."} body overriding the configured recipients.
func (h *Handler) notifyTest(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/notify/"), "/"), "/")
	if len(parts) != 2 || parts[1] != "test" {
		jsonErr(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var ch notify.Channel
	for _, c := range h.deps.Channels {
		if c.Name() == parts[0] {
			ch = c
			break
		}
	}
	if ch == nil {
		jsonErr(w, http.StatusNotFound, "unknown channel "+strconv.Quote(parts[0]))
		return
	}

	var body struct {
		To string `json:"to"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			jsonErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	err := ch.Test(body.To)
	switch {
	case err == nil:
		jsonResp(w, http.StatusOK, TestResponse{Channel: ch.Name(), Success: true, Message: "test message sent"})
	case errors.Is(err, notify.ErrDisabled):
		jsonErr(w, http.StatusServiceUnavailable, ch.Name()+" notifications are not configured")
	default:
		jsonErr(w, http.StatusBadGateway, err.Error())
	}
}

// --- helpers ----------------------------------------------------------------

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		Severity: types.Severity(q.Get("severity")),
		State:    types.AlertState(q.Get("state")),
		Kind:     types.AlertKind(q.Get("kind")),
		SourceID: q.Get("source"),
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return f, errors.New("unknown severity " + strconv.Quote(string(f.Severity)))
	}
	if f.State != "" && !f.State.Valid() {
		return f, errors.New("unknown state " + strconv.Quote(string(f.State)))
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg, Time: time.Now().UTC().Format(time.RFC3339)})
}
