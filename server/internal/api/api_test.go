package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/alerts"
	"github.com/firewatch/firewatch/server/internal/api"
	"github.com/firewatch/firewatch/server/internal/config"
	"github.com/firewatch/firewatch/server/internal/notify"
	"github.com/firewatch/firewatch/server/internal/store"
)

// --- test helpers -----------------------------------------------------------

type memSink struct {
	mu     sync.Mutex
	events []types.TelemetryEvent
}

func (m *memSink) Submit(ev types.TelemetryEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// fakeChannel records test sends and fails them when err is set.
type fakeChannel struct {
	name  string
	err   error
	mu    sync.Mutex
	tests []string
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Status() notify.Status {
	return notify.Status{Channel: c.name, Enabled: true, Configured: true, Recipients: 2, Cooldown: "5m0s", AlertCount: 3}
}

func (c *fakeChannel) Test(to string) error {
	c.mu.Lock()
	c.tests = append(c.tests, to)
	c.mu.Unlock()
	return c.err
}

type fixture struct {
	h    http.Handler
	mgr  *alerts.Manager
	sink *memSink
	sms  *fakeChannel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default().Server
	cfg.Cooldown = config.CooldownConfig{}
	mgr := alerts.New(store.New(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	sink := &memSink{}
	sms := &fakeChannel{name: "sms"}
	h := api.New(api.Deps{
		Store:     mgr.Store(),
		Lifecycle: mgr,
		Ingest:    sink,
		Sources:   func() []string { return []string{"cam-1", "st-1"} },
		Channels:  []notify.Channel{notify.Off("email", false), sms},
	})
	return &fixture{h: h, mgr: mgr, sink: sink, sms: sms}
}

func (f *fixture) raise(t *testing.T, kind types.AlertKind, source string, sev types.Severity) types.Alert {
	t.Helper()
	_, a, err := f.mgr.OnConfirmed(context.Background(), alerts.Confirmation{
		Kind: kind, SourceID: source, Severity: sev,
	})
	if err != nil {
		t.Fatalf("OnConfirmed: %v", err)
	}
	return a
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- /api/v1/health ---------------------------------------------------------

func TestHealth_NoAlerts(t *testing.T) {
	f := newFixture(t)
	rr := do(t, f.h, http.MethodGet, "/api/v1/health", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.State != "ok" {
		t.Errorf("state: got %q, want ok", resp.State)
	}
	if resp.SourceCount != 2 {
		t.Errorf("source_count: got %d, want 2", resp.SourceCount)
	}
}

func TestHealth_CountsOpenAlerts(t *testing.T) {
	f := newFixture(t)
	f.raise(t, types.AlertFire, "cam-1", types.SeverityCritical)
	smoke := f.raise(t, types.AlertSmoke, "cam-1", types.SeverityHigh)
	if _, err := f.mgr.Acknowledge(context.Background(), smoke.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	var resp api.HealthResponse
	decode(t, do(t, f.h, http.MethodGet, "/api/v1/health", ""), &resp)
	if resp.State != "critical" {
		t.Errorf("state: got %q, want critical", resp.State)
	}
	if resp.OpenCount != 2 || resp.ActiveCount != 1 {
		t.Errorf("counts: got open=%d active=%d, want 2/1", resp.OpenCount, resp.ActiveCount)
	}
	if resp.OpenBySeverity["high"] != 1 {
		t.Errorf("open_by_severity.high: got %d, want 1", resp.OpenBySeverity["high"])
	}
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	if rr := do(t, f.h, http.MethodPost, "/api/v1/health", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

// --- /api/v1/alerts ---------------------------------------------------------

func TestListAlerts_Empty(t *testing.T) {
	f := newFixture(t)
	rr := do(t, f.h, http.MethodGet, "/api/v1/alerts", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("body: got %s, want []", body)
	}
}

func TestListAlerts_Filters(t *testing.T) {
	f := newFixture(t)
	fire := f.raise(t, types.AlertFire, "cam-1", types.SeverityCritical)
	f.raise(t, types.AlertHighTemperature, "st-1", types.SeverityHigh)
	f.raise(t, types.AlertLowHumidity, "st-1", types.SeverityMedium)
	if _, err := f.mgr.Dismiss(context.Background(), fire.ID); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}

	cases := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?severity=critical", 1},
		{"?state=active", 2},
		{"?state=dismissed", 1},
		{"?source=st-1", 2},
		{"?kind=low-humidity", 1},
		{"?severity=high&state=active", 1},
		{"?limit=1", 1},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			rr := do(t, f.h, http.MethodGet, "/api/v1/alerts"+tc.query, "")
			if rr.Code != http.StatusOK {
				t.Fatalf("status: got %d, want 200", rr.Code)
			}
			var out []types.Alert
			decode(t, rr, &out)
			if len(out) != tc.want {
				t.Errorf("len: got %d, want %d", len(out), tc.want)
			}
		})
	}
}

func TestListAlerts_BadFilter(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{"?severity=extreme", "?state=open", "?limit=-1", "?limit=x"} {
		if rr := do(t, f.h, http.MethodGet, "/api/v1/alerts"+q, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status got %d, want 400", q, rr.Code)
		}
	}
}

func TestGetAlert(t *testing.T) {
	f := newFixture(t)
	a := f.raise(t, types.AlertFire, "cam-1", types.SeverityCritical)

	rr := do(t, f.h, http.MethodGet, "/api/v1/alerts/"+a.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var got types.Alert
	decode(t, rr, &got)
	if got.ID != a.ID || got.Kind != types.AlertFire {
		t.Errorf("alert: got %+v", got)
	}

	if rr := do(t, f.h, http.MethodGet, "/api/v1/alerts/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown id: got %d, want 404", rr.Code)
	}
}

func TestActiveCount(t *testing.T) {
	f := newFixture(t)
	f.raise(t, types.AlertFire, "cam-1", types.SeverityCritical)
	f.raise(t, types.AlertSmoke, "cam-1", types.SeverityHigh)

	var resp api.CountResponse
	decode(t, do(t, f.h, http.MethodGet, "/api/v1/alerts/count", ""), &resp)
	if resp.Active != 2 {
		t.Errorf("active: got %d, want 2", resp.Active)
	}
	decode(t, do(t, f.h, http.MethodGet, "/api/v1/alerts/count?severity=critical", ""), &resp)
	if resp.Active != 1 {
		t.Errorf("active critical: got %d, want 1", resp.Active)
	}
	if rr := do(t, f.h, http.MethodGet, "/api/v1/alerts/count?severity=bad", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad severity: got %d, want 400", rr.Code)
	}
}

// --- transitions ------------------------------------------------------------

func TestAcknowledgeThenDismiss(t *testing.T) {
	f := newFixture(t)
	a := f.raise(t, types.AlertFire, "cam-1", types.SeverityCritical)

	rr := do(t, f.h, http.MethodPost, "/api/v1/alerts/"+a.ID+"/acknowledge", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("acknowledge: got %d, want 200 (%s)", rr.Code, rr.Body.String())
	}
	var got types.Alert
	decode(t, rr, &got)
	if got.State != types.StateAcknowledged {
		t.Errorf("state: got %q, want acknowledged", got.State)
	}

	if rr := do(t, f.h, http.MethodPost, "/api/v1/alerts/"+a.ID+"/acknowledge", ""); rr.Code != http.StatusConflict {
		t.Errorf("second acknowledge: got %d, want 409", rr.Code)
	}

	if rr := do(t, f.h, http.MethodPost, "/api/v1/alerts/"+a.ID+"/dismiss", ""); rr.Code != http.StatusOK {
		t.Errorf("dismiss: got %d, want 200", rr.Code)
	}
}

func TestDismissedIsTerminal(t *testing.T) {
	f := newFixture(t)
	a := f.raise(t, types.AlertFire, "cam-1", types.SeverityCritical)
	if rr := do(t, f.h, http.MethodPost, "/api/v1/alerts/"+a.ID+"/dismiss", ""); rr.Code != http.StatusOK {
		t.Fatalf("dismiss: got %d, want 200", rr.Code)
	}

	for _, action := range []string{"acknowledge", "dismiss"} {
		if rr := do(t, f.h, http.MethodPost, "/api/v1/alerts/"+a.ID+"/"+action, ""); rr.Code != http.StatusConflict {
			t.Errorf("%s after dismiss: got %d, want 409", action, rr.Code)
		}
	}
}

func TestTransition_NotFoundAndMethod(t *testing.T) {
	f := newFixture(t)
	if rr := do(t, f.h, http.MethodPost, "/api/v1/alerts/missing/acknowledge", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing: got %d, want 404", rr.Code)
	}
	if rr := do(t, f.h, http.MethodGet, "/api/v1/alerts/missing/dismiss", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET dismiss: got %d, want 405", rr.Code)
	}
	if rr := do(t, f.h, http.MethodPost, "/api/v1/alerts/x/resolve", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown action: got %d, want 404", rr.Code)
	}
}

// --- /api/v1/telemetry ------------------------------------------------------

func TestTelemetry_SingleEvent(t *testing.T) {
	f := newFixture(t)
	body := `{"kind":"scalar-reading","source_id":"st-1","metric":"temperature","value":96,"observed_at":"2026-07-01T14:00:00Z"}`

	rr := do(t, f.h, http.MethodPost, "/api/v1/telemetry", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202 (%s)", rr.Code, rr.Body.String())
	}
	if len(f.sink.events) != 1 {
		t.Fatalf("submitted: got %d, want 1", len(f.sink.events))
	}
	ev := f.sink.events[0]
	if ev.Metric != types.MetricTemperature || *ev.Value != 96 {
		t.Errorf("event: got %+v", ev)
	}
	if !ev.ObservedAt.Equal(time.Date(2026, 7, 1, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("observed_at: got %v", ev.ObservedAt)
	}
}

func TestTelemetry_Batch(t *testing.T) {
	f := newFixture(t)
	body := `{"events":[
		{"kind":"classifier-prediction","source_id":"cam-1","label":"Fire","confidence":80,"observed_at":"2026-07-01T14:00:00Z"},
		{"kind":"classifier-prediction","label":"Fire","confidence":80,"observed_at":"2026-07-01T14:00:00Z"}
	]}`

	rr := do(t, f.h, http.MethodPost, "/api/v1/telemetry", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", rr.Code)
	}
	var resp map[string]interface{}
	decode(t, rr, &resp)
	if resp["accepted"].(float64) != 1 || resp["rejected"].(float64) != 1 {
		t.Errorf("counts: got %v", resp)
	}
}

func TestTelemetry_Rejected(t *testing.T) {
	f := newFixture(t)
	if rr := do(t, f.h, http.MethodPost, "/api/v1/telemetry", `{"source_id":"x"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid envelope: got %d, want 400", rr.Code)
	}
	if rr := do(t, f.h, http.MethodPost, "/api/v1/telemetry", `not json`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad json: got %d, want 400", rr.Code)
	}
	if rr := do(t, f.h, http.MethodGet, "/api/v1/telemetry", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: got %d, want 405", rr.Code)
	}
}

func TestContentTypeJSON(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"/api/v1/health", "/api/v1/alerts", "/api/v1/alerts/count"} {
		rr := do(t, f.h, http.MethodGet, p, "")
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s Content-Type: got %q", p, ct)
		}
	}
}

// --- /api/v1/notify ---------------------------------------------------------

func TestNotifyStatus(t *testing.T) {
	f := newFixture(t)
	rr := do(t, f.h, http.MethodGet, "/api/v1/notify/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var got []notify.Status
	decode(t, rr, &got)
	if len(got) != 2 {
		t.Fatalf("channels: got %d, want 2", len(got))
	}
	if got[0].Channel != "email" || got[0].Enabled {
		t.Errorf("email: got %+v, want disabled", got[0])
	}
	if got[1].Channel != "sms" || !got[1].Enabled || got[1].AlertCount != 3 {
		t.Errorf("sms: got %+v", got[1])
	}
}

func TestNotifyTest_SendsToOverride(t *testing.T) {
	f := newFixture(t)
	rr := do(t, f.h, http.MethodPost, "/api/v1/notify/sms/test", `{"to":"+15550199"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rr.Code, rr.Body.String())
	}
	var res api.TestResponse
	decode(t, rr, &res)
	if !res.Success || res.Channel != "sms" {
		t.Errorf("response: got %+v", res)
	}

	rr = do(t, f.h, http.MethodPost, "/api/v1/notify/sms/test", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("empty body: got %d, want 200", rr.Code)
	}
	if want := []string{"+15550199", ""}; len(f.sms.tests) != 2 || f.sms.tests[0] != want[0] || f.sms.tests[1] != want[1] {
		t.Errorf("test recipients: got %q, want %q", f.sms.tests, want)
	}
}

func TestNotifyTest_Errors(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodPost, "/api/v1/notify/email/test", http.StatusServiceUnavailable},
		{http.MethodPost, "/api/v1/notify/pager/test", http.StatusNotFound},
		{http.MethodGet, "/api/v1/notify/sms/test", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/notify/sms", http.StatusNotFound},
	}
	for _, tc := range cases {
		if rr := do(t, f.h, tc.method, tc.path, ""); rr.Code != tc.want {
			t.Errorf("%s %s: got %d, want %d", tc.method, tc.path, rr.Code, tc.want)
		}
	}

	f.sms.err = errors.New("twilio: 401 authenticate")
	if rr := do(t, f.h, http.MethodPost, "/api/v1/notify/sms/test", ""); rr.Code != http.StatusBadGateway {
		t.Errorf("failed send: got %d, want 502", rr.Code)
	}
}
