package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/config"
	"github.com/firewatch/firewatch/server/internal/cooldown"
	"github.com/firewatch/firewatch/server/internal/metrics"
	"github.com/firewatch/firewatch/server/internal/store"
)

// Lifecycle errors. Callers test them with errors.Is.
var (
	ErrNotFound            = errors.New("alert not found")
	ErrInvalidTransition   = errors.New("invalid alert transition")
	ErrInvalidConfirmation = errors.New("invalid confirmation")
	ErrStopped             = errors.New("alert manager stopped")
)

// ReasonExpired is the dismiss reason used by stale-alert expiry.
const ReasonExpired = "expired"

const notifyBufSize = 1024

// Outcome is what OnConfirmed did with a confirmation.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeReaffirmed Outcome = "reaffirmed"
	OutcomeSuppressed Outcome = "suppressed"
)

// Confirmation is a sustained verdict handed over by a pipeline worker.
type Confirmation struct {
	Kind        types.AlertKind
	SourceID    string
	Severity    types.Severity
	Confidence  float64
	Description string
	ObservedAt  time.Time
}

// Subscriber is called once per lifecycle transition, in commit order.
type Subscriber func(types.Transition)

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the UUID generator used for new alert ids.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// Manager owns alert identity, state transitions and the cooldown table.
// Every mutation runs on the single goroutine started by Run, so
// reaffirm-versus-create and admit-versus-start can never interleave.
// Readers use the Store directly.
type Manager struct {
	store      *store.Store
	gate       *cooldown.Gate
	locations  map[string]string
	staleAfter time.Duration
	now        func() time.Time
	newID      func() string

	reqs       chan request
	notify     chan types.Transition
	stopped    chan struct{}
	dispatched chan struct{}

	subMu sync.RWMutex
	subs  []Subscriber
}

type request struct {
	fn   func()
	done chan struct{}
}

// New creates a Manager writing to st. Run must be started before any
// mutating call.
func New(st *store.Store, cfg config.ServerConfig, opts ...Option) *Manager {
	queue := cfg.Alerts.QueueSize
	if queue <= 0 {
		queue = config.DefaultQueueSize
	}
	m := &Manager{
		store:      st,
		gate:       cooldown.New(cfg.Cooldown),
		locations:  cfg.Locations(),
		staleAfter: cfg.Alerts.StaleAfter,
		now:        time.Now,
		newID:      uuid.NewString,
		reqs:       make(chan request, queue),
		notify:     make(chan types.Transition, notifyBufSize),
		stopped:    make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Store returns the read-only view consumers should query.
func (m *Manager) Store() *store.Store { return m.store }

// Subscribe registers fn for every subsequent transition.
func (m *Manager) Subscribe(fn Subscriber) {
	m.subMu.Lock()
	m.subs = append(m.subs, fn)
	m.subMu.Unlock()
}

// Run processes requests until ctx is cancelled. On cancellation it drains
// the queued requests, waits for subscribers to see every transition, and
// returns. Run must be called exactly once.
func (m *Manager) Run(ctx context.Context) {
	go m.dispatch()

	var sweep <-chan time.Time
	if m.staleAfter > 0 {
		t := time.NewTicker(sweepInterval(m.staleAfter))
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-ctx.Done():
			m.drain()
			close(m.stopped)
			close(m.notify)
			<-m.dispatched
			slog.Info("alerts: manager stopped")
			return
		case r := <-m.reqs:
			m.exec(r)
		case <-sweep:
			m.exec(request{fn: func() { m.expireStale() }, done: make(chan struct{})})
		}
	}
}

func (m *Manager) drain() {
	for {
		select {
		case r := <-m.reqs:
			m.exec(r)
		default:
			return
		}
	}
}

func (m *Manager) exec(r request) {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("alerts: panic recovered in manager",
				"panic", rec, "stack", string(debug.Stack()))
			metrics.PanicsRecovered.WithLabelValues("alerts").Inc()
		}
	}()
	r.fn()
}

// do runs fn on the manager goroutine and waits for it to finish. Once a
// request is queued it is always waited for, so fn never runs concurrently
// with the caller reading its results.
func (m *Manager) do(ctx context.Context, fn func()) error {
	r := request{fn: fn, done: make(chan struct{})}
	select {
	case m.reqs <- r:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.done:
		return nil
	case <-m.stopped:
		select {
		case <-r.done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// OnConfirmed handles one sustained verdict. An open alert for the same kind
// and source is reaffirmed without consulting the cooldown. Otherwise the
// cooldown gate decides between creating a new alert and suppressing it.
func (m *Manager) OnConfirmed(ctx context.Context, c Confirmation) (Outcome, types.Alert, error) {
	if c.Kind == "" || c.SourceID == "" || !c.Severity.Valid() {
		return "", types.Alert{}, fmt.Errorf("%w: kind=%q source=%q severity=%q",
			ErrInvalidConfirmation, c.Kind, c.SourceID, c.Severity)
	}

	var (
		outcome Outcome
		alert   types.Alert
	)
	err := m.do(ctx, func() {
		outcome, alert = m.onConfirmed(c)
	})
	if err != nil {
		metrics.ConfirmationsTotal.WithLabelValues(string(c.Kind), "error").Inc()
		return "", types.Alert{}, err
	}
	metrics.ConfirmationsTotal.WithLabelValues(string(c.Kind), string(outcome)).Inc()
	return outcome, alert, nil
}

func (m *Manager) onConfirmed(c Confirmation) (Outcome, types.Alert) {
	now := m.now()

	if open, ok := m.store.FindOpen(c.Kind, c.SourceID); ok {
		updated, err := m.store.Update(open.ID, func(a *types.Alert) {
			a.LastReaffirmedAt = now
			a.ReaffirmCount++
			if c.Severity.Rank() > a.Severity.Rank() {
				a.Severity = c.Severity
				if c.Description != "" {
					a.Description = c.Description
				}
			}
			if c.Confidence > a.Confidence {
				a.Confidence = c.Confidence
			}
		})
		if err == nil {
			m.refreshGauge()
			return OutcomeReaffirmed, updated
		}
	}

	if !m.gate.Admit(c.Kind, now) {
		slog.Debug("alerts: suppressed by cooldown",
			"kind", c.Kind,
			"source", c.SourceID,
			"remaining", m.gate.Remaining(c.Kind, now),
		)
		return OutcomeSuppressed, types.Alert{}
	}

	a := types.Alert{
		ID:               m.newID(),
		Kind:             c.Kind,
		Severity:         c.Severity,
		SourceID:         c.SourceID,
		Location:         m.location(c.SourceID),
		Description:      c.Description,
		Confidence:       c.Confidence,
		CreatedAt:        now,
		State:            types.StateActive,
		LastReaffirmedAt: now,
	}
	if a.Description == "" {
		a.Description = fmt.Sprintf("%s detected at %s", c.Kind, a.Location)
	}
	m.store.Insert(a)
	m.gate.Start(c.Kind, now)

	slog.Warn("alert created",
		"id", a.ID,
		"kind", a.Kind,
		"source", a.SourceID,
		"severity", a.Severity,
	)
	m.emit(types.Transition{AlertID: a.ID, From: types.StateNone, To: types.StateActive, At: now, Alert: a})
	return OutcomeCreated, a
}

// Acknowledge moves an active alert to acknowledged.
func (m *Manager) Acknowledge(ctx context.Context, id string) (types.Alert, error) {
	var (
		out   types.Alert
		opErr error
	)
	if err := m.do(ctx, func() { out, opErr = m.acknowledge(id) }); err != nil {
		return types.Alert{}, err
	}
	return out, opErr
}

func (m *Manager) acknowledge(id string) (types.Alert, error) {
	cur, ok := m.store.Get(id)
	if !ok {
		return types.Alert{}, fmt.Errorf("acknowledge %s: %w", id, ErrNotFound)
	}
	if cur.State != types.StateActive {
		return cur, fmt.Errorf("acknowledge %s from %s: %w", id, cur.State, ErrInvalidTransition)
	}

	now := m.now()
	updated, err := m.store.Update(id, func(a *types.Alert) {
		a.State = types.StateAcknowledged
		a.AcknowledgedAt = &now
	})
	if err != nil {
		return types.Alert{}, fmt.Errorf("acknowledge %s: %w", id, ErrNotFound)
	}

	slog.Info("alert acknowledged", "id", id, "kind", updated.Kind, "source", updated.SourceID)
	m.emit(types.Transition{AlertID: id, From: types.StateActive, To: types.StateAcknowledged, At: now, Alert: updated})
	return updated, nil
}

// Dismiss moves an active or acknowledged alert to dismissed. Dismissed is
// terminal.
func (m *Manager) Dismiss(ctx context.Context, id string) (types.Alert, error) {
	var (
		out   types.Alert
		opErr error
	)
	if err := m.do(ctx, func() { out, opErr = m.dismiss(id, "") }); err != nil {
		return types.Alert{}, err
	}
	return out, opErr
}

func (m *Manager) dismiss(id, reason string) (types.Alert, error) {
	cur, ok := m.store.Get(id)
	if !ok {
		return types.Alert{}, fmt.Errorf("dismiss %s: %w", id, ErrNotFound)
	}
	if !cur.State.Open() {
		return cur, fmt.Errorf("dismiss %s from %s: %w", id, cur.State, ErrInvalidTransition)
	}

	now := m.now()
	updated, err := m.store.Update(id, func(a *types.Alert) {
		a.State = types.StateDismissed
		a.DismissedAt = &now
		a.DismissReason = reason
	})
	if err != nil {
		return types.Alert{}, fmt.Errorf("dismiss %s: %w", id, ErrNotFound)
	}

	slog.Info("alert dismissed", "id", id, "kind", updated.Kind, "source", updated.SourceID, "reason", reason)
	m.emit(types.Transition{AlertID: id, From: cur.State, To: types.StateDismissed, At: now, Reason: reason, Alert: updated})
	return updated, nil
}

// Sweep dismisses open alerts not reaffirmed within the stale_after window
// and returns how many it dismissed. It is a no-op when expiry is disabled.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	var n int
	err := m.do(ctx, func() { n = m.expireStale() })
	return n, err
}

func (m *Manager) expireStale() int {
	if m.staleAfter <= 0 {
		return 0
	}
	now := m.now()
	n := 0
	for _, a := range m.store.Open() {
		if now.Sub(a.LastReaffirmedAt) < m.staleAfter {
			continue
		}
		if _, err := m.dismiss(a.ID, ReasonExpired); err == nil {
			n++
		}
	}
	if n > 0 {
		slog.Info("alerts: expired stale alerts", "count", n)
	}
	return n
}

// SetCooldowns applies hot-reloaded cooldown durations.
func (m *Manager) SetCooldowns(ctx context.Context, cfg config.CooldownConfig) error {
	return m.do(ctx, func() { m.gate.SetDurations(cfg) })
}

// SetLocations applies hot-reloaded source locations to alerts created later.
func (m *Manager) SetLocations(ctx context.Context, sources []config.SourceConfig) error {
	locs := make(map[string]string, len(sources))
	for _, s := range sources {
		locs[s.ID] = s.Location
	}
	return m.do(ctx, func() { m.locations = locs })
}

func (m *Manager) location(sourceID string) string {
	if loc := m.locations[sourceID]; loc != "" {
		return loc
	}
	return sourceID
}

func (m *Manager) emit(tr types.Transition) {
	metrics.TransitionsTotal.WithLabelValues(string(tr.To)).Inc()
	m.refreshGauge()
	m.notify <- tr
}

func (m *Manager) refreshGauge() {
	counts := m.store.OpenCountBySeverity()
	for _, s := range []types.Severity{types.SeverityCritical, types.SeverityHigh, types.SeverityMedium, types.SeverityLow} {
		metrics.OpenAlerts.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Manager) dispatch() {
	defer close(m.dispatched)
	for tr := range m.notify {
		m.subMu.RLock()
		subs := m.subs
		m.subMu.RUnlock()
		for _, fn := range subs {
			callSubscriber(fn, tr)
		}
	}
}

func callSubscriber(fn Subscriber, tr types.Transition) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("alerts: subscriber panicked",
				"alert", tr.AlertID, "to", tr.To, "panic", rec)
			metrics.PanicsRecovered.WithLabelValues("subscriber").Inc()
		}
	}()
	fn(tr)
}

// sweepInterval ticks a few times per stale window, between 1s and 1m.
func sweepInterval(staleAfter time.Duration) time.Duration {
	d := staleAfter / 4
	if d < time.Second {
		d = time.Second
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
