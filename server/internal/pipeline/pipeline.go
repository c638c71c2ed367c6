package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/alerts"
	"github.com/firewatch/firewatch/server/internal/classifier"
	"github.com/firewatch/firewatch/server/internal/config"
	"github.com/firewatch/firewatch/server/internal/debounce"
	"github.com/firewatch/firewatch/server/internal/metrics"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pipeline closed")

// Sink receives sustained verdicts. *alerts.Manager implements it.
type Sink interface {
	OnConfirmed(ctx context.Context, c alerts.Confirmation) (alerts.Outcome, types.Alert, error)
}

// Pipeline fans telemetry out to one worker per source.
type Pipeline struct {
	cls       *classifier.Classifier
	sink      Sink
	queueSize int
	rules     atomic.Pointer[config.DebounceConfig]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Pipeline. Workers are started lazily on the first event from
// each source.
func New(cls *classifier.Classifier, sink Sink, cfg config.ServerConfig) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	size := cfg.Pipeline.QueueSize
	if size <= 0 {
		size = config.DefaultQueueSize
	}
	p := &Pipeline{
		cls:       cls,
		sink:      sink,
		queueSize: size,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*worker),
	}
	p.SetDebounce(cfg.Debounce)
	return p
}

// SetDebounce replaces the debounce rules. Workers pick them up on their next
// event; windows already open keep their counts.
func (p *Pipeline) SetDebounce(cfg config.DebounceConfig) {
	c := cfg
	p.rules.Store(&c)
}

// Submit validates ev and queues it on its source's mailbox. It never blocks:
// when the mailbox is full the oldest queued event is dropped.
func (p *Pipeline) Submit(ev types.TelemetryEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry event: %w", err)
	}

	w, err := p.worker(ev.SourceID)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	for {
		select {
		case w.mailbox <- ev:
			return nil
		default:
		}
		select {
		case old := <-w.mailbox:
			metrics.PipelineDroppedTotal.WithLabelValues(ev.SourceID).Inc()
			slog.Debug("pipeline: mailbox full, dropped oldest event",
				"source", ev.SourceID,
				"observed_at", old.ObservedAt,
			)
		default:
		}
	}
}

// worker returns the worker for sourceID, starting it if needed.
func (p *Pipeline) worker(sourceID string) (*worker, error) {
	p.mu.RLock()
	w, ok := p.workers[sourceID]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return w, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if w, ok := p.workers[sourceID]; ok {
		return w, nil
	}
	w = &worker{
		source:  sourceID,
		mailbox: make(chan types.TelemetryEvent, p.queueSize),
		deb:     debounce.New(),
	}
	p.workers[sourceID] = w
	metrics.PipelineSources.Set(float64(len(p.workers)))
	slog.Info("pipeline: worker started", "source", sourceID)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(w)
	}()
	return w, nil
}

// Sources returns the ids of sources with a running worker, sorted.
func (p *Pipeline) Sources() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.workers))
	for id := range p.workers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close stops accepting events and waits for every mailbox to drain. If ctx
// ends first, in-flight hand-offs are cancelled and ctx.Err is returned.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.mailbox)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		slog.Info("pipeline: drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

type worker struct {
	source   string
	mailbox  chan types.TelemetryEvent
	deb      *debounce.Debouncer
	humidity *classifier.HumidityReading
}

func (p *Pipeline) run(w *worker) {
	for ev := range w.mailbox {
		p.process(w, ev)
	}
}

// process handles one event to completion. A panic is recovered and only
// loses that event.
func (p *Pipeline) process(w *worker, ev types.TelemetryEvent) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("pipeline: panic recovered",
				"source", w.source,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			metrics.PanicsRecovered.WithLabelValues("pipeline").Inc()
		}
		metrics.PipelineProcessDuration.Observe(time.Since(start).Seconds())
	}()

	v, ok := p.cls.Classify(ev, classifier.Environment{Humidity: w.humidity})
	if !ok {
		metrics.TelemetryEventsTotal.WithLabelValues("pipeline", "unclassifiable").Inc()
		slog.Warn("pipeline: unclassifiable event dropped",
			"source", ev.SourceID,
			"kind", ev.Kind,
			"metric", ev.Metric,
			"label", ev.Label,
		)
		return
	}
	metrics.VerdictsTotal.WithLabelValues(string(v.Level)).Inc()

	if ev.Kind == types.KindScalar && ev.Metric == types.MetricHumidity {
		if w.humidity == nil || !ev.ObservedAt.Before(w.humidity.ObservedAt) {
			w.humidity = &classifier.HumidityReading{Value: *ev.Value, ObservedAt: ev.ObservedAt}
		}
	}

	rules := p.rules.Load()
	r := rules.Rule(ev.Kind, v.Level)
	res := w.deb.Observe(v, debounce.Rule{
		RequiredCount: r.RequiredCount,
		MaxGap:        r.MaxGap,
		MaxLateness:   rules.MaxLateness,
	})
	switch res.Reason {
	case debounce.ReasonExpired, debounce.ReasonSkew, debounce.ReasonLevel:
		metrics.DebounceResetsTotal.WithLabelValues(string(res.Reason)).Inc()
	case debounce.ReasonDuplicate:
		metrics.TelemetryEventsTotal.WithLabelValues("pipeline", "duplicate").Inc()
	}
	if !res.Confirmed {
		return
	}

	outcome, a, err := p.sink.OnConfirmed(p.ctx, alerts.Confirmation{
		Kind:        v.Kind,
		SourceID:    v.SourceID,
		Severity:    v.Level.Severity(),
		Confidence:  v.Confidence,
		Description: v.Detail,
		ObservedAt:  v.ObservedAt,
	})
	if err != nil {
		slog.Error("pipeline: confirmation not delivered",
			"source", v.SourceID,
			"kind", v.Kind,
			"err", err,
		)
		return
	}
	if outcome == alerts.OutcomeCreated {
		slog.Debug("pipeline: sustained verdict raised alert",
			"source", v.SourceID,
			"alert", a.ID,
			"count", res.Count,
			"basis", v.Basis,
		)
	}
}
