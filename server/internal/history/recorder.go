package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/metrics"
)

const (
	recorderBufSize = 1024
	writeTimeout    = 5 * time.Second
)

// writer is the subset of *Repository the Recorder uses.
type writer interface {
	Record(ctx context.Context, tr types.Transition) error
}

// Recorder queues transitions and writes them to the audit log in order.
type Recorder struct {
	w     writer
	queue chan types.Transition

	once sync.Once
	done chan struct{}
}

// NewRecorder creates a Recorder writing to w.
func NewRecorder(w writer) *Recorder {
	return &Recorder{
		w:     w,
		queue: make(chan types.Transition, recorderBufSize),
		done:  make(chan struct{}),
	}
}

// Notify queues tr. A full queue drops the transition and counts it.
func (r *Recorder) Notify(tr types.Transition) {
	select {
	case <-r.done:
		metrics.NotificationsTotal.WithLabelValues("history", "skipped").Inc()
		return
	default:
	}
	select {
	case r.queue <- tr:
	default:
		metrics.NotificationsTotal.WithLabelValues("history", "failed").Inc()
		slog.Warn("history: queue full, transition dropped", "alert", tr.AlertID, "to", tr.To)
	}
}

// Run writes queued transitions until Close is called and the queue is empty.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case tr := <-r.queue:
			r.write(ctx, tr)
		case <-r.done:
			for {
				select {
				case tr := <-r.queue:
					r.write(ctx, tr)
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting transitions. Run returns after flushing.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *Recorder) write(ctx context.Context, tr types.Transition) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.w.Record(ctx, tr); err != nil {
		metrics.NotificationsTotal.WithLabelValues("history", "failed").Inc()
		slog.Error("history: record failed", "alert", tr.AlertID, "to", tr.To, "err", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("history", "sent").Inc()
}
