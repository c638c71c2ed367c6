// Package debounce implements sustained-detection debouncing: a verdict only
// counts as real once the same level has been observed RequiredCount times in
// a row on one stream, with no gap longer than MaxGap between observations.
package debounce

import (
	"time"

	"github.com/firewatch/firewatch/pkg/types"
)

// Rule is the debounce requirement for one event kind and level.
type Rule struct {
	RequiredCount int
	// MaxGap must be positive; a matching observation arriving later than
	// LastObservedAt+MaxGap starts a new window.
	MaxGap time.Duration
	// MaxLateness is how far behind LastObservedAt an observation may be and
	// still count. Anything older is treated as clock skew.
	MaxLateness time.Duration
}

// Reason explains what Observe did to the stream's window.
type Reason string

const (
	ReasonStarted   Reason = "started"
	ReasonLevel     Reason = "level-change"
	ReasonExpired   Reason = "expired"
	ReasonSkew      Reason = "skew"
	ReasonContinued Reason = "continued"
	ReasonLate      Reason = "late"
	// ReasonDuplicate marks an observation whose timestamp was already
	// counted in the current window. It leaves the window untouched.
	ReasonDuplicate Reason = "duplicate"
)

// Window is the state kept for one stream and its current level.
type Window struct {
	Level          types.RiskLevel
	Count          int
	Required       int
	LastObservedAt time.Time
	Deadline       time.Time

	// counted holds the timestamps counted so far that are still within
	// MaxLateness of LastObservedAt. A re-delivered frame matches one of them.
	counted map[int64]struct{}
}

func (w *Window) count(at time.Time, lateness time.Duration) {
	w.Count++
	w.counted[at.UnixNano()] = struct{}{}
	horizon := w.LastObservedAt.Add(-lateness).UnixNano()
	for ts := range w.counted {
		if ts < horizon {
			delete(w.counted, ts)
		}
	}
}

// Result is returned by Observe.
type Result struct {
	Confirmed bool
	Count     int
	Reason    Reason
}

// Debouncer tracks one window per (source, channel) stream. It is not safe
// for concurrent use; each pipeline worker owns its own Debouncer.
type Debouncer struct {
	streams map[string]*Window
}

// New creates an empty Debouncer.
func New() *Debouncer {
	return &Debouncer{streams: make(map[string]*Window)}
}

// Observe folds v into its stream's window and reports whether the level has
// now been sustained long enough. Normal verdicts are tracked, so they break
// runs of other levels, but never confirm. Each timestamp counts at most once
// per window, so re-delivered frames cannot complete a window.
func (d *Debouncer) Observe(v types.Verdict, r Rule) Result {
	key := streamKey(v.SourceID, v.Channel)
	w, ok := d.streams[key]

	var reason Reason
	switch {
	case !ok:
		reason = ReasonStarted
	case w.Level != v.Level:
		reason = ReasonLevel
	case v.ObservedAt.After(w.Deadline):
		reason = ReasonExpired
	case w.seen(v.ObservedAt):
		reason = ReasonDuplicate
	case v.ObservedAt.Before(w.LastObservedAt):
		if w.LastObservedAt.Sub(v.ObservedAt) > r.MaxLateness {
			reason = ReasonSkew
		} else {
			reason = ReasonLate
		}
	default:
		reason = ReasonContinued
	}

	switch reason {
	case ReasonDuplicate:
	case ReasonContinued:
		w.LastObservedAt = v.ObservedAt
		w.Deadline = v.ObservedAt.Add(r.MaxGap)
		w.count(v.ObservedAt, r.MaxLateness)
	case ReasonLate:
		w.count(v.ObservedAt, r.MaxLateness)
	default:
		w = &Window{
			Level:          v.Level,
			Count:          1,
			LastObservedAt: v.ObservedAt,
			Deadline:       v.ObservedAt.Add(r.MaxGap),
			counted:        map[int64]struct{}{v.ObservedAt.UnixNano(): {}},
		}
		d.streams[key] = w
	}

	required := r.RequiredCount
	if required < 1 {
		required = 1
	}
	w.Required = required

	return Result{
		Confirmed: reason != ReasonDuplicate && v.Level != types.LevelNormal && w.Count >= required,
		Count:     w.Count,
		Reason:    reason,
	}
}

func (w *Window) seen(at time.Time) bool {
	_, ok := w.counted[at.UnixNano()]
	return ok
}

// Window returns a copy of the current window for a stream.
func (d *Debouncer) Window(sourceID, channel string) (Window, bool) {
	w, ok := d.streams[streamKey(sourceID, channel)]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Reset forgets a stream's window.
func (d *Debouncer) Reset(sourceID, channel string) {
	delete(d.streams, streamKey(sourceID, channel))
}

// Len returns the number of tracked streams.
func (d *Debouncer) Len() int { return len(d.streams) }

func streamKey(sourceID, channel string) string {
	return sourceID + "/" + channel
}
