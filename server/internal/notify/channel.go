package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/firewatch/firewatch/pkg/types"
)

// ErrDisabled is returned by Test on a channel that is not configured.
var ErrDisabled = errors.New("notification channel not configured")

// Channel is a direct-to-person notifier that can report its state and send
// a test message.
type Channel interface {
	Name() string
	Status() Status
	// Test sends a test message to "to", or to every configured recipient
	// when "to" is empty.
	Test(to string) error
}

// Status is the reported state of one channel.
type Status struct {
	Channel     string         `json:"channel"`
	Enabled     bool           `json:"enabled"`
	Configured  bool           `json:"configured"`
	Recipients  int            `json:"recipients"`
	MinSeverity types.Severity `json:"min_severity,omitempty"`
	Cooldown    string         `json:"cooldown"`
	LastAlertAt *time.Time     `json:"last_alert_at"`
	AlertCount  int            `json:"alert_count"`
}

// Off returns a Channel for a notifier that is not configured. configured
// says whether its credentials resolved even though it is disabled.
func Off(name string, configured bool) Channel {
	return off{name: name, configured: configured}
}

type off struct {
	name       string
	configured bool
}

func (o off) Name() string { return o.name }

func (o off) Status() Status {
	return Status{Channel: o.name, Configured: o.configured, Cooldown: "0s"}
}

func (o off) Test(string) error { return ErrDisabled }

// throttle spaces out messages on one channel and numbers the ones it lets
// through.
type throttle struct {
	cooldown time.Duration

	mu    sync.Mutex
	last  time.Time
	count int
}

// admit reports whether a message may go out at now and, if so, its number.
func (t *throttle) admit(now time.Time) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.last.IsZero() && now.Sub(t.last) < t.cooldown {
		return 0, false
	}
	t.last = now
	t.count++
	return t.count, true
}

func (t *throttle) fill(s *Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.Cooldown = t.cooldown.String()
	s.AlertCount = t.count
	if !t.last.IsZero() {
		last := t.last.UTC()
		s.LastAlertAt = &last
	}
}

// recipients returns to alone when set, otherwise the configured list with
// blanks removed.
func recipients(to string, configured []string) []string {
	if to != "" {
		return []string{to}
	}
	out := make([]string, 0, len(configured))
	for _, r := range configured {
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

// qualifies reports whether tr is a newly raised alert at or above min.
func qualifies(tr types.Transition, min types.Severity) bool {
	if tr.From != types.StateNone || tr.To != types.StateActive {
		return false
	}
	return min == "" || tr.Alert.Severity.Rank() >= min.Rank()
}
