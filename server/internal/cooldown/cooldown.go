// Package cooldown implements the per-alert-kind cooldown gate. Admit only
// reads; the caller starts the timer with Start once it actually creates an
// alert, so repeated checks never extend a cooldown.
package cooldown

import (
	"time"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/config"
)

// Gate holds cooldownUntil per alert kind. It is not safe for concurrent use;
// the lifecycle manager is its only owner.
type Gate struct {
	cfg   config.CooldownConfig
	until map[types.AlertKind]time.Time
}

// New creates a Gate using the durations in cfg.
func New(cfg config.CooldownConfig) *Gate {
	return &Gate{cfg: cfg, until: make(map[types.AlertKind]time.Time)}
}

// Admit reports whether a new alert of kind may be created at now.
func (g *Gate) Admit(kind types.AlertKind, now time.Time) bool {
	until, ok := g.until[kind]
	return !ok || !now.Before(until)
}

// Start begins the cooldown for kind at now.
func (g *Gate) Start(kind types.AlertKind, now time.Time) {
	d := g.cfg.For(kind)
	if d <= 0 {
		delete(g.until, kind)
		return
	}
	g.until[kind] = now.Add(d)
}

// Remaining returns how long kind stays in cooldown after now.
func (g *Gate) Remaining(kind types.AlertKind, now time.Time) time.Duration {
	until, ok := g.until[kind]
	if !ok || !now.Before(until) {
		return 0
	}
	return until.Sub(now)
}

// SetDurations replaces the configured durations. Running cooldowns keep
// their current deadline; the new durations apply from the next Start.
func (g *Gate) SetDurations(cfg config.CooldownConfig) {
	g.cfg = cfg
}
