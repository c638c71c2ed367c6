package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/firewatch/firewatch/pkg/types"
)

// ErrNotFound is returned by Update when no alert has the given id.
var ErrNotFound = errors.New("alert not found")

// Filter narrows Query results. Zero-valued fields match everything.
type Filter struct {
	Severity types.Severity
	State    types.AlertState
	Kind     types.AlertKind
	SourceID string
	// Limit caps the number of results; 0 means no limit.
	Limit int
}

func (f Filter) match(a *types.Alert) bool {
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.State != "" && a.State != f.State {
		return false
	}
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	if f.SourceID != "" && a.SourceID != f.SourceID {
		return false
	}
	return true
}

// Store is a thread-safe alert collection keyed by alert id, with an index of
// open (active or acknowledged) alerts keyed by kind and source.
type Store struct {
	mu    sync.RWMutex
	data  map[string]*types.Alert
	order []string          // ids in insertion order
	open  map[string]string // "kind:source" -> id
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		data: make(map[string]*types.Alert),
		open: make(map[string]string),
	}
}

// Insert adds a new alert. The caller owns a's id uniqueness.
func (s *Store) Insert(a types.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	if _, exists := s.data[a.ID]; !exists {
		s.order = append(s.order, a.ID)
	}
	s.data[a.ID] = &cp
	s.reindex(&cp)
}

// Update applies fn to the stored alert with the given id under the write lock
// and returns the updated copy.
func (s *Store) Update(id string, fn func(*types.Alert)) (types.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.data[id]
	if !ok {
		return types.Alert{}, ErrNotFound
	}
	fn(a)
	s.reindex(a)
	return *a, nil
}

func (s *Store) reindex(a *types.Alert) {
	key := openKey(a.Kind, a.SourceID)
	if a.State.Open() {
		s.open[key] = a.ID
		return
	}
	if s.open[key] == a.ID {
		delete(s.open, key)
	}
}

// Get returns a copy of the alert with the given id.
func (s *Store) Get(id string) (types.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.data[id]
	if !ok {
		return types.Alert{}, false
	}
	return *a, true
}

// FindOpen returns the open alert for kind and source, if any.
func (s *Store) FindOpen(kind types.AlertKind, sourceID string) (types.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[openKey(kind, sourceID)]
	if !ok {
		return types.Alert{}, false
	}
	return *s.data[id], true
}

// Query returns copies of the alerts matching f, newest CreatedAt first.
// Alerts created at the same instant keep reverse insertion order.
func (s *Store) Query(f Filter) []types.Alert {
	s.mu.RLock()
	out := make([]types.Alert, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		a := s.data[s.order[i]]
		if f.match(a) {
			out = append(out, *a)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Open returns the active view: alerts that are active or acknowledged,
// newest first.
func (s *Store) Open() []types.Alert {
	s.mu.RLock()
	out := make([]types.Alert, 0, len(s.open))
	for _, id := range s.open {
		out = append(out, *s.data[id])
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of alerts in state active, restricted to
// severity when it is non-empty.
func (s *Store) ActiveCount(severity types.Severity) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.open {
		a := s.data[id]
		if a.State != types.StateActive {
			continue
		}
		if severity == "" || a.Severity == severity {
			n++
		}
	}
	return n
}

// OpenCountBySeverity returns the number of open alerts per severity.
func (s *Store) OpenCountBySeverity() map[types.Severity]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.Severity]int)
	for _, id := range s.open {
		out[s.data[id].Severity]++
	}
	return out
}

// Count returns the total number of alerts held, including dismissed ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func openKey(kind types.AlertKind, sourceID string) string {
	return string(kind) + ":" + sourceID
}
