package state

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/loomkit/loom/internal/checkpoint"
)

// State is the shared mapping from string keys to arbitrary values that
// flows through every node in a graph run.
type State map[string]any

// Clone returns a shallow copy of s.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Version is a monotonically increasing snapshot of what changed in one
// Merge call.
type Version struct {
	Number    int
	Timestamp time.Time
	Parent    *int // nil for the first version
	Changes   map[string]Change
}

// Change records the old and new value for one key in a single version.
type Change struct {
	Old     any
	New     any
	Deleted bool
}

// Manager applies update maps to state under per-key reducers, tracks
// version history, and supports transactional merges backed by a
// checkpoint store.
//
// Merge itself is functional over its arguments: the registry and version
// log are the only mutable, mutex-guarded state the Manager owns.
type Manager struct {
	mu         sync.Mutex
	reducers   *Registry
	versions   []Version
	versioning bool
	store      checkpoint.Store
}

// NewManager creates a State Manager. store may be nil if MergeTransactional
// is never called.
func NewManager(reducers *Registry, store checkpoint.Store) *Manager {
	if reducers == nil {
		reducers = NewRegistry()
	}
	return &Manager{reducers: reducers, versioning: true, store: store}
}

// RegisterReducer associates a reducer with a state key.
func (m *Manager) RegisterReducer(key string, reducer Reducer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reducers.Register(key, reducer)
}

// SetVersioning toggles whether Merge emits version history. Enabled by
// default.
func (m *Manager) SetVersioning(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versioning = on
}

// Merge applies updates to current under the registered reducers, key by
// key, and returns the new state. No reducer is ever called with both
// arguments nil: if both current[k] and updates[k] are nil, the manager
// short-circuits the result for that key to nil without invoking a reducer.
func (m *Manager) Merge(current State, updates map[string]any, node string) (State, error) {
	if current == nil {
		current = State{}
	}
	newState := current.Clone()
	changes := make(map[string]Change)

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		incoming := updates[k]
		existing := current[k]

		if existing == nil && incoming == nil {
			newState[k] = nil
			changes[k] = Change{Old: existing, New: nil}
			continue
		}

		reducer := m.reducers.Lookup(k)
		merged, err := reducer(existing, incoming)
		if err != nil {
			return nil, fmt.Errorf("merge key %q (node %q): %w", k, node, err)
		}
		newState[k] = merged
		changes[k] = Change{Old: existing, New: merged}
	}

	if m.versioning && len(changes) > 0 {
		m.recordVersion(changes)
	}

	return newState, nil
}

func (m *Manager) recordVersion(changes map[string]Change) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var parent *int
	if n := len(m.versions); n > 0 {
		p := m.versions[n-1].Number
		parent = &p
	}
	v := Version{
		Number:    len(m.versions) + 1,
		Timestamp: time.Now(),
		Parent:    parent,
		Changes:   changes,
	}
	m.versions = append(m.versions, v)
}

// MergeTransactional checkpoints current before attempting Merge. On error
// it rolls back to the checkpoint (a no-op for the caller's copy of
// current, since Merge never mutates its inputs) and returns the error
// alongside the checkpoint id so the caller can recover the pre-merge
// snapshot explicitly.
func (m *Manager) MergeTransactional(current State, updates map[string]any, node string) (new State, checkpointID string, err error) {
	if m.store == nil {
		return nil, "", fmt.Errorf("merge transactional: no checkpoint store configured")
	}

	id, err := m.store.Save(map[string]any(current), node, "", nil)
	if err != nil {
		return nil, "", fmt.Errorf("merge transactional: checkpoint save: %w", err)
	}

	merged, mergeErr := m.Merge(current, updates, node)
	if mergeErr != nil {
		log.Printf("[State] MergeTransactional rolled back to checkpoint %s after error: %v", id, mergeErr)
		return current, id, mergeErr
	}

	return merged, id, nil
}

// Diff computes the per-key differences between old and new state.
func Diff(old, new State) map[string]Change {
	out := make(map[string]Change)
	for k, nv := range new {
		ov, existed := old[k]
		if !existed || !equal(ov, nv) {
			out[k] = Change{Old: ov, New: nv}
		}
	}
	for k, ov := range old {
		if _, stillThere := new[k]; !stillThere {
			out[k] = Change{Old: ov, Deleted: true}
		}
	}
	return out
}

func equal(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b) && fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

// History returns up to limit most recent versions, newest last. limit <= 0
// returns the full history.
func (m *Manager) History(limit int) []Version {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit >= len(m.versions) {
		out := make([]Version, len(m.versions))
		copy(out, m.versions)
		return out
	}
	start := len(m.versions) - limit
	out := make([]Version, limit)
	copy(out, m.versions[start:])
	return out
}

// CurrentVersion returns the most recent version number, or 0 if no merge
// has produced a version yet.
func (m *Manager) CurrentVersion() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.versions) == 0 {
		return 0
	}
	return m.versions[len(m.versions)-1].Number
}
