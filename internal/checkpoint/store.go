// Package checkpoint implements content-addressed snapshots of state keyed
// by UUID, with in-memory and file-backed variants sharing the same
// interface and LRU eviction once the store is over capacity.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is a single labelled snapshot of state.
type Checkpoint struct {
	ID          string
	Snapshot    map[string]any
	Node        string
	Timestamp   time.Time
	ParentID    string // empty when there is no parent
	Metadata    map[string]any
	ContentHash string
}

// Store is the interface both backends implement.
type Store interface {
	// Save snapshots state, returning a fresh checkpoint id. If the store
	// exceeds its configured capacity afterward, the oldest checkpoint by
	// timestamp is evicted.
	Save(state map[string]any, node, parentID string, metadata map[string]any) (string, error)

	// Load returns the snapshot for id. ok is false if id is unknown.
	Load(id string) (map[string]any, bool, error)

	// List returns checkpoints, most recent first. If node is non-empty,
	// only checkpoints captured at that node are returned. limit <= 0
	// means unlimited.
	List(node string, limit int) ([]Checkpoint, error)
}

// ContentHash computes the canonical content hash of a state snapshot: the
// hex SHA-256 digest of its keys sorted and JSON-marshalled. Two snapshots
// with the same keys and values always hash identically regardless of map
// iteration order.
func ContentHash(snapshot map[string]any) (string, error) {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canonical := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		canonical = append(canonical, k, snapshot[k])
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("content hash: marshal: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MemoryStore is an in-memory checkpoint store guarded by a single mutex,
// with LRU eviction by oldest timestamp once over MaxCheckpoints.
type MemoryStore struct {
	mu              sync.Mutex
	checkpoints     map[string]Checkpoint
	maxCheckpoints  int
}

// NewMemoryStore creates an in-memory store. maxCheckpoints <= 0 means
// unbounded.
func NewMemoryStore(maxCheckpoints int) *MemoryStore {
	return &MemoryStore{
		checkpoints:    make(map[string]Checkpoint),
		maxCheckpoints: maxCheckpoints,
	}
}

func (s *MemoryStore) Save(state map[string]any, node, parentID string, metadata map[string]any) (string, error) {
	hash, err := ContentHash(state)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.checkpoints[id] = Checkpoint{
		ID:          id,
		Snapshot:    state,
		Node:        node,
		Timestamp:   time.Now(),
		ParentID:    parentID,
		Metadata:    metadata,
		ContentHash: hash,
	}

	s.evictLocked()
	return id, nil
}

func (s *MemoryStore) evictLocked() {
	if s.maxCheckpoints <= 0 || len(s.checkpoints) <= s.maxCheckpoints {
		return
	}
	var oldestID string
	var oldestTime time.Time
	first := true
	for id, cp := range s.checkpoints {
		if first || cp.Timestamp.Before(oldestTime) {
			oldestID = id
			oldestTime = cp.Timestamp
			first = false
		}
	}
	if oldestID != "" {
		delete(s.checkpoints, oldestID)
	}
}

func (s *MemoryStore) Load(id string) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, false, nil
	}
	return cp.Snapshot, true, nil
}

func (s *MemoryStore) List(node string, limit int) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		if node != "" && cp.Node != node {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
