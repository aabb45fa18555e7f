package checkpoint

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fileRecord is the on-disk shape of a Checkpoint. One file per checkpoint,
// named "<uuid>.bin", round-tripping exactly since the record is
// self-describing.
type fileRecord struct {
	ID          string         `json:"id"`
	Snapshot    map[string]any `json:"snapshot"`
	Node        string         `json:"node"`
	Timestamp   time.Time      `json:"timestamp"`
	ParentID    string         `json:"parent_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContentHash string         `json:"content_hash"`
}

// FileStore persists checkpoints as one file per id under Dir, lazily
// reading snapshots back from disk when not held in the in-memory index.
// A single mutex serialises writes; the directory is created by NewFileStore.
type FileStore struct {
	mu             sync.Mutex
	dir            string
	index          map[string]fileRecord // metadata only; Snapshot may be nil until lazily loaded
	maxCheckpoints int
}

// NewFileStore creates a file-backed checkpoint store rooted at dir.
func NewFileStore(dir string, maxCheckpoints int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint file store: mkdir %s: %w", dir, err)
	}
	return &FileStore{
		dir:            dir,
		index:          make(map[string]fileRecord),
		maxCheckpoints: maxCheckpoints,
	}, nil
}

func (s *FileStore) pathFor(id string) string {
	return filepath.Join(s.dir, id+".bin")
}

func (s *FileStore) Save(state map[string]any, node, parentID string, metadata map[string]any) (string, error) {
	hash, err := ContentHash(state)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	rec := fileRecord{
		ID:          id,
		Snapshot:    state,
		Node:        node,
		Timestamp:   time.Now(),
		ParentID:    parentID,
		Metadata:    metadata,
		ContentHash: hash,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("checkpoint file store: marshal: %w", err)
	}
	if err := os.WriteFile(s.pathFor(id), data, 0o644); err != nil {
		return "", fmt.Errorf("checkpoint file store: write %s: %w", id, err)
	}

	s.index[id] = rec
	s.evictLocked()
	return id, nil
}

func (s *FileStore) evictLocked() {
	if s.maxCheckpoints <= 0 || len(s.index) <= s.maxCheckpoints {
		return
	}
	var oldestID string
	var oldestTime time.Time
	first := true
	for id, rec := range s.index {
		if first || rec.Timestamp.Before(oldestTime) {
			oldestID = id
			oldestTime = rec.Timestamp
			first = false
		}
	}
	if oldestID == "" {
		return
	}
	delete(s.index, oldestID)
	if err := os.Remove(s.pathFor(oldestID)); err != nil && !os.IsNotExist(err) {
		log.Printf("[Checkpoint] failed to remove evicted file for %s: %v", oldestID, err)
	}
}

func (s *FileStore) Load(id string) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.index[id]; ok && rec.Snapshot != nil {
		return rec.Snapshot, true, nil
	}

	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("checkpoint file store: read %s: %w", id, err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("checkpoint file store: unmarshal %s: %w", id, err)
	}
	s.index[id] = rec
	return rec.Snapshot, true, nil
}

func (s *FileStore) List(node string, limit int) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Checkpoint, 0, len(s.index))
	for _, rec := range s.index {
		if node != "" && rec.Node != node {
			continue
		}
		out = append(out, Checkpoint{
			ID: rec.ID, Snapshot: rec.Snapshot, Node: rec.Node,
			Timestamp: rec.Timestamp, ParentID: rec.ParentID,
			Metadata: rec.Metadata, ContentHash: rec.ContentHash,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
