package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when an artifact id is unknown to a store.
var ErrNotFound = errors.New("artifact not found")

// Store is the persistence collaborator. The core treats storage as opaque:
// a store only needs to round-trip artifacts by id.
type Store interface {
	Load(ctx context.Context, id string) (*Artifact, error)
	Save(ctx context.Context, a *Artifact) error
	List(ctx context.Context) ([]string, error)
}

// MemoryStore keeps artifacts in process memory. It is the default store and
// the one used throughout the tests.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string]*Artifact)}
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

func (s *MemoryStore) Save(ctx context.Context, a *Artifact) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("invalid artifact")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.ID] = a
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.artifacts))
	for id := range s.artifacts {
		ids = append(ids, id)
	}
	return ids, nil
}

// artifactRecord is the wire form used by external stores. The live snapshot
// ring and change bookkeeping are process-local and not persisted.
type artifactRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Revision  string          `json:"revision"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Files     map[string]File `json:"files"`
}

func marshalArtifact(a *Artifact) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec := artifactRecord{
		ID:        a.ID,
		Name:      a.Name,
		Version:   a.Version,
		Revision:  a.Revision,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
		Files:     a.Files,
	}
	return json.Marshal(rec)
}

func unmarshalArtifact(data []byte) (*Artifact, error) {
	var rec artifactRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	a := &Artifact{
		ID:        rec.ID,
		Name:      rec.Name,
		Version:   rec.Version,
		Revision:  rec.Revision,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Files:     rec.Files,
	}
	if a.Files == nil {
		a.Files = make(map[string]File)
	}
	return a, nil
}
