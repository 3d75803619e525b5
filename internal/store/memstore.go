package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"kiln/internal/fingerprint"
)

// MemStore is an in-memory Store for tests and dry runs. Entries are deep
// copied on the way in and out so callers can never alias stored payloads.
type MemStore struct {
	mu      sync.RWMutex
	entries map[fingerprint.Fingerprint]*Artifact
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[fingerprint.Fingerprint]*Artifact)}
}

func (s *MemStore) Get(ctx context.Context, fp fingerprint.Fingerprint) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	art, ok := s.entries[fp]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fp.Short())
	}
	return copyArtifact(art), nil
}

func (s *MemStore) Put(ctx context.Context, art *Artifact) error {
	if art == nil || art.Fingerprint == "" {
		return fmt.Errorf("%w: artifact without fingerprint", ErrStorage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[art.Fingerprint] = copyArtifact(art)
	return nil
}

func (s *MemStore) Has(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[fp]
	return ok, nil
}

func (s *MemStore) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fp)
	return nil
}

func (s *MemStore) List(ctx context.Context) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Meta, 0, len(s.entries))
	for _, art := range s.entries {
		out = append(out, Meta{
			Fingerprint: art.Fingerprint,
			UnitID:      art.UnitID,
			RunID:       art.RunID,
			CreatedAt:   art.CreatedAt,
			Size:        int64(len(art.Output)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out, nil
}

func copyArtifact(art *Artifact) *Artifact {
	cp := *art
	cp.Output = append([]byte(nil), art.Output...)
	return &cp
}
