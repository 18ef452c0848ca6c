package store

import (
	"context"
	"sync"
	"time"

	"whisp.exchange/internal/models"
)

// Compile-time interface check
var _ RecordStore = (*MemoryStore)(nil)

type MemoryStore struct {
	whisps map[string]*models.Whisp
	mu     sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		whisps: make(map[string]*models.Whisp),
	}
}

func (s *MemoryStore) Save(ctx context.Context, whisp *models.Whisp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := *whisp
	s.whisps[whisp.ID] = &w
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Whisp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	whisp, ok := s.whisps[id]
	if !ok {
		return nil, ErrNotFound
	}

	w := *whisp
	return &w, nil
}

func (s *MemoryStore) Consume(ctx context.Context, id string, now time.Time) (*models.Whisp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	whisp, ok := s.whisps[id]
	if !ok || whisp.Expired(now) {
		return nil, ErrNotFound
	}

	delete(s.whisps, id)
	return whisp, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.whisps, id)
	return nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []string
	count := 0
	for id, whisp := range s.whisps {
		if whisp.Expired(now) {
			if whisp.FileRef != "" {
				refs = append(refs, whisp.FileRef)
			}
			delete(s.whisps, id)
			count++
		}
	}
	return count, refs, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.whisps = nil
	return nil
}
