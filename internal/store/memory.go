package store

import (
	"context"
	"sync"

	"github.com/fireside/connect-client-go/internal/model"
)

// MemoryStore keeps the record in process memory. Used in tests and as the
// default wiring when no durable backend is configured.
type MemoryStore struct {
	mu  sync.Mutex
	rec *model.SessionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (*model.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	rec := *s.rec
	return &rec, nil
}

func (s *MemoryStore) Save(ctx context.Context, rec *model.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.rec = &copied
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}
