package vault

import (
	"github.com/google/uuid"
	"github.com/scarvault/scarvault/internal/domain"
)

// DefaultInertCapacity bounds the quarantine store.
const DefaultInertCapacity = 1000

// InertStore retains quarantined marks. Inert marks are excluded from
// routing, reconciliation, and aggregates, but are never silently dropped;
// they leave only by explicit purge.
type InertStore struct {
	capacity int
	marks    map[uuid.UUID]*domain.Mark
}

func NewInertStore(capacity int) *InertStore {
	if capacity <= 0 {
		capacity = DefaultInertCapacity
	}
	return &InertStore{
		capacity: capacity,
		marks:    make(map[uuid.UUID]*domain.Mark),
	}
}

func (s *InertStore) Add(m *domain.Mark) {
	s.marks[m.ID] = m
}

func (s *InertStore) Get(id uuid.UUID) (*domain.Mark, bool) {
	m, ok := s.marks[id]
	return m, ok
}

func (s *InertStore) Has(id uuid.UUID) bool {
	_, ok := s.marks[id]
	return ok
}

func (s *InertStore) Remove(id uuid.UUID) *domain.Mark {
	m, ok := s.marks[id]
	if !ok {
		return nil
	}
	delete(s.marks, id)
	return m
}

func (s *InertStore) Count() int    { return len(s.marks) }
func (s *InertStore) Capacity() int { return s.capacity }

// Fill is the occupancy ratio; an optimizer trigger input.
func (s *InertStore) Fill() float64 {
	return float64(len(s.marks)) / float64(s.capacity)
}
