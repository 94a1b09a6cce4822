package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

type MemoryStore struct {
	mu    sync.Mutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	m.rides[r.ID] = Clone(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return Clone(r), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, c Cond, p Patch) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.Matches(r) {
		return nil, ErrConflict
	}
	p.Apply(r)
	return Clone(r), nil
}

func (m *MemoryStore) AddDecline(_ context.Context, id, driverID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !(Cond{Statuses: models.OpenStatuses, DriverUnset: true}).Matches(r) {
		return nil, ErrConflict
	}
	if !r.Declined(driverID) {
		r.DeclinedBy = append(r.DeclinedBy, driverID)
	}
	return Clone(r), nil
}

func (m *MemoryStore) Close() error { return nil }
