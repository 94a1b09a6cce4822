package presence

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps presence in process. Every read sees the latest write.
type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[string]models.Driver), now: time.Now}
}

func (m *MemoryStore) update(id string, fn func(*models.Driver)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		d = models.Driver{ID: id, Kind: models.DriverMain}
	}
	fn(&d)
	d.Updated = m.now()
	m.drivers[id] = d
}

func (m *MemoryStore) Register(_ context.Context, p models.Driver) error {
	m.update(p.ID, func(d *models.Driver) {
		if p.Kind != "" {
			d.Kind = p.Kind
		}
		d.ParentID = p.ParentID
		if p.Vehicle != "" {
			d.Vehicle = p.Vehicle
		}
	})
	return nil
}

func (m *MemoryStore) SetOnline(_ context.Context, id string, online bool) error {
	m.update(id, func(d *models.Driver) {
		d.Online = online
		d.LastSeen = m.now()
	})
	return nil
}

func (m *MemoryStore) SetAvailable(_ context.Context, id string, available bool) error {
	m.update(id, func(d *models.Driver) { d.Available = available })
	return nil
}

func (m *MemoryStore) UpdateLocation(_ context.Context, id string, loc models.Coord) error {
	m.update(id, func(d *models.Driver) {
		d.Loc = loc
		d.LastSeen = m.now()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) Candidate(ctx context.Context, id string, r *models.Ride) (models.Driver, bool, error) {
	d, err := m.Get(ctx, id)
	if err == ErrNotFound {
		return models.Driver{}, false, nil
	}
	if err != nil {
		return models.Driver{}, false, err
	}
	return d, Eligible(d, r), nil
}

// naive scan; the redis backend uses GEOSEARCH
func (m *MemoryStore) Nearby(_ context.Context, loc models.Coord, radiusKm float64, limit int) ([]models.Driver, error) {
	m.mu.RLock()
	online := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.Online {
			online = append(online, d)
		}
	}
	m.mu.RUnlock()
	return geo.Nearest(loc, online, radiusKm, limit), nil
}
