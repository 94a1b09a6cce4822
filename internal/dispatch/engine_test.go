package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/realtime"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSender) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Close() {}

func (f *fakeSender) offers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		var env events.Envelope
		if json.Unmarshal(fr, &env) == nil && env.Event == events.NewRideRequest {
			n++
		}
	}
	return n
}

type fixture struct {
	reg     *realtime.Registry
	ps      *presence.MemoryStore
	engine  *Engine
	senders map[string]*fakeSender
}

func newFixture() *fixture {
	reg := realtime.NewRegistry()
	ps := presence.NewMemoryStore()
	return &fixture{reg: reg, ps: ps, engine: New(reg, ps, nil, nil), senders: make(map[string]*fakeSender)}
}

// connect opens a session; ready drivers are also online and available.
func (f *fixture) connect(t *testing.T, id string, role auth.Role, v models.VehicleClass, ready bool, loc models.Coord) {
	t.Helper()
	ctx := context.Background()
	s := &fakeSender{}
	if _, err := f.reg.Connect(auth.Identity{ID: id, Role: role}, s); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	f.senders[id] = s
	if !role.IsDriver() {
		return
	}
	_ = f.ps.Register(ctx, models.Driver{ID: id, Vehicle: v})
	_ = f.ps.SetOnline(ctx, id, ready)
	_ = f.ps.SetAvailable(ctx, id, ready)
	_ = f.ps.UpdateLocation(ctx, id, loc)
}

func carRide() *models.Ride {
	return &models.Ride{
		ID:      "r1",
		Vehicle: models.VehicleCar,
		Service: models.ServiceRide,
		Status:  models.StatusPending,
		Pickup:  models.Place{Loc: models.Coord{Lat: 12.97, Lon: 77.59}},
	}
}

var here = models.Coord{Lat: 12.971, Lon: 77.59}

func TestMainDriversFirst(t *testing.T) {
	f := newFixture()
	f.connect(t, "d1", auth.RoleDriver, models.VehicleCar, true, here)
	f.connect(t, "sd1", auth.RoleSubDriver, models.VehicleCar, true, here)
	f.connect(t, "c1", auth.RoleCustomer, "", false, here)

	res, err := f.engine.Broadcast(context.Background(), carRide())
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if res.Tier != TierMainDrivers || len(res.Drivers) != 1 || res.Drivers[0] != "d1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if f.senders["sd1"].offers() != 0 || f.senders["c1"].offers() != 0 {
		t.Fatalf("offer leaked beyond tier 1")
	}
}

func TestSubDriversWhenNoMainDriverQualifies(t *testing.T) {
	f := newFixture()
	f.connect(t, "d1", auth.RoleDriver, models.VehicleCar, false, here)
	f.connect(t, "d2", auth.RoleDriver, models.VehicleBike, true, here)
	f.connect(t, "sd1", auth.RoleSubDriver, models.VehicleCar, true, here)

	res, err := f.engine.Broadcast(context.Background(), carRide())
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if res.Tier != TierSubDrivers || f.senders["sd1"].offers() != 1 {
		t.Fatalf("expected sub-driver tier, got %+v", res)
	}
	if f.senders["d1"].offers() != 0 || f.senders["d2"].offers() != 0 {
		t.Fatalf("main drivers should not receive a tier 2 offer")
	}
}

func TestFallbackReachesWholeDriverPool(t *testing.T) {
	f := newFixture()
	f.connect(t, "d1", auth.RoleDriver, models.VehicleCar, false, here)
	f.connect(t, "sd1", auth.RoleSubDriver, models.VehicleCar, false, here)
	f.connect(t, "c1", auth.RoleCustomer, "", false, here)

	res, err := f.engine.Broadcast(context.Background(), carRide())
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if res.Tier != TierAllDrivers || res.Sessions != 2 {
		t.Fatalf("expected tier 3 to both drivers, got %+v", res)
	}
	if f.senders["c1"].offers() != 0 {
		t.Fatalf("customers are not part of the driver pool")
	}
}

func TestDeliveryAcceptsAnySmallVehicle(t *testing.T) {
	f := newFixture()
	f.connect(t, "bike", auth.RoleDriver, models.VehicleBike, true, here)
	f.connect(t, "truck", auth.RoleDriver, models.VehicleTruck, true, here)
	r := carRide()
	r.Service = models.ServiceDelivery

	res, err := f.engine.Broadcast(context.Background(), r)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if res.Tier != TierMainDrivers || len(res.Drivers) != 1 || res.Drivers[0] != "bike" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDeclinedDriversExcludedOnRebroadcast(t *testing.T) {
	f := newFixture()
	f.connect(t, "d1", auth.RoleDriver, models.VehicleCar, true, here)
	f.connect(t, "d2", auth.RoleDriver, models.VehicleCar, true, models.Coord{Lat: 12.99, Lon: 77.59})
	ctx := context.Background()
	r := carRide()

	first, _ := f.engine.Broadcast(ctx, r)
	if len(first.Drivers) != 2 || first.Drivers[0] != "d1" {
		t.Fatalf("expected both drivers nearest first, got %+v", first)
	}

	r.DeclinedBy = append(r.DeclinedBy, "d1")
	res, err := f.engine.Rebroadcast(ctx, r, "d1")
	if err != nil {
		t.Fatalf("rebroadcast: %v", err)
	}
	if len(res.Drivers) != 1 || res.Drivers[0] != "d2" {
		t.Fatalf("re-offer should reach only d2, got %+v", res)
	}
	if f.senders["d1"].offers() != 1 || f.senders["d2"].offers() != 2 {
		t.Fatalf("unexpected offer counts d1=%d d2=%d", f.senders["d1"].offers(), f.senders["d2"].offers())
	}
	offered := f.engine.Offered("r1")
	sort.Strings(offered)
	if len(offered) != 1 || offered[0] != "d2" {
		t.Fatalf("offered = %v", offered)
	}

	f.engine.Forget("r1")
	if len(f.engine.Offered("r1")) != 0 {
		t.Fatalf("forget should clear bookkeeping")
	}
}

func TestNoRecipients(t *testing.T) {
	f := newFixture()
	f.connect(t, "c1", auth.RoleCustomer, "", false, here)
	if _, err := f.engine.Broadcast(context.Background(), carRide()); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

type brokenPresence struct{}

func (brokenPresence) Candidate(context.Context, string, *models.Ride) (models.Driver, bool, error) {
	return models.Driver{}, false, presence.ErrUnavailable
}

func TestPresenceOutageFallsThrough(t *testing.T) {
	f := newFixture()
	f.connect(t, "d1", auth.RoleDriver, models.VehicleCar, true, here)
	e := New(f.reg, brokenPresence{}, nil, nil)

	res, err := e.Broadcast(context.Background(), carRide())
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if res.Tier != TierAllDrivers || f.senders["d1"].offers() != 1 {
		t.Fatalf("expected unconditional fallback, got %+v", res)
	}
}
