package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/ride"
)

type inbox struct {
	mu     sync.Mutex
	frames []events.Envelope
}

func (i *inbox) Send(frame []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.frames = append(i.frames, env)
	return nil
}

func (i *inbox) Close() {}

func (i *inbox) names() []events.Name {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]events.Name, 0, len(i.frames))
	for _, f := range i.frames {
		out = append(out, f.Event)
	}
	return out
}

func (i *inbox) got(name events.Name) int {
	n := 0
	for _, got := range i.names() {
		if got == name {
			n++
		}
	}
	return n
}

type published struct {
	key  string
	body any
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (b *fakeBus) Publish(_ context.Context, key string, body any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{key, body})
	return b.err
}

type world struct {
	reg      *realtime.Registry
	bus      *fakeBus
	fanout   *Fanout
	customer *inbox
	winner   *inbox
	loser    *inbox
	idle     *inbox
	admin    *inbox
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		reg:      realtime.NewRegistry(),
		bus:      &fakeBus{},
		customer: &inbox{}, winner: &inbox{}, loser: &inbox{}, idle: &inbox{}, admin: &inbox{},
	}
	t.Cleanup(w.reg.Close)
	w.fanout = New(w.reg, w.bus, nil)
	connect := func(id auth.Identity, in *inbox) {
		if _, err := w.reg.Connect(id, in); err != nil {
			t.Fatalf("connect %s: %v", id.ID, err)
		}
	}
	connect(auth.Identity{ID: "c1", Email: "Rider@Example.in", Role: auth.RoleCustomer}, w.customer)
	connect(auth.Identity{ID: "A", Role: auth.RoleDriver}, w.winner)
	connect(auth.Identity{ID: "B", Role: auth.RoleDriver}, w.loser)
	connect(auth.Identity{ID: "C", Role: auth.RoleDriver}, w.idle)
	connect(auth.Identity{ID: "ops", Role: auth.RoleAdmin}, w.admin)
	return w
}

func sampleRide() *models.Ride {
	return &models.Ride{
		ID:            "r1",
		CustomerID:    "c1",
		CustomerEmail: "rider@example.in",
		DriverID:      "A",
		Vehicle:       models.VehicleCar,
		Service:       models.ServiceRide,
		Status:        models.StatusAccepted,
		Pricing:       models.Pricing{FinalAmount: 8500},
	}
}

func TestAcceptedReachesCustomerOnceAndWithdrawsOffers(t *testing.T) {
	w := newWorld(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	err := w.fanout.Notify(context.Background(), ride.Change{Kind: ride.ChangeAccepted, Ride: sampleRide(), Withdraw: []string{"B"}, At: at})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if w.customer.got(events.RideAccepted) != 1 {
		t.Fatalf("customer should get exactly one ride-accepted, got %v", w.customer.names())
	}
	if w.winner.got(events.RideAccepted) != 1 || w.loser.got(events.RideAccepted) != 1 {
		t.Fatalf("winner and withdrawn candidate should be told")
	}
	if w.idle.got(events.RideAccepted) != 0 || w.idle.got(events.RideTaken) != 1 {
		t.Fatalf("other drivers only see ride-taken, got %v", w.idle.names())
	}

	var payload events.Accepted
	_ = json.Unmarshal(w.customer.frames[0].Data, &payload)
	if payload.DriverID != "A" || !payload.AcceptedAt.Equal(at) {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len(w.bus.msgs) != 1 || w.bus.msgs[0].key != "ride.accepted" {
		t.Fatalf("unexpected bus traffic %+v", w.bus.msgs)
	}
}

func TestOTPIssuedGoesToCustomerAndDrivers(t *testing.T) {
	w := newWorld(t)
	r := sampleRide()
	r.OTP.Code = "7421"
	if err := w.fanout.Notify(context.Background(), ride.Change{Kind: ride.ChangeOTPIssued, Ride: r}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	var payload events.OTPIssued
	_ = json.Unmarshal(w.customer.frames[0].Data, &payload)
	if payload.Code != "7421" {
		t.Fatalf("customer should see the code, got %+v", payload)
	}
	if w.idle.got(events.CustomerOTPGenerated) != 1 || w.admin.got(events.CustomerOTPGenerated) != 0 {
		t.Fatalf("unexpected otp routing: idle=%v admin=%v", w.idle.names(), w.admin.names())
	}
	if w.bus.msgs[0].key != "ride.otp.issued" {
		t.Fatalf("unexpected routing key %q", w.bus.msgs[0].key)
	}
}

func TestCompletedDeliveryUsesDeliveryEvent(t *testing.T) {
	w := newWorld(t)
	r := sampleRide()
	r.Service = models.ServiceDelivery
	r.Status = models.StatusCompleted
	r.Earnings = &models.Earnings{Gross: 8500, Commission: 1700, Net: 6800}
	if err := w.fanout.Notify(context.Background(), ride.Change{Kind: ride.ChangeCompleted, Ride: r}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if w.customer.got(events.DeliveryCompleted) != 1 || w.customer.got(events.RideCompleted) != 0 {
		t.Fatalf("unexpected customer frames %v", w.customer.names())
	}
	if w.winner.got(events.DeliveryCompleted) != 1 {
		t.Fatalf("driver reached once through both rooms, got %v", w.winner.names())
	}
}

func TestCancelledTellsFormerDriver(t *testing.T) {
	w := newWorld(t)
	r := sampleRide()
	r.Status, r.DriverID = models.StatusCancelled, ""
	r.Cancellation = &models.Cancellation{By: models.ActorCustomer, Fee: 850, Refund: 7650}
	if err := w.fanout.Notify(context.Background(), ride.Change{Kind: ride.ChangeCancelled, Ride: r, Withdraw: []string{"A"}}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	var payload events.Cancelled
	_ = json.Unmarshal(w.winner.frames[0].Data, &payload)
	if payload.Fee != 850 || payload.Refund != 7650 || payload.By != models.ActorCustomer {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if w.customer.got(events.RideCancelled) != 1 || w.loser.got(events.RideCancelled) != 0 {
		t.Fatalf("cancel routed wrong: customer=%v loser=%v", w.customer.names(), w.loser.names())
	}
}

func TestBusFailureIsReportedAfterDelivery(t *testing.T) {
	w := newWorld(t)
	w.bus.err = errors.New("channel closed")
	r := sampleRide()
	r.Status = models.StatusArrived
	err := w.fanout.Notify(context.Background(), ride.Change{Kind: ride.ChangeArrived, Ride: r})
	if err == nil {
		t.Fatalf("expected the bus error to surface")
	}
	if w.customer.got(events.RideStatusUpdate) != 1 {
		t.Fatalf("sessions are served before the bus, got %v", w.customer.names())
	}
}

func TestLocationAndEmergencyRouting(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.fanout.Location(ctx, events.Location{DriverID: "A", Loc: models.Coord{Lat: 1, Lon: 2}})
	if w.customer.got(events.DriverLocationUpdate) != 1 || w.admin.got(events.DriverLocationUpdate) != 1 {
		t.Fatalf("location should reach customers and admins")
	}
	if w.loser.got(events.DriverLocationUpdate) != 0 {
		t.Fatalf("drivers do not see each other's location")
	}

	w.fanout.Emergency(ctx, events.Emergency{RideID: "r1", From: "c1", Role: "customer"})
	if w.admin.got(events.EmergencyAlert) != 1 || w.customer.got(events.EmergencyAlert) != 0 {
		t.Fatalf("alerts go to admins and the ride room only")
	}
	if last := w.bus.msgs[len(w.bus.msgs)-1]; last.key != "alert.emergency" {
		t.Fatalf("unexpected emergency key %q", last.key)
	}
}

func TestUnknownChange(t *testing.T) {
	w := newWorld(t)
	if err := w.fanout.Notify(context.Background(), ride.Change{Kind: "teleported", Ride: sampleRide()}); err == nil {
		t.Fatalf("expected an error for an unknown change")
	}
}
