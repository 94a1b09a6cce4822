// Package notify delivers lifecycle, location and alert events to live
// sessions and relays lifecycle changes to the reporting bus. It never
// mutates rides or presence.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/ride"
)

type Emitter interface {
	Emit(rooms []string, frame []byte) int
}

type Publisher interface {
	Publish(ctx context.Context, key string, body any) error
}

type Fanout struct {
	rooms Emitter
	bus   Publisher
	log   *slog.Logger
}

// New builds a Fanout; bus may be nil.
func New(rooms Emitter, bus Publisher, log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{rooms: rooms, bus: bus, log: log}
}

// lifecycleMessage is what the reporting bus receives.
type lifecycleMessage struct {
	Status models.Status `json:"status"`
	Kind   string        `json:"kind"`
	Ride   *models.Ride  `json:"ride"`
}

func (f *Fanout) Notify(ctx context.Context, c ride.Change) error {
	r := c.Ride
	switch c.Kind {
	case ride.ChangeAccepted:
		payload := events.Accepted{
			RideID:      r.ID,
			DriverID:    r.DriverID,
			SubDriverID: r.SubDriverID,
			Driver:      &events.DriverInfo{ID: r.Operator(), Vehicle: r.Vehicle},
			AcceptedAt:  c.At,
		}
		rooms := append(customerRooms(r), driverRooms(r)...)
		rooms = append(rooms, userRooms(c.Withdraw)...)
		f.emit(events.RideAccepted, payload, rooms)
		f.emit(events.RideTaken, events.Taken{RideID: r.ID, DriverID: r.DriverID}, []string{realtime.RoomDrivers})

	case ride.ChangeArrived, ride.ChangeStarted:
		payload := events.StatusUpdate{RideID: r.ID, Status: r.Status, DriverID: r.Operator(), At: c.At}
		f.emit(events.RideStatusUpdate, payload, append(customerRooms(r), driverRooms(r)...))

	case ride.ChangeOTPIssued:
		payload := events.OTPIssued{RideID: r.ID, Code: r.OTP.Code}
		f.emit(events.CustomerOTPGenerated, payload, append(customerRooms(r), realtime.RoomDrivers))

	case ride.ChangeOTPVerified:
		payload := events.OTPVerified{RideID: r.ID, VerifiedAt: c.At}
		f.emit(events.OTPVerifiedSuccess, payload, append(customerRooms(r), driverRooms(r)...))

	case ride.ChangeCompleted:
		name := events.RideCompleted
		if r.Service == models.ServiceDelivery {
			name = events.DeliveryCompleted
		}
		payload := events.Completed{RideID: r.ID, Amount: r.Pricing.FinalAmount, Earnings: r.Earnings, CompletedAt: c.At}
		rooms := append(customerRooms(r), driverRooms(r)...)
		f.emit(name, payload, append(rooms, realtime.RoomDrivers))

	case ride.ChangeCancelled:
		payload := events.Cancelled{RideID: r.ID, At: c.At}
		if r.Cancellation != nil {
			payload.By, payload.Reason = r.Cancellation.By, r.Cancellation.Reason
			payload.Fee, payload.Refund = r.Cancellation.Fee, r.Cancellation.Refund
		}
		f.emit(events.RideCancelled, payload, append(customerRooms(r), userRooms(c.Withdraw)...))

	default:
		return fmt.Errorf("unknown change %q", c.Kind)
	}

	if f.bus == nil {
		return nil
	}
	if err := f.bus.Publish(ctx, busKey(c.Kind), lifecycleMessage{Status: r.Status, Kind: string(c.Kind), Ride: r}); err != nil {
		observability.NotifyFailures.WithLabelValues("bus").Inc()
		return fmt.Errorf("publish %s: %w", c.Kind, err)
	}
	return nil
}

// Location goes to the ride's room and to every customer and admin view.
func (f *Fanout) Location(_ context.Context, loc events.Location) {
	rooms := []string{realtime.RoomCustomers, realtime.RoomAdmins}
	if loc.RideID != "" {
		rooms = append(rooms, realtime.RideRoom(loc.RideID))
	}
	f.emit(events.DriverLocationUpdate, loc, rooms)
}

func (f *Fanout) Emergency(ctx context.Context, alert events.Emergency) {
	rooms := []string{realtime.RoomAdmins}
	if alert.RideID != "" {
		rooms = append(rooms, realtime.RideRoom(alert.RideID))
	}
	f.emit(events.EmergencyAlert, alert, rooms)
	f.log.Warn("emergency alert", "ride_id", alert.RideID, "from", alert.From, "role", alert.Role)
	if f.bus != nil {
		if err := f.bus.Publish(ctx, "alert.emergency", alert); err != nil {
			observability.NotifyFailures.WithLabelValues("bus").Inc()
			f.log.Error("emergency relay failed", "error", err)
		}
	}
}

func (f *Fanout) emit(name events.Name, payload any, rooms []string) int {
	frame, err := events.Encode(name, payload)
	if err != nil {
		f.log.Error("encode event failed", "event", name, "error", err)
		return 0
	}
	n := f.rooms.Emit(rooms, frame)
	if n == 0 {
		observability.NotifyFailures.WithLabelValues("realtime").Inc()
		f.log.Debug("event reached no session", "event", name)
	}
	return n
}

func busKey(k ride.ChangeKind) string {
	switch k {
	case ride.ChangeOTPIssued:
		return bus.RoutingKey("otp.issued")
	case ride.ChangeOTPVerified:
		return bus.RoutingKey("otp.verified")
	}
	return bus.RoutingKey(string(k))
}

// customerRooms covers every path to the ride's customer: the ride room,
// their identity room and their email room.
func customerRooms(r *models.Ride) []string {
	rooms := []string{realtime.RideRoom(r.ID), realtime.UserRoom(r.CustomerID)}
	if r.CustomerEmail != "" {
		rooms = append(rooms, realtime.EmailRoom(r.CustomerEmail))
	}
	return rooms
}

func driverRooms(r *models.Ride) []string {
	var rooms []string
	for _, id := range []string{r.DriverID, r.SubDriverID} {
		if id != "" {
			rooms = append(rooms, realtime.UserRoom(id))
		}
	}
	return rooms
}

func userRooms(ids []string) []string {
	rooms := make([]string, 0, len(ids))
	for _, id := range ids {
		rooms = append(rooms, realtime.UserRoom(id))
	}
	return rooms
}
