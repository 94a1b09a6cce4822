package ride

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/realtime"
)

type Rooms interface {
	Join(sessionID, room string) error
	Leave(sessionID, room string) error
}

type DriverState interface {
	SetAvailable(ctx context.Context, driverID string, available bool) error
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error
}

// Relay fans out events that are not ride transitions.
type Relay interface {
	Location(ctx context.Context, loc events.Location)
	Emergency(ctx context.Context, alert events.Emergency)
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, p models.LocationPing) error
}

// Commands executes realtime client commands against the lifecycle service.
type Commands struct {
	rides     *Service
	rooms     Rooms
	drivers   DriverState
	relay     Relay
	locations LocationPublisher
	log       *slog.Logger
}

// NewCommands wires the realtime command router; locations may be nil.
func NewCommands(rides *Service, rooms Rooms, drivers DriverState, relay Relay, locations LocationPublisher, log *slog.Logger) *Commands {
	if log == nil {
		log = slog.Default()
	}
	return &Commands{rides: rides, rooms: rooms, drivers: drivers, relay: relay, locations: locations, log: log}
}

func (c *Commands) Route(ctx context.Context, s *realtime.Session, in events.Inbound) error {
	id := s.Identity
	switch cmd := in.(type) {
	case events.AcceptRideCmd:
		r, err := c.rides.Accept(ctx, cmd.RideID, id, cmd.SubDriverID)
		if err != nil {
			return err
		}
		return c.rooms.Join(s.ID, realtime.RideRoom(r.ID))

	case events.DeclineRideCmd:
		res, err := c.rides.Decline(ctx, cmd.RideID, id)
		if err == nil && res.DispatchError != "" {
			c.log.Warn("re-offer after decline failed", "ride_id", cmd.RideID, "error", res.DispatchError)
		}
		return err

	case events.JoinRideCmd:
		r, err := c.rides.Get(ctx, cmd.RideID)
		if err != nil {
			return err
		}
		if !participant(r, id) {
			return fmt.Errorf("%w: not a party to this ride", ErrForbidden)
		}
		return c.rooms.Join(s.ID, realtime.RideRoom(r.ID))

	case events.LeaveRideCmd:
		return c.rooms.Leave(s.ID, realtime.RideRoom(cmd.RideID))

	case events.UpdateLocationCmd:
		return c.ReportLocation(ctx, id, cmd.RideID, cmd.Loc)

	case events.UpdateAvailabilityCmd:
		if !id.Role.IsDriver() {
			return fmt.Errorf("%w: only drivers set availability", ErrForbidden)
		}
		return c.drivers.SetAvailable(ctx, id.ID, *cmd.Available)

	case events.EmergencyAlertCmd:
		c.relay.Emergency(ctx, events.Emergency{
			RideID:  cmd.RideID,
			From:    id.ID,
			Role:    string(id.Role),
			Message: cmd.Message,
			Loc:     cmd.Loc,
			At:      c.rides.now().UTC(),
		})
		return nil

	case events.OTPGeneratedCmd:
		_, err := c.rides.IssueOTP(ctx, cmd.RideID, id, cmd.Code)
		return err
	}
	return fmt.Errorf("%w: unsupported command %s", ErrBadRequest, in.Name())
}

// ReportLocation stores a driver position, streams it to Kafka and relays
// it to watchers. A stream failure is logged only.
func (c *Commands) ReportLocation(ctx context.Context, id auth.Identity, rideID string, loc models.Coord) error {
	if !id.Role.IsDriver() {
		return fmt.Errorf("%w: only drivers report location", ErrForbidden)
	}
	if !loc.Valid() {
		return fmt.Errorf("%w: invalid coordinate", ErrBadRequest)
	}
	if err := c.drivers.UpdateLocation(ctx, id.ID, loc); err != nil {
		return err
	}
	now := c.rides.now().UTC()
	if c.locations != nil {
		ping := models.LocationPing{DriverID: id.ID, RideID: rideID, Loc: loc, At: now}
		if err := c.locations.PublishLocation(ctx, ping); err != nil {
			c.log.Warn("location stream publish failed", "driver_id", id.ID, "error", err)
		}
	}
	c.relay.Location(ctx, events.Location{DriverID: id.ID, RideID: rideID, Loc: loc, At: now})
	return nil
}

func participant(r *models.Ride, id auth.Identity) bool {
	switch id.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleCustomer:
		return r.CustomerID == id.ID
	case auth.RoleDriver, auth.RoleSubDriver:
		return r.HeldBy(id.ID)
	}
	return false
}
