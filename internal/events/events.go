// Package events defines every realtime message as a named, typed payload.
// Inbound frames are decoded and validated here so handlers never see raw JSON.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Name string

// Outbound.
const (
	NewRideRequest       Name = "new-ride-request"
	RideAccepted         Name = "ride-accepted"
	RideTaken            Name = "ride-taken"
	DriverLocationUpdate Name = "driver-location-update"
	CustomerOTPGenerated Name = "customer_otp_generated"
	OTPVerifiedSuccess   Name = "otp-verified-success"
	DeliveryCompleted    Name = "delivery-completed"
	RideCompleted        Name = "ride-completed"
	RideStatusUpdate     Name = "ride-status-update"
	RideCancelled        Name = "ride-cancelled"
	EmergencyAlert       Name = "emergency-alert"
	Error                Name = "error"
)

// Inbound.
const (
	AcceptRide         Name = "accept-ride"
	DeclineRide        Name = "decline-ride"
	JoinRide           Name = "join-ride"
	LeaveRide          Name = "leave-ride"
	UpdateLocation     Name = "update-location"
	UpdateAvailability Name = "update-availability"
	OTPGenerated       Name = "otp_generated"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode renders an outbound frame.
func Encode(name Name, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return json.Marshal(Envelope{Event: name, Data: data})
}

type RideOffer struct {
	RideID      string              `json:"ride_id"`
	Service     models.ServiceType  `json:"service_type"`
	Vehicle     models.VehicleClass `json:"vehicle_class"`
	Pickup      models.Place        `json:"pickup"`
	Destination models.Place        `json:"destination"`
	Fare        int64               `json:"fare"`
	DistanceKm  float64             `json:"distance_km"`
	DurationMin float64             `json:"duration_min"`
	CreatedAt   time.Time           `json:"created_at"`
}

func OfferFor(r *models.Ride) RideOffer {
	return RideOffer{
		RideID:      r.ID,
		Service:     r.Service,
		Vehicle:     r.Vehicle,
		Pickup:      r.Pickup,
		Destination: r.Destination,
		Fare:        r.Pricing.FinalAmount,
		DistanceKm:  r.Pricing.DistanceKm,
		DurationMin: r.Pricing.DurationMin,
		CreatedAt:   r.CreatedAt,
	}
}

type DriverInfo struct {
	ID      string              `json:"id"`
	Vehicle models.VehicleClass `json:"vehicle_class,omitempty"`
	Loc     *models.Coord       `json:"loc,omitempty"`
}

type Accepted struct {
	RideID      string      `json:"ride_id"`
	DriverID    string      `json:"driver_id"`
	SubDriverID string      `json:"sub_driver_id,omitempty"`
	Driver      *DriverInfo `json:"driver,omitempty"`
	AcceptedAt  time.Time   `json:"accepted_at"`
}

type Taken struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
}

type Location struct {
	DriverID string       `json:"driver_id"`
	RideID   string       `json:"ride_id,omitempty"`
	Loc      models.Coord `json:"loc"`
	At       time.Time    `json:"at"`
}

type OTPIssued struct {
	RideID string `json:"ride_id"`
	Code   string `json:"code"`
}

type OTPVerified struct {
	RideID     string    `json:"ride_id"`
	VerifiedAt time.Time `json:"verified_at"`
}

type Completed struct {
	RideID      string           `json:"ride_id"`
	Amount      int64            `json:"amount"`
	Earnings    *models.Earnings `json:"earnings,omitempty"`
	CompletedAt time.Time        `json:"completed_at"`
}

type StatusUpdate struct {
	RideID   string        `json:"ride_id"`
	Status   models.Status `json:"status"`
	DriverID string        `json:"driver_id,omitempty"`
	At       time.Time     `json:"at"`
}

type Cancelled struct {
	RideID string           `json:"ride_id"`
	By     models.ActorKind `json:"by"`
	Reason string           `json:"reason,omitempty"`
	Fee    int64            `json:"fee"`
	Refund int64            `json:"refund"`
	At     time.Time        `json:"at"`
}

type Emergency struct {
	RideID  string        `json:"ride_id,omitempty"`
	From    string        `json:"from"`
	Role    string        `json:"role"`
	Message string        `json:"message,omitempty"`
	Loc     *models.Coord `json:"loc,omitempty"`
	At      time.Time     `json:"at"`
}

type ErrorPayload struct {
	Event   Name   `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Inbound is the closed set of client commands.
type Inbound interface {
	Name() Name
	validate() error
}

type AcceptRideCmd struct {
	RideID      string `json:"ride_id"`
	SubDriverID string `json:"sub_driver_id,omitempty"`
}

type DeclineRideCmd struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason,omitempty"`
}

type JoinRideCmd struct {
	RideID string `json:"ride_id"`
}

type LeaveRideCmd struct {
	RideID string `json:"ride_id"`
}

type UpdateLocationCmd struct {
	RideID string       `json:"ride_id,omitempty"`
	Loc    models.Coord `json:"loc"`
}

type UpdateAvailabilityCmd struct {
	Available *bool `json:"available"`
}

type EmergencyAlertCmd struct {
	RideID  string        `json:"ride_id,omitempty"`
	Message string        `json:"message,omitempty"`
	Loc     *models.Coord `json:"loc,omitempty"`
}

// OTPGeneratedCmd carries a customer-generated code; an empty code asks the
// server to generate one.
type OTPGeneratedCmd struct {
	RideID string `json:"ride_id"`
	Code   string `json:"code,omitempty"`
}

func (AcceptRideCmd) Name() Name         { return AcceptRide }
func (DeclineRideCmd) Name() Name        { return DeclineRide }
func (JoinRideCmd) Name() Name           { return JoinRide }
func (LeaveRideCmd) Name() Name          { return LeaveRide }
func (UpdateLocationCmd) Name() Name     { return UpdateLocation }
func (UpdateAvailabilityCmd) Name() Name { return UpdateAvailability }
func (EmergencyAlertCmd) Name() Name     { return EmergencyAlert }
func (OTPGeneratedCmd) Name() Name       { return OTPGenerated }

func requireRide(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("ride_id is required")
	}
	return nil
}

func (c AcceptRideCmd) validate() error  { return requireRide(c.RideID) }
func (c DeclineRideCmd) validate() error { return requireRide(c.RideID) }
func (c JoinRideCmd) validate() error    { return requireRide(c.RideID) }
func (c LeaveRideCmd) validate() error   { return requireRide(c.RideID) }

func (c UpdateLocationCmd) validate() error {
	if !c.Loc.Valid() {
		return errors.New("loc out of range")
	}
	return nil
}

func (c UpdateAvailabilityCmd) validate() error {
	if c.Available == nil {
		return errors.New("available is required")
	}
	return nil
}

func (c EmergencyAlertCmd) validate() error {
	if c.Loc != nil && !c.Loc.Valid() {
		return errors.New("loc out of range")
	}
	return nil
}

func (c OTPGeneratedCmd) validate() error {
	if err := requireRide(c.RideID); err != nil {
		return err
	}
	for _, r := range strings.TrimSpace(c.Code) {
		if r < '0' || r > '9' {
			return errors.New("code must be numeric")
		}
	}
	return nil
}

// Decode parses and validates one inbound frame.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var in Inbound
	switch env.Event {
	case AcceptRide:
		in = decodeAs[AcceptRideCmd](env.Data)
	case DeclineRide:
		in = decodeAs[DeclineRideCmd](env.Data)
	case JoinRide:
		in = decodeAs[JoinRideCmd](env.Data)
	case LeaveRide:
		in = decodeAs[LeaveRideCmd](env.Data)
	case UpdateLocation:
		in = decodeAs[UpdateLocationCmd](env.Data)
	case UpdateAvailability:
		in = decodeAs[UpdateAvailabilityCmd](env.Data)
	case EmergencyAlert:
		in = decodeAs[EmergencyAlertCmd](env.Data)
	case OTPGenerated:
		in = decodeAs[OTPGeneratedCmd](env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if bad, ok := in.(decodeFailure); ok {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, bad.err)
	}
	if err := in.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
	}
	return in, nil
}

type decodeFailure struct{ err error }

func (decodeFailure) Name() Name        { return "" }
func (d decodeFailure) validate() error { return d.err }

func decodeAs[T Inbound](data json.RawMessage) Inbound {
	var v T
	if len(data) == 0 {
		return v
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return decodeFailure{err: err}
	}
	return v
}
