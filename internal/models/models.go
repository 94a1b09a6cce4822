package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lon float64 `json:"lon" bson:"lon"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Place struct {
	Address string `json:"address" bson:"address"`
	Loc     Coord  `json:"loc" bson:"loc"`
}

type VehicleClass string

const (
	VehicleBike  VehicleClass = "bike"
	VehicleAuto  VehicleClass = "auto"
	VehicleCar   VehicleClass = "car"
	VehicleTruck VehicleClass = "truck"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleBike, VehicleAuto, VehicleCar, VehicleTruck:
		return true
	}
	return false
}

type ServiceType string

const (
	ServiceRide      ServiceType = "ride"
	ServiceDelivery  ServiceType = "delivery"
	ServiceIntercity ServiceType = "intercity"
	ServiceRental    ServiceType = "rental"
)

func (s ServiceType) Valid() bool {
	switch s {
	case ServiceRide, ServiceDelivery, ServiceIntercity, ServiceRental:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusSearching Status = "searching"
	StatusAccepted  Status = "accepted"
	StatusArrived   Status = "arrived"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// OpenStatuses are the states in which a ride has no driver and can be accepted.
var OpenStatuses = []Status{StatusPending, StatusSearching}

// ActiveStatuses are the non-terminal states.
var ActiveStatuses = []Status{StatusPending, StatusSearching, StatusAccepted, StatusArrived, StatusStarted}

// AssignedStatuses are the states in which a driver holds the ride.
var AssignedStatuses = []Status{StatusAccepted, StatusArrived, StatusStarted, StatusCompleted}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

func (s Status) Open() bool { return s == StatusPending || s == StatusSearching }

func (s Status) In(set []Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Pricing is the fare snapshot taken at creation. Amounts are in paise.
type Pricing struct {
	DistanceKm   float64 `json:"distance_km" bson:"distance_km"`
	DurationMin  float64 `json:"duration_min" bson:"duration_min"`
	BaseFare     int64   `json:"base_fare" bson:"base_fare"`
	DistanceFare int64   `json:"distance_fare" bson:"distance_fare"`
	TimeFare     int64   `json:"time_fare" bson:"time_fare"`
	Surge        float64 `json:"surge_multiplier" bson:"surge_multiplier"`
	Discount     int64   `json:"discount" bson:"discount"`
	FinalAmount  int64   `json:"final_amount" bson:"final_amount"`
}

type OTP struct {
	Code        string     `json:"-" bson:"code"`
	GeneratedAt *time.Time `json:"generated_at,omitempty" bson:"generated_at,omitempty"`
	Verified    bool       `json:"verified" bson:"verified"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty" bson:"verified_at,omitempty"`
}

type ActorKind string

const (
	ActorCustomer ActorKind = "customer"
	ActorDriver   ActorKind = "driver"
	ActorSystem   ActorKind = "system"
)

type Cancellation struct {
	By      ActorKind `json:"by" bson:"by"`
	ActorID string    `json:"actor_id,omitempty" bson:"actor_id,omitempty"`
	Reason  string    `json:"reason,omitempty" bson:"reason,omitempty"`
	Fee     int64     `json:"fee" bson:"fee"`
	Refund  int64     `json:"refund" bson:"refund"`
}

type Earnings struct {
	Gross      int64 `json:"gross" bson:"gross"`
	Commission int64 `json:"commission" bson:"commission"`
	Net        int64 `json:"net" bson:"net"`
}

type Ride struct {
	ID            string       `json:"id" bson:"_id"`
	CustomerID    string       `json:"customer_id" bson:"customer_id"`
	CustomerEmail string       `json:"customer_email,omitempty" bson:"customer_email,omitempty"`
	DriverID      string       `json:"driver_id,omitempty" bson:"driver_id,omitempty"`
	SubDriverID   string       `json:"sub_driver_id,omitempty" bson:"sub_driver_id,omitempty"`
	Vehicle       VehicleClass `json:"vehicle_class" bson:"vehicle_class"`
	Service       ServiceType  `json:"service_type" bson:"service_type"`
	Status        Status       `json:"status" bson:"status"`
	Pickup        Place        `json:"pickup" bson:"pickup"`
	Destination   Place        `json:"destination" bson:"destination"`
	Pricing       Pricing      `json:"pricing" bson:"pricing"`
	OTP           OTP          `json:"otp" bson:"otp"`
	DeclinedBy    []string     `json:"declined_by,omitempty" bson:"declined_by,omitempty"`
	PaymentIntent string       `json:"payment_intent,omitempty" bson:"payment_intent,omitempty"`

	Cancellation *Cancellation `json:"cancellation,omitempty" bson:"cancellation,omitempty"`
	Earnings     *Earnings     `json:"earnings,omitempty" bson:"earnings,omitempty"`

	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty" bson:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty" bson:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" bson:"cancelled_at,omitempty"`
}

// Operator is the identity physically driving: the sub-driver when one was
// delegated, otherwise the assigned driver.
func (r *Ride) Operator() string {
	if r.SubDriverID != "" {
		return r.SubDriverID
	}
	return r.DriverID
}

// HeldBy reports whether id is the assigned driver or its active sub-driver.
func (r *Ride) HeldBy(id string) bool {
	if id == "" {
		return false
	}
	return id == r.DriverID || id == r.SubDriverID
}

func (r *Ride) Declined(driverID string) bool {
	for _, d := range r.DeclinedBy {
		if d == driverID {
			return true
		}
	}
	return false
}

// Accepts reports whether a driver with the given vehicle can serve the ride.
// Deliveries take any two/three/four wheeler; passenger rides need an exact class.
func (r *Ride) Accepts(v VehicleClass) bool {
	if r.Service == ServiceDelivery {
		switch v {
		case VehicleBike, VehicleAuto, VehicleCar:
			return true
		}
		return false
	}
	return v == r.Vehicle
}

type DriverKind string

const (
	DriverMain DriverKind = "main"
	DriverSub  DriverKind = "sub"
)

// Driver is the presence record of a main driver or sub-driver.
type Driver struct {
	ID        string       `json:"id"`
	Kind      DriverKind   `json:"kind"`
	ParentID  string       `json:"parent_id,omitempty"`
	Vehicle   VehicleClass `json:"vehicle_class"`
	Online    bool         `json:"online"`
	Available bool         `json:"available"`
	Loc       Coord        `json:"loc"`
	LastSeen  time.Time    `json:"last_seen"`
	Updated   time.Time    `json:"updated"`
}

// LocationPing is a single position report, as streamed through Kafka.
type LocationPing struct {
	DriverID string    `json:"driver_id"`
	RideID   string    `json:"ride_id,omitempty"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}
