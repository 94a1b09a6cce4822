// Package ride is the ride lifecycle state machine. Every transition is one
// conditional write to the store followed by exactly one lifecycle change
// handed to the Notifier. Notification and dispatch failures are logged and
// never undo a committed transition.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

// ChangeKind names a committed lifecycle transition.
type ChangeKind string

const (
	ChangeAccepted    ChangeKind = "accepted"
	ChangeArrived     ChangeKind = "arrived"
	ChangeStarted     ChangeKind = "started"
	ChangeOTPIssued   ChangeKind = "otp_issued"
	ChangeOTPVerified ChangeKind = "otp_verified"
	ChangeCompleted   ChangeKind = "completed"
	ChangeCancelled   ChangeKind = "cancelled"
)

// Change is one committed transition. Withdraw lists drivers whose view of
// the ride is now stale: losing candidates on accept, the former holder or
// outstanding candidates on cancel.
type Change struct {
	Kind     ChangeKind
	Ride     *models.Ride
	Withdraw []string
	At       time.Time
}

// Notifier delivers committed changes to interested parties.
type Notifier interface {
	Notify(ctx context.Context, c Change) error
}

// Dispatcher offers open rides to drivers and remembers who was offered.
type Dispatcher interface {
	Broadcast(ctx context.Context, r *models.Ride) (dispatch.Result, error)
	Rebroadcast(ctx context.Context, r *models.Ride, driverID string) (dispatch.Result, error)
	Offered(rideID string) []string
	Forget(rideID string)
}

// Presence is the part of the presence store the lifecycle needs.
type Presence interface {
	Get(ctx context.Context, driverID string) (models.Driver, error)
	SetAvailable(ctx context.Context, driverID string, available bool) error
}

// Payments holds, captures and releases card payments.
type Payments interface {
	Hold(ctx context.Context, r *models.Ride) (string, error)
	Capture(ctx context.Context, intentID string, amount int64) error
	Release(ctx context.Context, intentID string) error
}

// Service runs ride transitions against a RideStore.
type Service struct {
	store    storage.RideStore
	dispatch Dispatcher
	notifier Notifier
	presence Presence
	payments Payments
	pricing  *pricing.Calculator
	eta      *eta.Estimator
	policy   Policy
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithPayments(p Payments) Option       { return func(s *Service) { s.payments = p } }
func WithPolicy(p Policy) Option           { return func(s *Service) { s.policy = p } }
func WithPricing(c *pricing.Calculator) Option { return func(s *Service) { s.pricing = c } }
func WithETA(e *eta.Estimator) Option      { return func(s *Service) { s.eta = e } }
func WithLogger(l *slog.Logger) Option     { return func(s *Service) { s.log = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService builds a Service with default pricing, ETA and policy.
func NewService(store storage.RideStore, d Dispatcher, n Notifier, p Presence, opts ...Option) *Service {
	s := &Service{
		store:    store,
		dispatch: d,
		notifier: n,
		presence: p,
		pricing:  pricing.NewCalculator(),
		eta:      &eta.Estimator{},
		policy:   DefaultPolicy(),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateRequest struct {
	CustomerID    string              `json:"-"`
	CustomerEmail string              `json:"-"`
	Vehicle       models.VehicleClass `json:"vehicle_class"`
	Service       models.ServiceType  `json:"service_type"`
	Pickup        models.Place        `json:"pickup"`
	Destination   models.Place        `json:"destination"`
	Surge         float64             `json:"surge_multiplier,omitempty"`
	Discount      int64               `json:"discount,omitempty"`
	PaymentMethod string              `json:"payment_method,omitempty"`
}

func (r CreateRequest) validate() error {
	var problems []string
	if r.CustomerID == "" {
		problems = append(problems, "customer is required")
	}
	if !r.Vehicle.Valid() {
		problems = append(problems, fmt.Sprintf("unknown vehicle_class %q", r.Vehicle))
	}
	if !r.Service.Valid() {
		problems = append(problems, fmt.Sprintf("unknown service_type %q", r.Service))
	}
	if !r.Pickup.Loc.Valid() || !r.Destination.Loc.Valid() {
		problems = append(problems, "pickup and destination must be valid coordinates")
	}
	if r.Discount < 0 {
		problems = append(problems, "discount must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrBadRequest, strings.Join(problems, "; "))
	}
	return nil
}

// DispatchResult is a ride together with the outcome of offering it.
type DispatchResult struct {
	Ride          *models.Ride    `json:"ride"`
	Dispatch      dispatch.Result `json:"dispatch"`
	DispatchError string          `json:"dispatch_error,omitempty"`
}

// Create quotes, stores and dispatches a new ride. A dispatch failure is
// reported in the result, never as an error.
func (s *Service) Create(ctx context.Context, req CreateRequest) (DispatchResult, error) {
	if req.Service == "" {
		req.Service = models.ServiceRide
	}
	if err := req.validate(); err != nil {
		return DispatchResult{}, err
	}
	r := &models.Ride{
		ID:            uuid.NewString(),
		CustomerID:    req.CustomerID,
		CustomerEmail: req.CustomerEmail,
		Vehicle:       req.Vehicle,
		Service:       req.Service,
		Status:        models.StatusPending,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		Pricing:       pricing.ApplyDiscount(s.quote(req.Pickup.Loc, req.Destination.Loc, req.Vehicle, req.Surge), req.Discount),
		CreatedAt:     s.now().UTC(),
	}
	if strings.EqualFold(req.PaymentMethod, "card") && s.payments != nil {
		intent, err := s.payments.Hold(ctx, r)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("%w: %v", ErrPayment, err)
		}
		r.PaymentIntent = intent
	}
	if err := s.store.Create(ctx, r); err != nil {
		return DispatchResult{}, fmt.Errorf("store ride: %w", err)
	}
	observability.RidesCreated.Inc()
	s.log.Info("ride created", "ride_id", r.ID, "customer_id", r.CustomerID, "vehicle", r.Vehicle, "service", r.Service, "fare", r.Pricing.FinalAmount)

	res := DispatchResult{Ride: r}
	res.Dispatch, res.DispatchError = s.broadcast(ctx, r, "")
	if res.DispatchError == "" {
		searching := models.StatusSearching
		if updated, err := s.store.Update(ctx, r.ID, storage.Cond{Statuses: []models.Status{models.StatusPending}}, storage.Patch{Status: &searching}); err == nil {
			res.Ride = updated
		}
	}
	return res, nil
}

func (s *Service) broadcast(ctx context.Context, r *models.Ride, declinedBy string) (dispatch.Result, string) {
	if s.dispatch == nil {
		return dispatch.Result{}, "dispatch disabled"
	}
	var (
		res dispatch.Result
		err error
	)
	if declinedBy == "" {
		res, err = s.dispatch.Broadcast(ctx, r)
	} else {
		res, err = s.dispatch.Rebroadcast(ctx, r, declinedBy)
	}
	if err != nil {
		s.log.Warn("dispatch failed", "ride_id", r.ID, "error", err)
		return res, err.Error()
	}
	return res, ""
}

func (s *Service) quote(from, to models.Coord, v models.VehicleClass, surge float64) models.Pricing {
	return s.pricing.Quote(geo.DistanceKm(from, to), s.eta.Minutes(from, to), v, surge)
}

func (s *Service) Get(ctx context.Context, id string) (*models.Ride, error) {
	r, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *Service) notify(ctx context.Context, c Change) {
	observability.RideTransitions.WithLabelValues(string(c.Ride.Status)).Inc()
	if s.notifier == nil {
		return
	}
	if c.At.IsZero() {
		c.At = s.now().UTC()
	}
	if err := s.notifier.Notify(ctx, c); err != nil {
		s.log.Warn("lifecycle notification failed", "ride_id", c.Ride.ID, "change", c.Kind, "error", err)
	}
}

// release marks the acting operator free for new offers again.
func (s *Service) release(ctx context.Context, r *models.Ride) {
	op := r.Operator()
	if op == "" || s.presence == nil {
		return
	}
	if err := s.presence.SetAvailable(ctx, op, true); err != nil {
		s.log.Warn("presence release failed", "ride_id", r.ID, "driver_id", op, "error", err)
	}
}
