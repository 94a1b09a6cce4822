package ride

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	verified   = true
	unverified = false
)

// Accept assigns the ride to the caller if and only if no driver holds it.
// A sub-driver accepts on behalf of its parent; a main driver may name the
// sub-driver who will operate.
func (s *Service) Accept(ctx context.Context, rideID string, actor auth.Identity, subDriverID string) (*models.Ride, error) {
	driverID, subID, err := assignment(actor, subDriverID)
	if err != nil {
		return nil, err
	}
	if actor.Role == auth.RoleDriver && subID != "" {
		if err := s.checkDelegate(ctx, driverID, subID); err != nil {
			return nil, err
		}
	}
	now := s.now().UTC()
	accepted := models.StatusAccepted
	r, err := s.store.Update(ctx, rideID,
		storage.Cond{Statuses: models.OpenStatuses, DriverUnset: true},
		storage.Patch{Status: &accepted, DriverID: &driverID, SubDriverID: &subID, AcceptedAt: &now},
	)
	if err != nil {
		err = s.explainAccept(ctx, rideID, err)
		if errors.Is(err, ErrAlreadyAccepted) {
			observability.AcceptConflicts.Inc()
			s.log.Info("accept lost race", "ride_id", rideID, "driver_id", actor.ID)
		}
		return nil, err
	}

	if s.presence != nil {
		if err := s.presence.SetAvailable(ctx, r.Operator(), false); err != nil {
			s.log.Error("presence busy flag failed", "ride_id", r.ID, "driver_id", r.Operator(), "error", err)
		}
	}
	var offered []string
	if s.dispatch != nil {
		for _, id := range s.dispatch.Offered(r.ID) {
			if !r.HeldBy(id) {
				offered = append(offered, id)
			}
		}
		s.dispatch.Forget(r.ID)
	}
	s.log.Info("ride accepted", "ride_id", r.ID, "driver_id", r.DriverID, "sub_driver_id", r.SubDriverID)
	s.notify(ctx, Change{Kind: ChangeAccepted, Ride: r, Withdraw: offered, At: now})
	return r, nil
}

func assignment(actor auth.Identity, subDriverID string) (driverID, subID string, err error) {
	switch actor.Role {
	case auth.RoleDriver:
		return actor.ID, strings.TrimSpace(subDriverID), nil
	case auth.RoleSubDriver:
		if actor.ParentID == "" {
			return "", "", fmt.Errorf("%w: sub-driver has no parent driver", ErrForbidden)
		}
		return actor.ParentID, actor.ID, nil
	case auth.RoleCustomer, auth.RoleAdmin:
		return "", "", fmt.Errorf("%w: only drivers accept rides", ErrForbidden)
	}
	return "", "", ErrForbidden
}

// checkDelegate requires subID to be a registered sub-driver of parentID.
func (s *Service) checkDelegate(ctx context.Context, parentID, subID string) error {
	if s.presence == nil {
		return fmt.Errorf("%w: sub-driver %s cannot be verified", ErrForbidden, subID)
	}
	d, err := s.presence.Get(ctx, subID)
	if errors.Is(err, presence.ErrNotFound) {
		return fmt.Errorf("%w: unknown sub-driver %s", ErrForbidden, subID)
	}
	if err != nil {
		return fmt.Errorf("look up sub-driver: %w", err)
	}
	if d.Kind != models.DriverSub || d.ParentID != parentID {
		return fmt.Errorf("%w: %s is not your sub-driver", ErrForbidden, subID)
	}
	return nil
}

// explainAccept turns a failed conditional write into the specific outcome.
func (s *Service) explainAccept(ctx context.Context, rideID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if !errors.Is(err, storage.ErrConflict) {
		return err
	}
	cur, gerr := s.store.Get(ctx, rideID)
	if gerr != nil {
		if errors.Is(gerr, storage.ErrNotFound) {
			return ErrNotFound
		}
		return gerr
	}
	if cur.Status == models.StatusCancelled {
		return fmt.Errorf("%w: ride is cancelled", ErrInvalidTransition)
	}
	return ErrAlreadyAccepted
}

// Decline records the pass and re-offers the ride to the remaining pool.
// The ride stays open. A failed re-offer is reported in the result.
func (s *Service) Decline(ctx context.Context, rideID string, actor auth.Identity) (DispatchResult, error) {
	if !actor.Role.IsDriver() {
		return DispatchResult{}, fmt.Errorf("%w: only drivers decline rides", ErrForbidden)
	}
	r, err := s.store.AddDecline(ctx, rideID, actor.ID)
	if err != nil {
		return DispatchResult{}, s.explainAccept(ctx, rideID, err)
	}
	s.log.Info("ride declined", "ride_id", r.ID, "driver_id", actor.ID, "declined", len(r.DeclinedBy))
	res := DispatchResult{Ride: r}
	res.Dispatch, res.DispatchError = s.broadcast(ctx, r, actor.ID)
	return res, nil
}

// Arrive moves accepted -> arrived.
func (s *Service) Arrive(ctx context.Context, rideID string, actor auth.Identity) (*models.Ride, error) {
	return s.advance(ctx, rideID, actor, models.StatusAccepted, models.StatusArrived, ChangeArrived)
}

// Start moves arrived -> started.
func (s *Service) Start(ctx context.Context, rideID string, actor auth.Identity) (*models.Ride, error) {
	return s.advance(ctx, rideID, actor, models.StatusArrived, models.StatusStarted, ChangeStarted)
}

func (s *Service) advance(ctx context.Context, rideID string, actor auth.Identity, from, to models.Status, kind ChangeKind) (*models.Ride, error) {
	cur, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !cur.HeldBy(actor.ID) {
		return nil, fmt.Errorf("%w: not the assigned driver", ErrForbidden)
	}
	now := s.now().UTC()
	patch := storage.Patch{Status: &to}
	switch to {
	case models.StatusArrived:
		patch.ArrivedAt = &now
	case models.StatusStarted:
		patch.StartedAt = &now
	}
	r, err := s.store.Update(ctx, rideID, storage.Cond{Statuses: []models.Status{from}}, patch)
	if err != nil {
		return nil, s.explain(ctx, rideID, err, fmt.Sprintf("%s requires status %s", to, from))
	}
	s.log.Info("ride advanced", "ride_id", r.ID, "status", r.Status, "driver_id", actor.ID)
	s.notify(ctx, Change{Kind: kind, Ride: r, At: now})
	return r, nil
}

// IssueOTP stores a pickup code. An empty code is generated. Only the
// ride's customer or an admin may issue, and only before the trip ends.
func (s *Service) IssueOTP(ctx context.Context, rideID string, actor auth.Identity, code string) (*models.Ride, error) {
	cur, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !(actor.Role == auth.RoleAdmin || (actor.Role == auth.RoleCustomer && actor.ID == cur.CustomerID)) {
		return nil, fmt.Errorf("%w: only the ride's customer issues the pickup code", ErrForbidden)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		if code, err = s.policy.NewOTP(); err != nil {
			return nil, fmt.Errorf("generate otp: %w", err)
		}
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: otp must be numeric", ErrBadRequest)
		}
	}
	now := s.now().UTC()
	r, err := s.store.Update(ctx, rideID,
		storage.Cond{Statuses: models.ActiveStatuses, OTPVerified: &unverified},
		storage.Patch{OTP: &models.OTP{Code: code, GeneratedAt: &now}},
	)
	if err != nil {
		return nil, s.explain(ctx, rideID, err, "otp can only be issued on an active, unverified ride")
	}
	s.log.Info("otp issued", "ride_id", r.ID)
	s.notify(ctx, Change{Kind: ChangeOTPIssued, Ride: r, At: now})
	return r, nil
}

// VerifyOTP compares the entered code with the stored one after trimming
// whitespace. A mismatch changes nothing. Re-verifying is a no-op.
func (s *Service) VerifyOTP(ctx context.Context, rideID string, actor auth.Identity, entered string) (*models.Ride, error) {
	cur, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !cur.HeldBy(actor.ID) {
		return nil, fmt.Errorf("%w: not the assigned driver", ErrForbidden)
	}
	if !cur.Status.In([]models.Status{models.StatusAccepted, models.StatusArrived, models.StatusStarted}) {
		return nil, fmt.Errorf("%w: otp is verified between accept and completion", ErrInvalidTransition)
	}
	stored := strings.TrimSpace(cur.OTP.Code)
	if stored == "" || strings.TrimSpace(entered) != stored {
		return nil, ErrInvalidOTP
	}
	if cur.OTP.Verified {
		return cur, nil
	}
	now := s.now().UTC()
	otp := cur.OTP
	otp.Verified, otp.VerifiedAt = true, &now
	r, err := s.store.Update(ctx, rideID,
		storage.Cond{
			Statuses:    []models.Status{models.StatusAccepted, models.StatusArrived, models.StatusStarted},
			OTPCode:     &cur.OTP.Code,
			OTPVerified: &unverified,
		},
		storage.Patch{OTP: &otp},
	)
	if err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return nil, s.explain(ctx, rideID, err, "")
		}
		again, gerr := s.Get(ctx, rideID)
		switch {
		case gerr != nil:
			return nil, gerr
		case again.OTP.Verified && again.OTP.Code == cur.OTP.Code:
			return again, nil
		case again.OTP.Code != cur.OTP.Code:
			return nil, ErrInvalidOTP
		}
		return nil, fmt.Errorf("%w: ride moved to %s", ErrInvalidTransition, again.Status)
	}
	s.log.Info("otp verified", "ride_id", r.ID, "driver_id", actor.ID)
	s.notify(ctx, Change{Kind: ChangeOTPVerified, Ride: r, At: now})
	return r, nil
}

// Complete finishes a started ride whose pickup code was verified, records
// earnings and settles the held payment.
func (s *Service) Complete(ctx context.Context, rideID string, actor auth.Identity) (*models.Ride, error) {
	cur, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !cur.HeldBy(actor.ID) {
		return nil, fmt.Errorf("%w: not the assigned driver", ErrForbidden)
	}
	if err := completable(cur); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	completed := models.StatusCompleted
	patch := storage.Patch{Status: &completed, CompletedAt: &now}
	price := cur.Pricing
	if price.FinalAmount <= 0 {
		price = s.pricing.Quote(geo.DistanceKm(cur.Pickup.Loc, cur.Destination.Loc),
			s.eta.Minutes(cur.Pickup.Loc, cur.Destination.Loc), cur.Vehicle, 1)
		patch.Pricing = &price
		s.log.Warn("ride had no fare; filled default quote", "ride_id", cur.ID, "fare", price.FinalAmount)
	}
	earnings := s.policy.Earnings(price.FinalAmount)
	patch.Earnings = &earnings

	r, err := s.store.Update(ctx, rideID,
		storage.Cond{Statuses: []models.Status{models.StatusStarted}, OTPVerified: &verified}, patch)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			if again, gerr := s.Get(ctx, rideID); gerr == nil {
				if cerr := completable(again); cerr != nil {
					return nil, cerr
				}
			}
			return nil, fmt.Errorf("%w: ride changed concurrently", ErrInvalidTransition)
		}
		return nil, s.explain(ctx, rideID, err, "")
	}

	s.release(ctx, r)
	if r.PaymentIntent != "" && s.payments != nil {
		if err := s.payments.Capture(ctx, r.PaymentIntent, r.Pricing.FinalAmount); err != nil {
			s.log.Error("fare capture failed", "ride_id", r.ID, "error", err)
		}
	}
	s.log.Info("ride completed", "ride_id", r.ID, "fare", r.Pricing.FinalAmount, "net", earnings.Net)
	s.notify(ctx, Change{Kind: ChangeCompleted, Ride: r, At: now})
	return r, nil
}

func completable(r *models.Ride) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: ride is %s", ErrInvalidTransition, r.Status)
	}
	if !r.OTP.Verified {
		return ErrOTPNotVerified
	}
	if r.Status != models.StatusStarted {
		return fmt.Errorf("%w: complete requires status started", ErrInvalidTransition)
	}
	return nil
}

// Cancel ends any non-terminal ride. The fee is computed against the status
// the write is conditioned on, so a concurrent accept re-prices the cancel.
func (s *Service) Cancel(ctx context.Context, rideID string, actor auth.Identity, by models.ActorKind, reason string) (*models.Ride, error) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		cur, err := s.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if err := canCancel(cur, actor, by); err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			return nil, fmt.Errorf("%w: ride is already %s", ErrInvalidTransition, cur.Status)
		}

		fee, refund := s.policy.CancellationFee(cur.Status, cur.Pricing.FinalAmount)
		now := s.now().UTC()
		cancelled := models.StatusCancelled
		r, err := s.store.Update(ctx, rideID,
			storage.Cond{Statuses: []models.Status{cur.Status}},
			storage.Patch{
				Status:      &cancelled,
				ClearDriver: true,
				CancelledAt: &now,
				Cancellation: &models.Cancellation{
					By: by, ActorID: actor.ID, Reason: strings.TrimSpace(reason), Fee: fee, Refund: refund,
				},
			},
		)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, s.explain(ctx, rideID, err, "")
		}

		offered := s.offeredFor(cur)
		if s.dispatch != nil {
			s.dispatch.Forget(r.ID)
		}
		s.release(ctx, cur)
		s.settleCancel(ctx, r, fee)
		s.log.Info("ride cancelled", "ride_id", r.ID, "by", by, "fee", fee, "refund", refund, "from", cur.Status)
		s.notify(ctx, Change{Kind: ChangeCancelled, Ride: r, Withdraw: offered, At: now})
		return r, nil
	}
	return nil, fmt.Errorf("%w: ride kept changing during cancel", ErrInvalidTransition)
}

func (s *Service) offeredFor(r *models.Ride) []string {
	if !r.Status.Open() {
		var held []string
		for _, id := range []string{r.DriverID, r.SubDriverID} {
			if id != "" {
				held = append(held, id)
			}
		}
		return held
	}
	if s.dispatch == nil {
		return nil
	}
	return s.dispatch.Offered(r.ID)
}

func (s *Service) settleCancel(ctx context.Context, r *models.Ride, fee int64) {
	if r.PaymentIntent == "" || s.payments == nil {
		return
	}
	var err error
	if fee > 0 {
		err = s.payments.Capture(ctx, r.PaymentIntent, fee)
	} else {
		err = s.payments.Release(ctx, r.PaymentIntent)
	}
	if err != nil {
		s.log.Error("cancellation settlement failed", "ride_id", r.ID, "fee", fee, "error", err)
	}
}

func canCancel(r *models.Ride, actor auth.Identity, by models.ActorKind) error {
	switch by {
	case models.ActorCustomer:
		if actor.ID != r.CustomerID {
			return fmt.Errorf("%w: not the ride's customer", ErrForbidden)
		}
	case models.ActorDriver:
		if !r.HeldBy(actor.ID) {
			return fmt.Errorf("%w: not the assigned driver", ErrForbidden)
		}
	case models.ActorSystem:
		if actor.Role != auth.RoleAdmin {
			return fmt.Errorf("%w: system cancellation requires admin", ErrForbidden)
		}
	default:
		return fmt.Errorf("%w: unknown actor %q", ErrBadRequest, by)
	}
	return nil
}

// ActorFor maps a caller's role to the cancellation actor kind.
func ActorFor(id auth.Identity) models.ActorKind {
	switch id.Role {
	case auth.RoleCustomer:
		return models.ActorCustomer
	case auth.RoleDriver, auth.RoleSubDriver:
		return models.ActorDriver
	case auth.RoleAdmin:
		return models.ActorSystem
	}
	return models.ActorSystem
}

// explain maps a failed conditional write to a lifecycle error.
func (s *Service) explain(ctx context.Context, rideID string, err error, msg string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrConflict):
		if cur, gerr := s.store.Get(ctx, rideID); gerr == nil {
			msg = strings.TrimSpace(fmt.Sprintf("%s (status %s)", msg, cur.Status))
		}
		return fmt.Errorf("%w: %s", ErrInvalidTransition, msg)
	}
	return err
}
