// Package storage persists rides. Every status-dependent write is a single
// conditional update so concurrent writers cannot both succeed.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound  = errors.New("ride not found")
	ErrDuplicate = errors.New("ride already exists")
	// ErrConflict means the ride exists but did not match the update condition.
	ErrConflict = errors.New("ride did not match update condition")
)

// Cond guards an update. Zero value matches any ride.
type Cond struct {
	Statuses    []models.Status
	DriverUnset bool
	OTPCode     *string
	OTPVerified *bool
}

// Patch lists the fields an update sets. Nil fields are left untouched.
type Patch struct {
	Status       *models.Status
	DriverID     *string
	SubDriverID  *string
	ClearDriver  bool
	OTP          *models.OTP
	Pricing      *models.Pricing
	Cancellation *models.Cancellation
	Earnings     *models.Earnings

	AcceptedAt  *time.Time
	ArrivedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
}

type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	// Update applies p only if the ride matches c, atomically, and returns the
	// ride as written.
	Update(ctx context.Context, id string, c Cond, p Patch) (*models.Ride, error)
	// AddDecline records driverID in the declined set while the ride is open.
	AddDecline(ctx context.Context, id, driverID string) (*models.Ride, error)
	Close() error
}

func (c Cond) Matches(r *models.Ride) bool {
	if len(c.Statuses) > 0 && !r.Status.In(c.Statuses) {
		return false
	}
	if c.DriverUnset && r.DriverID != "" {
		return false
	}
	if c.OTPCode != nil && r.OTP.Code != *c.OTPCode {
		return false
	}
	if c.OTPVerified != nil && r.OTP.Verified != *c.OTPVerified {
		return false
	}
	return true
}

func (p Patch) Apply(r *models.Ride) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.ClearDriver {
		r.DriverID, r.SubDriverID = "", ""
	}
	if p.DriverID != nil {
		r.DriverID = *p.DriverID
	}
	if p.SubDriverID != nil {
		r.SubDriverID = *p.SubDriverID
	}
	if p.OTP != nil {
		r.OTP = *p.OTP
	}
	if p.Pricing != nil {
		r.Pricing = *p.Pricing
	}
	if p.Cancellation != nil {
		c := *p.Cancellation
		r.Cancellation = &c
	}
	if p.Earnings != nil {
		e := *p.Earnings
		r.Earnings = &e
	}
	setTime(&r.AcceptedAt, p.AcceptedAt)
	setTime(&r.ArrivedAt, p.ArrivedAt)
	setTime(&r.StartedAt, p.StartedAt)
	setTime(&r.CompletedAt, p.CompletedAt)
	setTime(&r.CancelledAt, p.CancelledAt)
}

func setTime(dst **time.Time, v *time.Time) {
	if v != nil {
		t := *v
		*dst = &t
	}
}

// Clone deep-copies a ride so callers never share a stored value.
func Clone(r *models.Ride) *models.Ride {
	c := *r
	c.DeclinedBy = append([]string(nil), r.DeclinedBy...)
	if r.Cancellation != nil {
		v := *r.Cancellation
		c.Cancellation = &v
	}
	if r.Earnings != nil {
		v := *r.Earnings
		c.Earnings = &v
	}
	return &c
}
