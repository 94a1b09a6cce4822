// Package presence is the source of truth for whether a driver is reachable
// and willing to take work right now.
package presence

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("driver presence not found")
	// ErrUnavailable marks a backend failure; callers may retry.
	ErrUnavailable = errors.New("presence store unavailable")
)

type Store interface {
	Register(ctx context.Context, d models.Driver) error
	SetOnline(ctx context.Context, driverID string, online bool) error
	SetAvailable(ctx context.Context, driverID string, available bool) error
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error
	Get(ctx context.Context, driverID string) (models.Driver, error)
	// Candidate re-reads the driver and reports whether it can take the ride now.
	Candidate(ctx context.Context, driverID string, r *models.Ride) (models.Driver, bool, error)
	Nearby(ctx context.Context, loc models.Coord, radiusKm float64, limit int) ([]models.Driver, error)
}

// Eligible is the decision rule shared by every backend.
func Eligible(d models.Driver, r *models.Ride) bool {
	return d.Online && d.Available && r.Accepts(d.Vehicle)
}

// IsCandidate is Candidate without the driver record.
func IsCandidate(ctx context.Context, s Store, driverID string, r *models.Ride) (bool, error) {
	_, ok, err := s.Candidate(ctx, driverID, r)
	return ok, err
}
