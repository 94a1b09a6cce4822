package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

func newRide() *models.Ride {
	return &models.Ride{
		ID:          uuid.NewString(),
		CustomerID:  "c1",
		Vehicle:     models.VehicleCar,
		Service:     models.ServiceRide,
		Status:      models.StatusPending,
		Pickup:      models.Place{Address: "MG Road", Loc: models.Coord{Lat: 12.97, Lon: 77.59}},
		Destination: models.Place{Address: "Indiranagar", Loc: models.Coord{Lat: 12.97, Lon: 77.64}},
		Pricing:     models.Pricing{FinalAmount: 8500, Surge: 1},
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func ptr[T any](v T) *T { return &v }

func exerciseStore(t *testing.T, s RideStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		r := newRide()
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.Create(ctx, r); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
		got, err := s.Get(ctx, r.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != models.StatusPending || got.DriverID != "" || got.Pricing.FinalAmount != 8500 {
			t.Fatalf("unexpected ride %+v", got)
		}
		if _, err := s.Get(ctx, "missing-"+r.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("concurrent accept has one winner", func(t *testing.T) {
		r := newRide()
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
		const n = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
			losers  int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(driver string) {
				defer wg.Done()
				now := time.Now()
				_, err := s.Update(ctx, r.ID,
					Cond{Statuses: models.OpenStatuses, DriverUnset: true},
					Patch{Status: ptr(models.StatusAccepted), DriverID: &driver, AcceptedAt: &now})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners = append(winners, driver)
				case errors.Is(err, ErrConflict):
					losers++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(uuid.NewString())
		}
		wg.Wait()
		if len(winners) != 1 || losers != n-1 {
			t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", n-1, len(winners), losers)
		}
		got, _ := s.Get(ctx, r.ID)
		if got.DriverID != winners[0] || got.Status != models.StatusAccepted || got.AcceptedAt == nil {
			t.Fatalf("stored ride does not reflect winner: %+v", got)
		}
	})

	t.Run("conditional update and clear driver", func(t *testing.T) {
		r := newRide()
		_ = s.Create(ctx, r)
		_, err := s.Update(ctx, r.ID, Cond{OTPVerified: ptr(true)}, Patch{Status: ptr(models.StatusCompleted)})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if _, err := s.Update(ctx, "missing-"+r.ID, Cond{}, Patch{Status: ptr(models.StatusCancelled)}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		now := time.Now()
		_, err = s.Update(ctx, r.ID, Cond{Statuses: models.OpenStatuses, DriverUnset: true},
			Patch{Status: ptr(models.StatusAccepted), DriverID: ptr("d1"), SubDriverID: ptr("sd1"), AcceptedAt: &now})
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		got, err := s.Update(ctx, r.ID, Cond{Statuses: models.ActiveStatuses}, Patch{
			Status:       ptr(models.StatusCancelled),
			ClearDriver:  true,
			CancelledAt:  &now,
			Cancellation: &models.Cancellation{By: models.ActorCustomer, Fee: 850, Refund: 7650},
		})
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got.DriverID != "" || got.SubDriverID != "" || got.Cancellation == nil || got.Cancellation.Refund != 7650 {
			t.Fatalf("unexpected cancelled ride %+v", got)
		}
	})

	t.Run("decline", func(t *testing.T) {
		r := newRide()
		_ = s.Create(ctx, r)
		for i := 0; i < 2; i++ {
			if _, err := s.AddDecline(ctx, r.ID, "d1"); err != nil {
				t.Fatalf("decline: %v", err)
			}
		}
		got, _ := s.AddDecline(ctx, r.ID, "d2")
		if len(got.DeclinedBy) != 2 || got.Status != models.StatusPending || got.DriverID != "" {
			t.Fatalf("unexpected ride after declines %+v", got)
		}
		_, _ = s.Update(ctx, r.ID, Cond{}, Patch{Status: ptr(models.StatusAccepted), DriverID: ptr("d3")})
		if _, err := s.AddDecline(ctx, r.ID, "d4"); !errors.Is(err, ErrConflict) {
			t.Fatalf("declining an assigned ride should conflict, got %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newRide()
	_ = s.Create(ctx, r)
	r.Status = models.StatusCancelled
	got, _ := s.Get(ctx, r.ID)
	got.DeclinedBy = append(got.DeclinedBy, "x")
	again, _ := s.Get(ctx, r.ID)
	if again.Status != models.StatusPending || len(again.DeclinedBy) != 0 {
		t.Fatalf("store leaked a shared value: %+v", again)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("RIDE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("RIDE_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	ddl, err := os.ReadFile("../../migrations/001_create_rides.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if err := s.Exec(ctx, string(ddl)); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exerciseStore(t, s)
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("RIDE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("RIDE_TEST_MONGO_URI not set")
	}
	s, err := NewMongoStore(context.Background(), uri, "ride_dispatch_test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}
