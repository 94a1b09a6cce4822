package matcher

import (
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
)

type fixedClient struct{ secs map[string]float64 }

func (f *fixedClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	for id, c := range map[string]models.Coord{"A": {Lat: 1, Lon: 1}, "B": {Lat: 2, Lon: 2}} {
		if c == from {
			return f.secs[id], nil
		}
	}
	return 0, nil
}

func TestRankNearestFirst(t *testing.T) {
	s := New(&eta.Estimator{SpeedMps: 10})
	pickup := models.Coord{Lat: 12.97, Lon: 77.59}
	got := s.Rank(pickup, []models.Driver{
		{ID: "far", Loc: models.Coord{Lat: 13.05, Lon: 77.59}},
		{ID: "ghost"},
		{ID: "near", Loc: models.Coord{Lat: 12.975, Lon: 77.59}},
	})
	if got[0].Driver.ID != "near" || got[1].Driver.ID != "far" || got[2].Driver.ID != "ghost" {
		t.Fatalf("unexpected order: %s %s %s", got[0].Driver.ID, got[1].Driver.ID, got[2].Driver.ID)
	}
	if !math.IsInf(got[2].ETASeconds, 1) {
		t.Fatalf("driver without a position should have infinite ETA")
	}
}

func TestRankUsesRoutingClient(t *testing.T) {
	s := New(&eta.Estimator{Client: &fixedClient{secs: map[string]float64{"A": 900, "B": 120}}})
	got := s.Rank(models.Coord{Lat: 0, Lon: 0}, []models.Driver{
		{ID: "A", Loc: models.Coord{Lat: 1, Lon: 1}},
		{ID: "B", Loc: models.Coord{Lat: 2, Lon: 2}},
	})
	if got[0].Driver.ID != "B" || got[0].ETASeconds != 120 {
		t.Fatalf("expected routed ETA ordering, got %+v", got)
	}
}
