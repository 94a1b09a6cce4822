package geo

import (
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmOneDegreeLatitude(t *testing.T) {
	d := DistanceKm(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	if math.Abs(d-111.19) > 0.1 {
		t.Fatalf("expected ~111.19km, got %f", d)
	}
}

func TestNearestOrdersAndFilters(t *testing.T) {
	origin := models.Coord{Lat: 12.97, Lon: 77.59}
	drivers := []models.Driver{
		{ID: "far", Loc: models.Coord{Lat: 13.50, Lon: 77.59}},
		{ID: "near", Loc: models.Coord{Lat: 12.971, Lon: 77.59}},
		{ID: "mid", Loc: models.Coord{Lat: 12.99, Lon: 77.59}},
	}
	got := Nearest(origin, drivers, 10, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 drivers within 10km, got %d", len(got))
	}
	if got[0].ID != "near" || got[1].ID != "mid" {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}

	got = Nearest(origin, drivers, 0, 1)
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("expected only nearest driver, got %+v", got)
	}
}
