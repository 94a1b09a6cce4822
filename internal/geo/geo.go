// Package geo holds the great-circle math shared by pricing, presence and
// candidate ranking.
package geo

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusM = 6371000.0

func rad(deg float64) float64 { return deg * math.Pi / 180 }

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	sinLat := math.Sin(rad(lat2-lat1) / 2)
	sinLon := math.Sin(rad(lon2-lon1) / 2)
	h := sinLat*sinLat + math.Cos(rad(lat1))*math.Cos(rad(lat2))*sinLon*sinLon
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}

// Nearest returns up to limit drivers within radiusKm of origin, closest
// first, ties by id. A non-positive radius or limit disables that bound.
func Nearest(origin models.Coord, drivers []models.Driver, radiusKm float64, limit int) []models.Driver {
	type hit struct {
		d  models.Driver
		km float64
	}
	hits := make([]hit, 0, len(drivers))
	for _, d := range drivers {
		km := DistanceKm(origin, d.Loc)
		if radiusKm > 0 && km > radiusKm {
			continue
		}
		hits = append(hits, hit{d, km})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].km != hits[j].km {
			return hits[i].km < hits[j].km
		}
		return hits[i].d.ID < hits[j].d.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]models.Driver, len(hits))
	for i, h := range hits {
		out[i] = h.d
	}
	return out
}
