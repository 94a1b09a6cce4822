// Package matcher orders dispatch candidates by estimated time to pickup.
package matcher

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
)

type Candidate struct {
	Driver     models.Driver
	ETASeconds float64
}

type Service struct {
	ETA *eta.Estimator
}

func New(est *eta.Estimator) *Service {
	if est == nil {
		est = &eta.Estimator{}
	}
	return &Service{ETA: est}
}

// Rank sorts drivers by ETA to pickup, nearest first. Drivers that never
// reported a position sort last.
func (s *Service) Rank(pickup models.Coord, drivers []models.Driver) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		sec := math.Inf(1)
		if d.Loc != (models.Coord{}) {
			sec = s.ETA.Seconds(d.Loc, pickup)
		}
		out = append(out, Candidate{Driver: d, ETASeconds: sec})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ETASeconds != out[j].ETASeconds {
			return out[i].ETASeconds < out[j].ETASeconds
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	return out
}
