// Package pricing quotes fares. Amounts are integer paise.
package pricing

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

type Rate struct {
	BaseFare int64
	PerKm    int64
	PerMin   int64
}

// Calculator holds the per-vehicle rate card.
type Calculator struct {
	rates map[models.VehicleClass]Rate
}

func DefaultRates() map[models.VehicleClass]Rate {
	return map[models.VehicleClass]Rate{
		models.VehicleBike:  {BaseFare: 2000, PerKm: 800, PerMin: 100},
		models.VehicleAuto:  {BaseFare: 3000, PerKm: 1200, PerMin: 150},
		models.VehicleCar:   {BaseFare: 5000, PerKm: 1500, PerMin: 200},
		models.VehicleTruck: {BaseFare: 15000, PerKm: 3000, PerMin: 300},
	}
}

func NewCalculator() *Calculator {
	return &Calculator{rates: DefaultRates()}
}

func NewCalculatorWithRates(rates map[models.VehicleClass]Rate) *Calculator {
	return &Calculator{rates: rates}
}

func (c *Calculator) rate(v models.VehicleClass) Rate {
	if r, ok := c.rates[v]; ok {
		return r
	}
	return c.rates[models.VehicleCar]
}

// Quote is deterministic: the same inputs always give the same breakdown.
// A surge below 1 is treated as no surge.
func (c *Calculator) Quote(distanceKm, durationMin float64, v models.VehicleClass, surge float64) models.Pricing {
	if surge < 1 {
		surge = 1
	}
	if distanceKm < 0 {
		distanceKm = 0
	}
	if durationMin < 0 {
		durationMin = 0
	}
	r := c.rate(v)
	p := models.Pricing{
		DistanceKm:   round2(distanceKm),
		DurationMin:  round2(durationMin),
		BaseFare:     r.BaseFare,
		DistanceFare: int64(math.Round(distanceKm * float64(r.PerKm))),
		TimeFare:     int64(math.Round(durationMin * float64(r.PerMin))),
		Surge:        surge,
	}
	subtotal := float64(p.BaseFare + p.DistanceFare + p.TimeFare)
	p.FinalAmount = int64(math.Round(subtotal * surge))
	return p
}

// ApplyDiscount subtracts a discount, never letting the amount go negative.
func ApplyDiscount(p models.Pricing, discount int64) models.Pricing {
	if discount <= 0 {
		return p
	}
	if discount > p.FinalAmount {
		discount = p.FinalAmount
	}
	p.Discount = discount
	p.FinalAmount -= discount
	return p
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
