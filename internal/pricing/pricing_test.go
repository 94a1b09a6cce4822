package pricing

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestQuoteCar(t *testing.T) {
	c := NewCalculator()
	p := c.Quote(10, 20, models.VehicleCar, 1)
	if p.BaseFare != 5000 || p.DistanceFare != 15000 || p.TimeFare != 4000 {
		t.Fatalf("unexpected breakdown: %+v", p)
	}
	if p.FinalAmount != 24000 {
		t.Fatalf("expected 24000, got %d", p.FinalAmount)
	}
}

func TestQuoteSurgeAndFloor(t *testing.T) {
	c := NewCalculator()
	p := c.Quote(0, 0, models.VehicleBike, 1.5)
	if p.FinalAmount != 3000 {
		t.Fatalf("expected 3000 with 1.5x surge on base, got %d", p.FinalAmount)
	}
	p = c.Quote(0, 0, models.VehicleBike, 0.2)
	if p.Surge != 1 || p.FinalAmount != 2000 {
		t.Fatalf("expected surge clamped to 1, got %+v", p)
	}
}

func TestQuoteUnknownVehicleUsesCarRates(t *testing.T) {
	c := NewCalculator()
	if got := c.Quote(1, 0, models.VehicleClass("boat"), 1).BaseFare; got != 5000 {
		t.Fatalf("expected car base fare, got %d", got)
	}
}

func TestApplyDiscountNeverNegative(t *testing.T) {
	p := ApplyDiscount(models.Pricing{FinalAmount: 1000}, 5000)
	if p.FinalAmount != 0 || p.Discount != 1000 {
		t.Fatalf("unexpected discounted pricing: %+v", p)
	}
}
