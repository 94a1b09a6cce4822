package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// StripeClient holds card fares as manual-capture PaymentIntents and settles
// them when the ride ends.
type StripeClient struct {
	currency string
}

func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = string(stripe.CurrencyINR)
	}
	return &StripeClient{currency: currency}
}

// Hold authorises the quoted fare. Amounts are in paise.
func (s *StripeClient) Hold(ctx context.Context, r *models.Ride) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(r.Pricing.FinalAmount),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", r.ID)
	params.AddMetadata("customer_id", r.CustomerID)
	params.SetIdempotencyKey("hold-" + r.ID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("hold fare: %w", err)
	}
	return pi.ID, nil
}

// Capture settles amount out of the held intent; the remainder is released.
func (s *StripeClient) Capture(ctx context.Context, intentID string, amount int64) error {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amount)}
	params.Context = ctx
	if _, err := paymentintent.Capture(intentID, params); err != nil {
		return fmt.Errorf("capture %s: %w", intentID, err)
	}
	return nil
}

// Release drops the hold entirely.
func (s *StripeClient) Release(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := paymentintent.Cancel(intentID, params); err != nil {
		return fmt.Errorf("release %s: %w", intentID, err)
	}
	return nil
}
