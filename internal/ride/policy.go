package ride

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/example/ride-dispatch/internal/models"
)

// Policy holds the money and code rules applied by transitions.
type Policy struct {
	CancelFeePercent  int64
	CancelFeeCap      int64
	CommissionPercent int64
	OTPDigits         int
}

func DefaultPolicy() Policy {
	return Policy{CancelFeePercent: 10, CancelFeeCap: 5000, CommissionPercent: 20, OTPDigits: 4}
}

// CancellationFee is zero before acceptance, otherwise a capped percentage
// of the final amount. The refund never goes negative.
func (p Policy) CancellationFee(status models.Status, finalAmount int64) (fee, refund int64) {
	if !status.Open() {
		fee = finalAmount * p.CancelFeePercent / 100
		if p.CancelFeeCap > 0 && fee > p.CancelFeeCap {
			fee = p.CancelFeeCap
		}
	}
	refund = finalAmount - fee
	if refund < 0 {
		refund = 0
	}
	return fee, refund
}

func (p Policy) Earnings(gross int64) models.Earnings {
	commission := gross * p.CommissionPercent / 100
	return models.Earnings{Gross: gross, Commission: commission, Net: gross - commission}
}

func (p Policy) NewOTP() (string, error) {
	digits := p.OTPDigits
	if digits <= 0 {
		digits = 4
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
