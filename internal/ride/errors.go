package ride

import (
	"errors"

	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNotFound          = errors.New("ride not found")
	ErrAlreadyAccepted   = errors.New("ride already accepted by another driver")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidOTP        = errors.New("invalid otp")
	ErrOTPNotVerified    = errors.New("otp not verified")
	ErrForbidden         = errors.New("not allowed for this ride")
	ErrBadRequest        = errors.New("bad request")
	ErrPayment           = errors.New("payment failed")
)

// ErrorCode is the stable client-facing name of err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyAccepted):
		return "already_accepted"
	case errors.Is(err, ErrInvalidOTP):
		return "invalid_otp"
	case errors.Is(err, ErrOTPNotVerified):
		return "otp_not_verified"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrPayment):
		return "payment_failed"
	}
	return "internal"
}
