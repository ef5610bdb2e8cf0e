package checkout

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentInProgress = errors.New("payment in progress for this station")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInvalidMutation   = errors.New("invalid cart mutation")
)

const (
	ReasonDeclined         = "declined"
	ReasonTimeout          = "timeout"
	ReasonProcessorError   = "processor_error"
	ReasonOrderNotRecorded = "order_not_recorded"
)

// PaymentError means the session went back to shopping with the cart intact.
// Refunded is set when a settled charge had to be reversed because the order
// could not be recorded.
type PaymentError struct {
	Method   string
	Reason   string
	Detail   string
	Refunded bool
	Err      error
}

func (e *PaymentError) Error() string {
	msg := fmt.Sprintf("payment %s via %s", e.Reason, e.Method)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PaymentError) Unwrap() error { return e.Err }
