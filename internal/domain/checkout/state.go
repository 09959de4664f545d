package checkout

import (
	"github.com/go-faster/errors"
)

// State is the single source of truth for where a checkout session is.
type State int

const (
	StateIdle State = iota
	StatePricing
	StateAwaitingPayment
	StateAwaitingOTP
	StatePaymentVerified
	StateCreatingOrder
	StateOrderCreated
	StateFailed
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StatePricing:         "pricing",
	StateAwaitingPayment: "awaiting_payment",
	StateAwaitingOTP:     "awaiting_otp",
	StatePaymentVerified: "payment_verified",
	StateCreatingOrder:   "creating_order",
	StateOrderCreated:    "order_created",
	StateFailed:          "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// FailureReason classifies why a session is in StateFailed, or why the last
// operation on it did not succeed.
type FailureReason string

const (
	FailureInput         FailureReason = "input"
	FailureGateway       FailureReason = "gateway"
	FailurePayment       FailureReason = "payment"
	FailureOTP           FailureReason = "otp"
	FailureOrderCreation FailureReason = "order_creation"
	FailureNetwork       FailureReason = "network"
)

// Failure is surfaced to the customer with actionable text.
type Failure struct {
	Reason  FailureReason
	Message string
	// Retryable is set when the order must be resubmitted with RetryOrder.
	Retryable bool
}

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrWrongState is returned when an operation is not allowed in the
	// current state.
	ErrWrongState = errors.New("operation not allowed in current checkout state")
	// ErrBusy is returned while another operation on the session is waiting
	// for a network answer.
	ErrBusy = errors.New("another checkout operation is in progress")
	// ErrInvalidInput is returned for requests rejected before any network
	// call.
	ErrInvalidInput = errors.New("invalid checkout input")
	// ErrCancelled is returned to a caller whose operation was overtaken by a
	// cancellation.
	ErrCancelled = errors.New("payment was cancelled")
)

func wrongState(op string, s State) error {
	return errors.Wrapf(ErrWrongState, "%s in state %s", op, s)
}
