// Package payment defines the uniform contract every payment gateway adapter
// implements, regardless of whether the gateway confirms payment through a
// browser redirect, a one-time code or not at all.
package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Flow tells the orchestrator in which order payment and order creation
// happen for a gateway.
type Flow int

const (
	// FlowPayThenCreate confirms payment first and creates the order after.
	// Used by cash-on-delivery and OTP gateways.
	FlowPayThenCreate Flow = iota
	// FlowPreCreateThenPay creates the order before handing control to the
	// gateway. Redirect gateways cannot guarantee a return callback.
	FlowPreCreateThenPay
)

func (f Flow) String() string {
	switch f {
	case FlowPayThenCreate:
		return "pay_then_create"
	case FlowPreCreateThenPay:
		return "pre_create_then_pay"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a payment attempt.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusFailed
}

var (
	// ErrGatewayUnavailable means the adapter is not configured or failed to
	// load. Other gateways remain usable.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrInvalidInput means the request was rejected locally before any
	// network call (bad amount, malformed mobile number).
	ErrInvalidInput = errors.New("invalid payment input")
	// ErrRejected means the remote side declined or answered with something
	// other than success.
	ErrRejected = errors.New("payment rejected")
	// ErrTimeout means no answer arrived before the adapter's deadline. It is
	// a failure, never an implicit success.
	ErrTimeout = errors.New("payment gateway timeout")
)

// Customer identifies the payer to the gateway.
type Customer struct {
	Name         string
	Email        string
	MobileNumber string
}

// InitiateRequest starts a payment.
type InitiateRequest struct {
	// Reference is the merchant-side reference (session id or, for
	// redirect flows, the tracking number of the pre-created order).
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Customer  Customer
	// ReturnURL is where redirect gateways send the customer back.
	ReturnURL string
}

// Initiation is the adapter's answer to InitiateRequest.
type Initiation struct {
	TransactionID string
	// RedirectURL is set by redirect gateways; the client must navigate there.
	RedirectURL string
	OTPRequired bool
}

// VerifyRequest carries the challenge response for a pending transaction.
type VerifyRequest struct {
	TransactionID string
	// Code is the OTP for wallet gateways or the validation id returned on
	// the redirect callback.
	Code string
}

// Verification is the adapter's answer to VerifyRequest.
type Verification struct {
	TransactionID string
	Status        Status
	// Response is the raw gateway payload kept as payment evidence.
	Response []byte
}

// Gateway is implemented by every payment adapter.
type Gateway interface {
	Name() string
	Flow() Flow
	// Available reports whether the adapter is loaded and configured.
	Available() bool
	Initiate(ctx context.Context, req InitiateRequest) (*Initiation, error)
}

// Verifier is implemented by gateways that confirm a transaction with an
// explicit call.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (*Verification, error)
}

// Attempt tracks one payment against one gateway.
type Attempt struct {
	Gateway       string
	TransactionID string
	Status        Status
	OTPRequired   bool
}

// Evidence is what remains after a successful charge. It is attached to the
// order so that order creation can be retried without charging again.
type Evidence struct {
	Gateway       string
	TransactionID string
	Response      []byte
}
