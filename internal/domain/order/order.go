package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// ErrNotFound is returned by Store.Get when the session has no pending
// submission.
var ErrNotFound = errors.New("pending submission not found")

// PaymentStatus is the payment_status value sent with the order.
type PaymentStatus string

const (
	PaymentStatusCashOnDelivery PaymentStatus = "cash-on-delivery"
	PaymentStatusSuccess        PaymentStatus = "success"
	PaymentStatusPending        PaymentStatus = "pending"
)

// StatusFor derives the payment status of an order from the gateway flow and
// the evidence collected so far.
func StatusFor(flow payment.Flow, evidence *payment.Evidence) PaymentStatus {
	switch {
	case flow == payment.FlowPreCreateThenPay:
		return PaymentStatusPending
	case evidence == nil:
		return PaymentStatusCashOnDelivery
	default:
		return PaymentStatusSuccess
	}
}

// Address is a shipping or billing address as the backend stores it.
type Address struct {
	Name         string `validate:"required"`
	MobileNumber string `validate:"required"`
	Email        string `validate:"omitempty,email"`
	Line1        string `validate:"required"`
	Line2        string
	City         string `validate:"required"`
	Area         string
	PostalCode   string
	Country      string
}

// Line is a cart line as submitted with the order.
type Line struct {
	ProductID         string
	VariationOptionID string
	Quantity          int
}

// Draft is the order payload assembled at checkout.
type Draft struct {
	ShippingAddress Address
	BillingAddress  Address
	PaymentGateway  string
	Cart            []Line
	ShippingID      string
	TaxID           string
	CouponID        string
	DeliveryTime    string
	UseWallet       bool
	WalletAmount    decimal.Decimal
	// PayableTotal is the amount charged through the gateway. It is not part
	// of the backend payload; the backend recomputes totals.
	PayableTotal decimal.Decimal
}

// PendingSubmission is an order that must still reach the backend. It holds
// the payment evidence and is removed only after the backend accepts the
// order.
type PendingSubmission struct {
	SessionID      string
	Draft          Draft
	Evidence       *payment.Evidence
	PaymentStatus  PaymentStatus
	IdempotencyKey string
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Request is what the backend receives on order creation.
type Request struct {
	Draft           Draft
	PaymentStatus   PaymentStatus
	PaymentID       string
	PaymentResponse []byte
	IdempotencyKey  string
}

// Receipt is returned once the backend has persisted the order.
type Receipt struct {
	TrackingNumber string
}

// Creator persists orders on the backend.
type Creator interface {
	CreateOrder(ctx context.Context, req Request) (*Receipt, error)
}

// Store keeps pending submissions across failed creation attempts.
type Store interface {
	Save(ctx context.Context, s *PendingSubmission) error
	Get(ctx context.Context, sessionID string) (*PendingSubmission, error)
	Delete(ctx context.Context, sessionID string) error
}
