package checkout

import (
	"sync"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/otp"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// session is one customer's checkout. All fields are guarded by mu. Network
// calls are made without holding mu: busy marks the session while one is in
// flight and gen lets late answers detect that the session moved on.
type session struct {
	mu sync.Mutex

	id        string
	state     State
	failure   *Failure
	busy      bool
	gen       uint64
	touchedAt time.Time

	lines      []pricing.CartLine
	tax        pricing.TaxPolicy
	shipping   pricing.ShippingPolicy
	wallet     pricing.Wallet
	coupon     *coupon.Coupon
	couponCode string
	useWallet  bool
	breakdown  pricing.Breakdown

	gateway     payment.Gateway
	customer    payment.Customer
	attempt     *payment.Attempt
	otp         *otp.Controller
	redirectURL string

	// orderDraft, orderStatus and evidence are what gets recorded once the
	// payment allows it. evidence outlives failed submissions.
	orderDraft  *order.Draft
	orderStatus order.PaymentStatus
	evidence    *payment.Evidence
	// preCreated is set once the backend holds the order of a redirect
	// payment; from then on only that gateway may be used.
	preCreated bool
	receipt    *order.Receipt
}

// View is a read-only snapshot of a session.
type View struct {
	ID         string
	State      State
	Failure    *Failure
	Busy       bool
	Lines      []pricing.CartLine
	Breakdown  pricing.Breakdown
	CouponCode string
	UseWallet  bool

	Gateway     string
	Attempt     *payment.Attempt
	OTP         *otp.Snapshot
	RedirectURL string

	TrackingNumber string
	PendingOrder   bool
}

func (s *session) view() *View {
	v := &View{
		ID:          s.id,
		State:       s.state,
		Busy:        s.busy,
		Lines:       append([]pricing.CartLine(nil), s.lines...),
		Breakdown:   s.breakdown,
		CouponCode:  s.couponCode,
		UseWallet:   s.useWallet,
		RedirectURL: s.redirectURL,
	}
	if s.failure != nil {
		f := *s.failure
		v.Failure = &f
	}
	if s.gateway != nil {
		v.Gateway = s.gateway.Name()
	}
	if s.attempt != nil {
		a := *s.attempt
		v.Attempt = &a
	}
	if s.otp != nil && s.state == StateAwaitingOTP {
		snap := s.otp.Snapshot()
		v.OTP = &snap
	}
	if s.receipt != nil {
		v.TrackingNumber = s.receipt.TrackingNumber
	}
	v.PendingOrder = s.failure != nil && s.failure.Retryable
	return v
}

func (s *session) fail(reason FailureReason, err error, retryable bool) {
	s.state = StateFailed
	s.failure = &Failure{Reason: reason, Message: err.Error(), Retryable: retryable}
}

// reprice recomputes the breakdown from the session inputs.
func (s *session) reprice(promo pricing.FreeShippingPromotion) error {
	b, err := pricing.Compute(pricing.Input{
		Lines:        s.lines,
		Tax:          s.tax,
		Shipping:     s.shipping,
		FreeShipping: promo,
		Coupon:       s.coupon,
		Wallet:       s.wallet,
		UseWallet:    s.useWallet,
	})
	if err != nil {
		return err
	}
	s.breakdown = b
	return nil
}

// draft builds the order payload from the priced session.
func (s *session) draft(cfg Config, req PayRequest) order.Draft {
	d := order.Draft{
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		PaymentGateway:  s.gateway.Name(),
		Cart:            make([]order.Line, len(s.lines)),
		ShippingID:      s.shipping.ID,
		TaxID:           s.tax.ID,
		DeliveryTime:    req.DeliveryTime,
		UseWallet:       s.useWallet && s.breakdown.WalletAmountUsed.IsPositive(),
		WalletAmount:    s.breakdown.WalletAmountUsed,
		PayableTotal:    s.breakdown.PayableTotal,
	}
	if d.ShippingID == "" {
		d.ShippingID = cfg.ShippingID
	}
	if d.TaxID == "" {
		d.TaxID = cfg.TaxID
	}
	for i, l := range s.lines {
		d.Cart[i] = order.Line{ProductID: l.ProductID, Quantity: l.Quantity}
		if l.Variation != nil {
			d.Cart[i].VariationOptionID = l.Variation.ID
		}
	}
	if s.coupon != nil && s.breakdown.CouponEffective {
		d.CouponID = s.coupon.ID
	}
	return d
}

// expired reports whether the session can be swept. Callers hold sess.mu.
func (s *session) expired(deadline time.Time) bool {
	if s.busy || !s.touchedAt.Before(deadline) {
		return false
	}
	return !(s.preCreated && s.redirectURL != "")
}
