package checkout

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/otp"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// PayRequest selects a gateway and carries the customer details the order
// needs.
type PayRequest struct {
	Gateway         string        `validate:"required"`
	ShippingAddress order.Address `validate:"required"`
	// BillingAddress defaults to ShippingAddress.
	BillingAddress order.Address
	DeliveryTime   string `validate:"required"`
	// MobileNumber is the wallet number for OTP gateways. It defaults to
	// the billing mobile number.
	MobileNumber string
	Email        string `validate:"omitempty,email"`
}

// Pay starts a payment on the chosen gateway. Gateways that confirm payment
// before the order exists run payThenCreate; redirect gateways run
// preCreateThenPay.
func (s *Service) Pay(ctx context.Context, id string, req PayRequest) (*View, error) {
	if req.BillingAddress == (order.Address{}) {
		req.BillingAddress = req.ShippingAddress
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.Wrap(ErrInvalidInput, describeValidation(err))
	}
	if !s.cfg.slotAllowed(req.DeliveryTime) {
		return nil, errors.Wrapf(ErrInvalidInput, "delivery time %q is not offered", req.DeliveryTime)
	}
	gw, err := s.gateways.Lookup(req.Gateway)
	if err != nil {
		return nil, err
	}
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if err := sess.checkPayable(gw); err != nil {
		sess.mu.Unlock()
		return nil, err
	}
	if !sess.preCreated {
		// Prices are recomputed right before charging.
		if err := sess.reprice(s.cfg.FreeShipping); err != nil {
			sess.mu.Unlock()
			return nil, errors.Wrap(ErrInvalidInput, err.Error())
		}
		sess.gateway = gw
		d := sess.draft(s.cfg, req)
		sess.orderDraft = &d
		sess.orderStatus = order.StatusFor(gw.Flow(), nil)
		sess.evidence = nil
	}
	sess.customer = payment.Customer{
		Name:         req.BillingAddress.Name,
		Email:        firstNonEmpty(req.Email, req.BillingAddress.Email),
		MobileNumber: firstNonEmpty(req.MobileNumber, req.BillingAddress.MobileNumber),
	}
	sess.attempt = &payment.Attempt{Gateway: gw.Name(), Status: payment.StatusPending}
	sess.state = StateAwaitingPayment
	sess.failure = nil
	sess.redirectURL = ""
	sess.otp = nil
	sess.busy = true
	sess.touchedAt = s.now()
	gen := sess.gen
	sess.mu.Unlock()

	zctx.From(ctx).Info("Payment started",
		zap.String("session_id", id),
		zap.String("gateway", gw.Name()),
		zap.Stringer("flow", gw.Flow()),
	)

	if gw.Flow() == payment.FlowPreCreateThenPay {
		return s.preCreateThenPay(ctx, sess, gen)
	}
	return s.payThenCreate(ctx, sess, gen)
}

func (sess *session) checkPayable(gw payment.Gateway) error {
	if sess.busy {
		return ErrBusy
	}
	switch {
	case sess.state == StateAwaitingPayment && (sess.attempt == nil || sess.attempt.Status == payment.StatusFailed):
	case sess.state == StateFailed && !sess.failure.Retryable:
	default:
		return wrongState("pay", sess.state)
	}
	if sess.preCreated && sess.gateway.Name() != gw.Name() {
		return errors.Wrapf(ErrWrongState, "order %s awaits payment through %s", sess.receipt.TrackingNumber, sess.gateway.Name())
	}
	return nil
}

// payThenCreate charges first and creates the order afterwards. OTP
// gateways stop in StateAwaitingOTP until SubmitOTP.
func (s *Service) payThenCreate(ctx context.Context, sess *session, gen uint64) (*View, error) {
	sess.mu.Lock()
	gw := sess.gateway
	initReq := payment.InitiateRequest{
		Reference: sess.id,
		Amount:    sess.orderDraft.PayableTotal,
		Currency:  s.cfg.Currency,
		Customer:  sess.customer,
	}
	var ctrl *otp.Controller
	if og, ok := gw.(otp.Gateway); ok {
		ctrl = otp.NewController(og, otp.WithMaxAttempts(s.cfg.OTPMaxAttempts))
		sess.otp = ctrl
	}
	sess.mu.Unlock()

	var (
		init *payment.Initiation
		err  error
	)
	if ctrl != nil {
		init, err = ctrl.Initiate(ctx, initReq)
	} else {
		init, err = gw.Initiate(ctx, initReq)
	}

	sess.mu.Lock()
	if sess.gen != gen {
		sess.mu.Unlock()
		zctx.From(ctx).Info("Discarded late initiation", zap.String("session_id", sess.id))
		return nil, ErrCancelled
	}
	if err != nil {
		sess.busy = false
		sess.attempt.Status = payment.StatusFailed
		sess.fail(classify(err), err, false)
		sess.mu.Unlock()
		s.metrics.payment(ctx, gw.Name(), "failed")
		return nil, err
	}
	sess.attempt.TransactionID = init.TransactionID
	if ctrl != nil {
		sess.attempt.OTPRequired = true
		sess.state = StateAwaitingOTP
		sess.busy = false
		v := sess.view()
		sess.mu.Unlock()
		return v, nil
	}

	// Nothing to confirm: the payment is settled on delivery.
	sess.attempt.Status = payment.StatusVerified
	if init.TransactionID != "" {
		sess.evidence = &payment.Evidence{Gateway: gw.Name(), TransactionID: init.TransactionID}
	}
	sess.orderStatus = order.StatusFor(gw.Flow(), sess.evidence)
	sess.state = StatePaymentVerified
	sess.mu.Unlock()
	s.metrics.payment(ctx, gw.Name(), "verified")

	return s.completeOrder(ctx, sess)
}

// SubmitOTP verifies the code of the active challenge. A verified payment
// moves straight on to order creation.
func (s *Service) SubmitOTP(ctx context.Context, id, code string) (*View, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if sess.busy {
		sess.mu.Unlock()
		return nil, ErrBusy
	}
	if sess.state != StateAwaitingOTP || sess.otp == nil {
		st := sess.state
		sess.mu.Unlock()
		return nil, wrongState("submit otp", st)
	}
	ctrl := sess.otp
	gen := sess.gen
	sess.busy = true
	sess.touchedAt = s.now()
	sess.mu.Unlock()

	v, err := ctrl.Submit(ctx, code)

	sess.mu.Lock()
	if sess.gen != gen {
		sess.mu.Unlock()
		zctx.From(ctx).Info("Discarded late verification", zap.String("session_id", id))
		return nil, ErrCancelled
	}
	gwName := sess.gateway.Name()
	if err != nil {
		sess.busy = false
		switch {
		case errors.Is(err, otp.ErrAttemptsExhausted):
			sess.attempt.Status = payment.StatusFailed
			sess.fail(FailureOTP, err, false)
			s.metrics.payment(ctx, gwName, "otp_exhausted")
		case errors.Is(err, payment.ErrInvalidInput):
			sess.failure = &Failure{Reason: FailureInput, Message: err.Error()}
		default:
			sess.failure = &Failure{Reason: FailureOTP, Message: err.Error()}
		}
		sess.mu.Unlock()
		return nil, err
	}

	sess.attempt.Status = payment.StatusVerified
	sess.attempt.TransactionID = v.TransactionID
	sess.evidence = &payment.Evidence{Gateway: gwName, TransactionID: v.TransactionID, Response: v.Response}
	sess.orderStatus = order.StatusFor(payment.FlowPayThenCreate, sess.evidence)
	sess.state = StatePaymentVerified
	sess.failure = nil
	sess.mu.Unlock()
	s.metrics.payment(ctx, gwName, "verified")

	zctx.From(ctx).Info("Payment verified",
		zap.String("session_id", id),
		zap.String("gateway", gwName),
		zap.String("transaction_id", v.TransactionID),
	)
	return s.completeOrder(ctx, sess)
}

// completeOrder creates the order of a settled payment and finishes the
// session. The session must be busy.
func (s *Service) completeOrder(ctx context.Context, sess *session) (*View, error) {
	receipt, err := s.placeOrder(ctx, sess)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.busy = false
	sess.touchedAt = s.now()
	if err != nil {
		sess.fail(FailureOrderCreation, err, true)
		return nil, err
	}
	sess.receipt = receipt
	sess.finish()
	return sess.view(), nil
}

// preCreateThenPay creates the order before sending the customer to the
// gateway, since the customer may never come back.
func (s *Service) preCreateThenPay(ctx context.Context, sess *session, gen uint64) (*View, error) {
	sess.mu.Lock()
	haveOrder := sess.receipt != nil
	sess.mu.Unlock()

	if !haveOrder {
		receipt, err := s.placeOrder(ctx, sess)
		sess.mu.Lock()
		if err != nil {
			sess.busy = false
			sess.attempt = nil
			sess.fail(FailureOrderCreation, err, true)
			sess.mu.Unlock()
			return nil, err
		}
		sess.receipt = receipt
		sess.preCreated = true
		sess.mu.Unlock()
	}
	return s.startRedirect(ctx, sess, gen)
}

// startRedirect opens the hosted payment page for the pre-created order.
func (s *Service) startRedirect(ctx context.Context, sess *session, gen uint64) (*View, error) {
	sess.mu.Lock()
	gw := sess.gateway
	sess.state = StateAwaitingPayment
	if sess.attempt == nil {
		sess.attempt = &payment.Attempt{Gateway: gw.Name(), Status: payment.StatusPending}
	}
	initReq := payment.InitiateRequest{
		Reference: sess.receipt.TrackingNumber,
		Amount:    sess.orderDraft.PayableTotal,
		Currency:  s.cfg.Currency,
		Customer:  sess.customer,
		ReturnURL: s.cfg.returnURL(sess.id),
	}
	sess.mu.Unlock()

	init, err := gw.Initiate(ctx, initReq)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gen != gen {
		return nil, ErrCancelled
	}
	sess.busy = false
	if err != nil {
		sess.attempt.Status = payment.StatusFailed
		sess.fail(classify(err), err, false)
		s.metrics.payment(ctx, gw.Name(), "failed")
		return nil, err
	}
	sess.attempt.TransactionID = init.TransactionID
	sess.redirectURL = init.RedirectURL
	return sess.view(), nil
}

// ReturnRequest is what the redirect gateway appends to the return URL.
type ReturnRequest struct {
	Status        string
	TransactionID string
	ValidationID  string
}

// CompleteRedirect handles the customer's return from the hosted payment
// page. The return status decides unless the gateway lookup answers against
// the payment; a lookup that gets no answer leaves the return status in
// charge.
func (s *Service) CompleteRedirect(ctx context.Context, id string, req ReturnRequest) (*View, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if sess.busy {
		sess.mu.Unlock()
		return nil, ErrBusy
	}
	if !sess.preCreated || sess.state != StateAwaitingPayment || sess.attempt == nil ||
		sess.attempt.Status != payment.StatusPending || sess.redirectURL == "" {
		st := sess.state
		sess.mu.Unlock()
		return nil, wrongState("complete redirect", st)
	}
	txID := sess.attempt.TransactionID
	if req.TransactionID != "" && req.TransactionID != txID {
		sess.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidInput, "return for unknown transaction %q", req.TransactionID)
	}
	gw := sess.gateway
	gen := sess.gen
	sess.busy = true
	sess.touchedAt = s.now()
	sess.mu.Unlock()

	lg := zctx.From(ctx).With(zap.String("session_id", id), zap.String("gateway", gw.Name()))
	status := strings.ToLower(strings.TrimSpace(req.Status))
	succeeded := status == "success" || status == "valid"

	var (
		v    *payment.Verification
		verr error
	)
	if vf, ok := gw.(payment.Verifier); ok && succeeded && req.ValidationID != "" {
		v, verr = vf.Verify(ctx, payment.VerifyRequest{TransactionID: txID, Code: req.ValidationID})
		if verr != nil && !errors.Is(verr, payment.ErrRejected) {
			lg.Warn("Redirect validation lookup failed, using return status", zap.Error(verr))
		}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gen != gen {
		return nil, ErrCancelled
	}
	sess.busy = false

	var failErr error
	switch {
	case !succeeded:
		if status == "" {
			status = "failed"
		}
		failErr = errors.Wrapf(payment.ErrRejected, "card payment %s", status)
	case errors.Is(verr, payment.ErrRejected):
		failErr = errors.Wrap(verr, "card payment could not be validated")
	case verr == nil && v != nil && v.Status == payment.StatusFailed:
		failErr = errors.Wrap(payment.ErrRejected, "card payment could not be validated")
	}
	if failErr != nil {
		sess.attempt.Status = payment.StatusFailed
		sess.redirectURL = ""
		sess.fail(FailurePayment, failErr, false)
		s.metrics.payment(ctx, gw.Name(), "failed")
		return nil, failErr
	}

	sess.attempt.Status = payment.StatusVerified
	if v != nil {
		sess.evidence = &payment.Evidence{Gateway: gw.Name(), TransactionID: txID, Response: v.Response}
	}
	sess.finish()
	s.metrics.payment(ctx, gw.Name(), "verified")
	lg.Info("Redirect payment completed", zap.String("tracking_number", sess.receipt.TrackingNumber))
	return sess.view(), nil
}

// CancelPayment abandons the active payment attempt. Answers still in flight
// are discarded when they arrive. A verified payment cannot be cancelled.
func (s *Service) CancelPayment(ctx context.Context, id string) (*View, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	cancellable := sess.attempt != nil && sess.attempt.Status == payment.StatusPending &&
		(sess.state == StateAwaitingOTP || sess.state == StateAwaitingPayment)
	if !cancellable {
		return nil, wrongState("cancel payment", sess.state)
	}
	if sess.otp != nil {
		sess.otp.Cancel()
	}
	sess.gen++
	sess.busy = false
	sess.attempt = nil
	sess.otp = nil
	sess.redirectURL = ""
	sess.state = StateAwaitingPayment
	sess.failure = &Failure{Reason: FailurePayment, Message: ErrCancelled.Error()}
	sess.touchedAt = s.now()

	zctx.From(ctx).Info("Payment cancelled", zap.String("session_id", id))
	return sess.view(), nil
}

// RetryOrder resubmits an order whose creation failed. It reuses the stored
// payment evidence and never contacts the payment gateway, except to open
// the payment page of a redirect order that now exists.
func (s *Service) RetryOrder(ctx context.Context, id string) (*View, error) {
	sess, err := s.session(id)
	if errors.Is(err, ErrSessionNotFound) {
		return s.retryOrphan(ctx, id, err)
	}
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if sess.busy {
		sess.mu.Unlock()
		return nil, ErrBusy
	}
	if sess.state != StateFailed || sess.failure == nil || !sess.failure.Retryable {
		st := sess.state
		sess.mu.Unlock()
		return nil, wrongState("retry order", st)
	}
	sess.busy = true
	sess.touchedAt = s.now()
	gen := sess.gen
	preCreate := sess.gateway.Flow() == payment.FlowPreCreateThenPay
	sess.mu.Unlock()

	if !preCreate {
		return s.completeOrder(ctx, sess)
	}

	receipt, err := s.placeOrder(ctx, sess)
	sess.mu.Lock()
	if err != nil {
		sess.busy = false
		sess.fail(FailureOrderCreation, err, true)
		sess.mu.Unlock()
		return nil, err
	}
	sess.receipt = receipt
	sess.preCreated = true
	sess.failure = nil
	sess.mu.Unlock()
	return s.startRedirect(ctx, sess, gen)
}

// retryOrphan submits a pending order whose session is gone, e.g. after a
// restart. The pending record holds everything needed.
func (s *Service) retryOrphan(ctx context.Context, id string, notFound error) (*View, error) {
	if _, err := s.orders.Pending(ctx, id); err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, notFound
		}
		return nil, errors.Wrap(err, "load pending order")
	}
	receipt, err := s.orders.Submit(ctx, id)
	if err != nil {
		s.metrics.order(ctx, "failed")
		return nil, err
	}
	s.metrics.order(ctx, "created")
	return &View{ID: id, State: StateOrderCreated, TrackingNumber: receipt.TrackingNumber}, nil
}

// placeOrder records the order with its payment evidence, unless already
// recorded, and submits it. The session must be busy.
func (s *Service) placeOrder(ctx context.Context, sess *session) (*order.Receipt, error) {
	sess.mu.Lock()
	sess.state = StateCreatingOrder
	id := sess.id
	draft := *sess.orderDraft
	status := sess.orderStatus
	evidence := sess.evidence
	sess.mu.Unlock()

	_, err := s.orders.Pending(ctx, id)
	switch {
	case errors.Is(err, order.ErrNotFound):
		if _, err := s.orders.Prepare(ctx, id, draft, status, evidence); err != nil && !errors.Is(err, order.ErrAlreadyPending) {
			s.metrics.order(ctx, "failed")
			return nil, errors.Wrap(err, "record order")
		}
	case err != nil:
		s.metrics.order(ctx, "failed")
		return nil, errors.Wrap(err, "load pending order")
	}

	receipt, err := s.orders.Submit(ctx, id)
	if err != nil {
		s.metrics.order(ctx, "failed")
		return nil, err
	}
	s.metrics.order(ctx, "created")
	return receipt, nil
}

// finish marks the order placed and clears the cart.
func (sess *session) finish() {
	sess.state = StateOrderCreated
	sess.failure = nil
	sess.redirectURL = ""
	sess.otp = nil
	sess.lines = nil
}

// classify maps a payment error onto a failure reason.
func classify(err error) FailureReason {
	switch {
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return FailureGateway
	case errors.Is(err, payment.ErrInvalidInput):
		return FailureInput
	case errors.Is(err, payment.ErrTimeout):
		return FailureNetwork
	default:
		return FailurePayment
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "PayRequest.ShippingAddress.City"; drop the type.
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		msgs = append(msgs, field+" failed "+fe.Tag())
	}
	return strings.Join(msgs, "; ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
