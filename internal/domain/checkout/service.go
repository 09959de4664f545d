// Package checkout orchestrates a checkout session: pricing, exactly one
// payment attempt at a time, and exactly one order per successful payment.
package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// Policies fetches the pricing inputs owned by the storefront backend.
type Policies interface {
	Shipping(ctx context.Context, id string) (pricing.ShippingPolicy, error)
	Tax(ctx context.Context, id string) (pricing.TaxPolicy, error)
	WalletBalance(ctx context.Context) (pricing.Wallet, error)
}

// CouponResolver turns a code into a priceable coupon.
type CouponResolver interface {
	Resolve(ctx context.Context, code string) (*coupon.Coupon, error)
}

// Orders creates orders exactly once per payment.
type Orders interface {
	Prepare(ctx context.Context, sessionID string, draft order.Draft, status order.PaymentStatus, evidence *payment.Evidence) (*order.PendingSubmission, error)
	Pending(ctx context.Context, sessionID string) (*order.PendingSubmission, error)
	Submit(ctx context.Context, sessionID string) (*order.Receipt, error)
}

// Gateways looks up payment gateways by name.
type Gateways interface {
	Lookup(name string) (payment.Gateway, error)
	Options() []payment.Option
}

// Service hosts checkout sessions.
type Service struct {
	cfg      Config
	policies Policies
	coupons  CouponResolver
	orders   Orders
	gateways Gateways
	validate *validator.Validate
	metrics  *metrics
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// Option configures a Service.
type Option func(*Service)

// WithMeterProvider sets the provider of the checkout counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) {
		s.metrics = newMetrics(mp)
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service.
func NewService(
	cfg Config,
	policies Policies,
	coupons CouponResolver,
	orders Orders,
	gateways Gateways,
	opts ...Option,
) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		policies: policies,
		coupons:  coupons,
		orders:   orders,
		gateways: gateways,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(otel.GetMeterProvider())
	}
	return s
}

// OpenRequest starts a session for a cart.
type OpenRequest struct {
	Lines      []pricing.CartLine
	CouponCode string
	UseWallet  bool
}

// Open prices a cart and returns a session awaiting payment. Policies are
// fetched concurrently; any failure aborts the open.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*View, error) {
	if len(req.Lines) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "cart is empty")
	}

	sess := &session{
		id:         ulid.Make().String(),
		state:      StatePricing,
		lines:      append([]pricing.CartLine(nil), req.Lines...),
		useWallet:  req.UseWallet,
		couponCode: coupon.Normalize(req.CouponCode),
	}
	// Lines are validated before any network call.
	if _, err := pricing.Compute(pricing.Input{Lines: sess.lines}); err != nil {
		return nil, errors.Wrap(ErrInvalidInput, err.Error())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.policies.Shipping(gctx, s.cfg.ShippingID)
		if err != nil {
			return errors.Wrap(err, "fetch shipping")
		}
		sess.shipping = p
		return nil
	})
	g.Go(func() error {
		p, err := s.policies.Tax(gctx, s.cfg.TaxID)
		if err != nil {
			return errors.Wrap(err, "fetch tax")
		}
		sess.tax = p
		return nil
	})
	g.Go(func() error {
		w, err := s.policies.WalletBalance(gctx)
		if err != nil {
			if !req.UseWallet {
				zctx.From(ctx).Warn("Wallet balance unavailable", zap.Error(err))
				return nil
			}
			return errors.Wrap(err, "fetch wallet balance")
		}
		sess.wallet = w
		return nil
	})
	if sess.couponCode != "" {
		g.Go(func() error {
			c, err := s.coupons.Resolve(gctx, sess.couponCode)
			if err != nil {
				return err
			}
			sess.coupon = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := sess.reprice(s.cfg.FreeShipping); err != nil {
		return nil, errors.Wrap(ErrInvalidInput, err.Error())
	}
	sess.state = StateAwaitingPayment
	sess.touchedAt = s.now()

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	zctx.From(ctx).Info("Checkout opened",
		zap.String("session_id", sess.id),
		zap.Stringer("payable", sess.breakdown.PayableTotal),
	)
	return sess.view(), nil
}

// Get returns the current view of a session.
func (s *Service) Get(_ context.Context, id string) (*View, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.view(), nil
}

// RepriceRequest changes pricing inputs. Nil fields are left as they are; an
// empty coupon code removes the coupon.
type RepriceRequest struct {
	CouponCode *string
	UseWallet  *bool
}

// Reprice applies or removes a coupon and toggles wallet usage. It is only
// allowed before a payment has started.
func (s *Service) Reprice(ctx context.Context, id string, req RepriceRequest) (*View, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if err := sess.checkRepriceable(); err != nil {
		sess.mu.Unlock()
		return nil, err
	}
	prevState := sess.state
	sess.busy = true
	sess.state = StatePricing
	gen := sess.gen
	sess.mu.Unlock()

	var (
		newCoupon   *coupon.Coupon
		newCode     string
		wallet      pricing.Wallet
		fetchWallet = req.UseWallet != nil && *req.UseWallet
	)
	g, gctx := errgroup.WithContext(ctx)
	if req.CouponCode != nil {
		newCode = coupon.Normalize(*req.CouponCode)
		if newCode != "" {
			g.Go(func() error {
				c, err := s.coupons.Resolve(gctx, newCode)
				newCoupon = c
				return err
			})
		}
	}
	if fetchWallet {
		g.Go(func() error {
			w, err := s.policies.WalletBalance(gctx)
			if err != nil {
				return errors.Wrap(err, "fetch wallet balance")
			}
			wallet = w
			return nil
		})
	}
	fetchErr := g.Wait()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gen != gen {
		return nil, ErrCancelled
	}
	sess.busy = false
	sess.state = prevState
	sess.touchedAt = s.now()
	if fetchErr != nil {
		return nil, fetchErr
	}

	if req.CouponCode != nil {
		sess.coupon, sess.couponCode = newCoupon, newCode
	}
	if req.UseWallet != nil {
		sess.useWallet = *req.UseWallet
	}
	if fetchWallet {
		sess.wallet = wallet
	}
	if err := sess.reprice(s.cfg.FreeShipping); err != nil {
		return nil, errors.Wrap(ErrInvalidInput, err.Error())
	}
	if sess.state == StateFailed {
		sess.state, sess.failure = StateAwaitingPayment, nil
		sess.attempt, sess.otp = nil, nil
	}
	return sess.view(), nil
}

func (sess *session) checkRepriceable() error {
	if sess.busy {
		return ErrBusy
	}
	switch {
	case sess.preCreated:
		return errors.Wrap(ErrWrongState, "order already created, prices are final")
	case sess.state == StateAwaitingPayment && sess.attempt == nil:
		return nil
	case sess.state == StateFailed && !sess.failure.Retryable:
		return nil
	default:
		return wrongState("reprice", sess.state)
	}
}

// Gateways lists the payment options with their availability.
func (s *Service) Gateways() []payment.Option {
	return s.gateways.Options()
}

// Sweep drops sessions untouched for longer than the TTL. Sessions with an
// in-flight operation, an order awaiting its redirect return or a pending
// order submission are kept.
func (s *Service) Sweep(ctx context.Context) int {
	deadline := s.now().Add(-s.cfg.SessionTTL)

	s.mu.RLock()
	var stale []*session
	for _, sess := range s.sessions {
		sess.mu.Lock()
		if sess.expired(deadline) {
			stale = append(stale, sess)
		}
		sess.mu.Unlock()
	}
	s.mu.RUnlock()

	removed := 0
	for _, sess := range stale {
		_, err := s.orders.Pending(ctx, sess.id)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, order.ErrNotFound):
			zctx.From(ctx).Warn("Check pending submission", zap.String("session_id", sess.id), zap.Error(err))
			continue
		}
		if s.drop(sess, deadline) {
			removed++
		}
	}
	return removed
}

// drop removes sess if it is still expired. It may have been touched since
// Sweep selected it.
func (s *Service) drop(sess *session, deadline time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sess.id] != sess {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.expired(deadline) {
		return false
	}
	delete(s.sessions, sess.id)
	return true
}

// Run sweeps expired sessions until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	lg := zctx.From(ctx)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(ctx); n > 0 {
				lg.Debug("Expired checkout sessions", zap.Int("count", n))
			}
		}
	}
}

func (s *Service) session(id string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "session %q", id)
	}
	return sess, nil
}
