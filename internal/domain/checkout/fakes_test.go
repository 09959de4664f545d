package checkout

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/gateway/cod"
	"github.com/xenking/kart-checkout/internal/repository"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	require.True(t, d(want).Equal(got), "%s: expected %s, got %s", field, want, got)
}

type fakePolicies struct {
	shipping  pricing.ShippingPolicy
	tax       pricing.TaxPolicy
	wallet    pricing.Wallet
	walletErr error
	taxErr    error
}

func (p *fakePolicies) Shipping(_ context.Context, _ string) (pricing.ShippingPolicy, error) {
	return p.shipping, nil
}

func (p *fakePolicies) Tax(_ context.Context, _ string) (pricing.TaxPolicy, error) {
	return p.tax, p.taxErr
}

func (p *fakePolicies) WalletBalance(_ context.Context) (pricing.Wallet, error) {
	return p.wallet, p.walletErr
}

type fakeCoupons map[string]*coupon.Coupon

func (c fakeCoupons) Resolve(_ context.Context, code string) (*coupon.Coupon, error) {
	cp, ok := c[coupon.Normalize(code)]
	if !ok {
		return nil, coupon.ErrInvalidCoupon
	}
	return cp, nil
}

// fakeCreator answers CreateOrder with the queued errors first, then with
// tracking numbers TRK-1, TRK-2 and so on.
type fakeCreator struct {
	mu       sync.Mutex
	errs     []error
	requests []order.Request
	created  int
}

func (c *fakeCreator) CreateOrder(_ context.Context, req order.Request) (*order.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return nil, err
	}
	c.created++
	return &order.Receipt{TrackingNumber: "TRK-" + strconv.Itoa(c.created)}, nil
}

func (c *fakeCreator) calls() []order.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]order.Request(nil), c.requests...)
}

type fakeGateway struct {
	name string
	flow payment.Flow

	mu         sync.Mutex
	initiation payment.Initiation
	initErr    error
	// initGate, when set, blocks Initiate until closed.
	initGate  chan struct{}
	initCalls int
	lastInit  payment.InitiateRequest
}

func (g *fakeGateway) Name() string       { return g.name }
func (g *fakeGateway) Flow() payment.Flow { return g.flow }
func (g *fakeGateway) Available() bool    { return true }

func (g *fakeGateway) Initiate(_ context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	g.mu.Lock()
	g.initCalls++
	g.lastInit = req
	gate, init, err := g.initGate, g.initiation, g.initErr
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &init, nil
}

func (g *fakeGateway) initiations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initCalls
}

// fakeWallet confirms payment with the code 123456.
type fakeWallet struct {
	*fakeGateway

	verifyGate  chan struct{}
	verifyCalls int
}

func newWallet() *fakeWallet {
	return &fakeWallet{fakeGateway: &fakeGateway{
		name:       "wallet",
		initiation: payment.Initiation{TransactionID: "TX1", OTPRequired: true},
	}}
}

func (g *fakeWallet) Verify(_ context.Context, req payment.VerifyRequest) (*payment.Verification, error) {
	g.mu.Lock()
	g.verifyCalls++
	gate := g.verifyGate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if req.Code != "123456" {
		return &payment.Verification{TransactionID: req.TransactionID, Status: payment.StatusFailed}, nil
	}
	return &payment.Verification{
		TransactionID: req.TransactionID,
		Status:        payment.StatusVerified,
		Response:      []byte(`{"status":"verified"}`),
	}, nil
}

func (g *fakeWallet) verifications() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verifyCalls
}

// fakeCard is a redirect gateway with an advisory validation lookup.
type fakeCard struct {
	*fakeGateway

	verification *payment.Verification
	verifyErr    error
}

func newCard() *fakeCard {
	return &fakeCard{
		fakeGateway: &fakeGateway{
			name:       "card",
			flow:       payment.FlowPreCreateThenPay,
			initiation: payment.Initiation{TransactionID: "TRK-1", RedirectURL: "https://pay.example/session/1"},
		},
		verification: &payment.Verification{TransactionID: "TRK-1", Status: payment.StatusVerified, Response: []byte(`{"status":"VALID"}`)},
	}
}

func (g *fakeCard) Verify(_ context.Context, _ payment.VerifyRequest) (*payment.Verification, error) {
	return g.verification, g.verifyErr
}

type harness struct {
	svc      *Service
	policies *fakePolicies
	creator  *fakeCreator
	store    *repository.MemoryPendingStore
	orders   *order.Service
	wallet   *fakeWallet
	card     *fakeCard
	now      time.Time
}

// newHarness prices a 2000 cart with fixed 150 shipping, a free-shipping
// promotion covering 150 above 1500 and 5% tax: 2100 payable.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		policies: &fakePolicies{
			shipping: pricing.ShippingPolicy{ID: "s1", Kind: pricing.ShippingFixed, Amount: d("150")},
			tax:      pricing.TaxPolicy{ID: "t1", Rate: d("5")},
			wallet:   pricing.Wallet{Balance: d("500")},
		},
		creator: &fakeCreator{},
		store:   repository.NewMemoryPendingStore(),
		wallet:  newWallet(),
		card:    newCard(),
		now:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.orders = order.NewService(h.store, h.creator)

	registry, err := payment.NewRegistry(cod.Gateway{}, h.wallet, h.card)
	require.NoError(t, err)

	h.svc = h.newService(registry)
	return h
}

func (h *harness) newService(gateways Gateways) *Service {
	coupons := fakeCoupons{
		"TEN":  {ID: "c10", Code: "TEN", Type: coupon.TypePercentage, Amount: d("10")},
		"BIG":  {ID: "c99", Code: "BIG", Type: coupon.TypeFixed, Amount: d("100"), MinimumCartAmount: d("5000")},
		"SHIP": {ID: "cs", Code: "SHIP", Type: coupon.TypeFreeShipping},
	}
	return NewService(Config{
		ShippingID: "s1",
		TaxID:      "t1",
		FreeShipping: pricing.FreeShippingPromotion{
			Enabled:            true,
			DiscountAmount:     d("150"),
			MinimumOrderAmount: d("1500"),
		},
		DeliverySlots:  []string{"Morning", "Evening"},
		OTPMaxAttempts: 2,
		ReturnBaseURL:  "https://shop.example/",
	}, h.policies, coupons, h.orders, gateways, WithClock(func() time.Time { return h.now }))
}

func cart() []pricing.CartLine {
	return []pricing.CartLine{
		{ProductID: "p1", Quantity: 2, RegularPrice: d("500")},
		{ProductID: "p2", Quantity: 1, RegularPrice: d("1000")},
	}
}

func (h *harness) open(t *testing.T, req OpenRequest) *View {
	t.Helper()
	if req.Lines == nil {
		req.Lines = cart()
	}
	v, err := h.svc.Open(context.Background(), req)
	require.NoError(t, err)
	return v
}

func payRequest(gateway string) PayRequest {
	return PayRequest{
		Gateway: gateway,
		ShippingAddress: order.Address{
			Name:         "Rahim",
			MobileNumber: "01712345678",
			Line1:        "House 1, Road 2",
			City:         "Dhaka",
		},
		DeliveryTime: "Morning",
	}
}

var errBackendDown = errors.New("backend unavailable")
