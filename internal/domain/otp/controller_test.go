package otp

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

type fakeGateway struct {
	initiation *payment.Initiation
	initErr    error
	// validCode is the only code Verify accepts.
	validCode string
	verifyErr error

	// When set, Initiate/Verify block until the channel is closed.
	initGate   chan struct{}
	verifyGate chan struct{}

	initCalls   int
	verifyCalls int
	lastVerify  payment.VerifyRequest
}

func (g *fakeGateway) Name() string       { return "wallet" }
func (g *fakeGateway) Flow() payment.Flow { return payment.FlowPayThenCreate }
func (g *fakeGateway) Available() bool    { return true }

func (g *fakeGateway) Initiate(_ context.Context, _ payment.InitiateRequest) (*payment.Initiation, error) {
	g.initCalls++
	if g.initGate != nil {
		<-g.initGate
	}
	return g.initiation, g.initErr
}

func (g *fakeGateway) Verify(_ context.Context, req payment.VerifyRequest) (*payment.Verification, error) {
	g.verifyCalls++
	g.lastVerify = req
	if g.verifyGate != nil {
		<-g.verifyGate
	}
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	if req.Code != g.validCode {
		return &payment.Verification{TransactionID: req.TransactionID, Status: payment.StatusFailed}, nil
	}
	return &payment.Verification{TransactionID: req.TransactionID, Status: payment.StatusVerified, Response: []byte(`{"ok":true}`)}, nil
}

func newGateway() *fakeGateway {
	return &fakeGateway{
		initiation: &payment.Initiation{TransactionID: "TX1", OTPRequired: true},
		validCode:  "123456",
	}
}

func initiateRequest() payment.InitiateRequest {
	return payment.InitiateRequest{Reference: "s1", Amount: decimal.NewFromInt(100)}
}

func TestController_HappyPath(t *testing.T) {
	gw := newGateway()
	c := NewController(gw)
	ctx := context.Background()

	assert.Equal(t, StateIdle, c.Snapshot().State)

	init, err := c.Initiate(ctx, initiateRequest())
	require.NoError(t, err)
	assert.Equal(t, "TX1", init.TransactionID)
	assert.Equal(t, StateAwaitingOTP, c.Snapshot().State)

	v, err := c.Submit(ctx, " 123456 ")
	require.NoError(t, err)
	assert.Equal(t, "TX1", v.TransactionID)
	assert.Equal(t, payment.StatusVerified, v.Status)
	assert.Equal(t, "TX1", gw.lastVerify.TransactionID)

	snap := c.Snapshot()
	assert.Equal(t, StateVerified, snap.State)
	assert.NoError(t, snap.Err)

	got, ok := c.Verification()
	require.True(t, ok)
	assert.Same(t, v, got)
}

func TestController_InitiateFailure(t *testing.T) {
	gw := newGateway()
	gw.initErr = errors.Wrap(payment.ErrRejected, "wallet declined")
	c := NewController(gw)

	_, err := c.Initiate(context.Background(), initiateRequest())
	require.ErrorIs(t, err, payment.ErrRejected)

	snap := c.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	require.ErrorIs(t, snap.Err, payment.ErrRejected)

	// Failed is not terminal: the customer may try again.
	gw.initErr = nil
	_, err = c.Initiate(context.Background(), initiateRequest())
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingOTP, c.Snapshot().State)
}

func TestController_InitiateWithoutTransactionID(t *testing.T) {
	gw := newGateway()
	gw.initiation = &payment.Initiation{}
	c := NewController(gw)

	_, err := c.Initiate(context.Background(), initiateRequest())
	require.ErrorIs(t, err, payment.ErrRejected)
	assert.Equal(t, StateFailed, c.Snapshot().State)
}

func TestController_WrongCodeStaysAwaiting(t *testing.T) {
	gw := newGateway()
	c := NewController(gw)
	ctx := context.Background()

	_, err := c.Initiate(ctx, initiateRequest())
	require.NoError(t, err)

	_, err = c.Submit(ctx, "000000")
	require.ErrorIs(t, err, payment.ErrRejected)

	snap := c.Snapshot()
	assert.Equal(t, StateAwaitingOTP, snap.State)
	assert.Equal(t, 1, snap.Attempts)
	assert.Equal(t, DefaultMaxAttempts-1, snap.RemainingAttempts)
	assert.Equal(t, "TX1", snap.TransactionID)

	_, err = c.Submit(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, StateVerified, c.Snapshot().State)
}

func TestController_AttemptsExhausted(t *testing.T) {
	gw := newGateway()
	c := NewController(gw, WithMaxAttempts(2))
	ctx := context.Background()

	_, err := c.Initiate(ctx, initiateRequest())
	require.NoError(t, err)

	_, err = c.Submit(ctx, "1")
	require.ErrorIs(t, err, payment.ErrRejected)
	_, err = c.Submit(ctx, "2")
	require.ErrorIs(t, err, ErrAttemptsExhausted)

	snap := c.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Empty(t, snap.TransactionID)
	assert.Equal(t, 0, snap.RemainingAttempts)

	_, err = c.Submit(ctx, "123456")
	require.ErrorIs(t, err, ErrNoChallenge)
	assert.Equal(t, 2, gw.verifyCalls)

	// Re-initiation resets the budget.
	_, err = c.Initiate(ctx, initiateRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, c.Snapshot().RemainingAttempts)
}

func TestController_VerifyTransportErrorCountsAsFailure(t *testing.T) {
	gw := newGateway()
	gw.verifyErr = errors.Wrap(payment.ErrTimeout, "no answer")
	c := NewController(gw)
	ctx := context.Background()

	_, err := c.Initiate(ctx, initiateRequest())
	require.NoError(t, err)

	_, err = c.Submit(ctx, "123456")
	require.ErrorIs(t, err, payment.ErrTimeout)
	assert.Equal(t, StateAwaitingOTP, c.Snapshot().State)

	_, ok := c.Verification()
	assert.False(t, ok)
}

func TestController_EmptyCodeRejectedLocally(t *testing.T) {
	gw := newGateway()
	c := NewController(gw)
	ctx := context.Background()

	_, err := c.Initiate(ctx, initiateRequest())
	require.NoError(t, err)

	_, err = c.Submit(ctx, "  ")
	require.ErrorIs(t, err, payment.ErrInvalidInput)
	assert.Equal(t, 0, gw.verifyCalls)
	assert.Equal(t, 0, c.Snapshot().Attempts)
	assert.Equal(t, StateAwaitingOTP, c.Snapshot().State)
}

func TestController_SecondInitiateRejected(t *testing.T) {
	gw := newGateway()
	c := NewController(gw)
	ctx := context.Background()

	_, err := c.Initiate(ctx, initiateRequest())
	require.NoError(t, err)

	_, err = c.Initiate(ctx, initiateRequest())
	require.ErrorIs(t, err, ErrChallengeActive)
	assert.Equal(t, 1, gw.initCalls)
	assert.Equal(t, "TX1", c.Snapshot().TransactionID)
}

func TestController_InitiateAfterVerified(t *testing.T) {
	gw := newGateway()
	c := NewController(gw)
	ctx := context.Background()

	_, err := c.Initiate(ctx, initiateRequest())
	require.NoError(t, err)
	_, err = c.Submit(ctx, "123456")
	require.NoError(t, err)

	_, err = c.Initiate(ctx, initiateRequest())
	require.ErrorIs(t, err, ErrAlreadyVerified)
	assert.Equal(t, 1, gw.initCalls)
}

func TestController_Cancel(t *testing.T) {
	gw := newGateway()
	c := NewController(gw)
	ctx := context.Background()

	assert.False(t, c.Cancel(), "nothing to cancel while idle")

	_, err := c.Initiate(ctx, initiateRequest())
	require.NoError(t, err)

	assert.True(t, c.Cancel())
	snap := c.Snapshot()
	assert.Equal(t, StateCancelled, snap.State)
	assert.Empty(t, snap.TransactionID)
	require.ErrorIs(t, snap.Err, ErrCancelled)
	assert.Equal(t, "payment was cancelled", snap.Err.Error())

	_, err = c.Submit(ctx, "123456")
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, gw.verifyCalls)
}

func TestController_LateInitiateResponseDiscarded(t *testing.T) {
	gw := newGateway()
	gw.initGate = make(chan struct{})
	c := NewController(gw)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Initiate(context.Background(), initiateRequest())
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return c.Snapshot().State == StateInitiating
	}, time.Second, time.Millisecond)

	require.True(t, c.Cancel())
	close(gw.initGate)

	require.ErrorIs(t, <-errCh, ErrCancelled)
	snap := c.Snapshot()
	assert.Equal(t, StateCancelled, snap.State)
	assert.Empty(t, snap.TransactionID)
}

func TestController_LateVerifyResponseDiscarded(t *testing.T) {
	gw := newGateway()
	c := NewController(gw)

	_, err := c.Initiate(context.Background(), initiateRequest())
	require.NoError(t, err)

	gw.verifyGate = make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "123456")
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return c.Snapshot().State == StateVerifying
	}, time.Second, time.Millisecond)

	_, err = c.Submit(context.Background(), "123456")
	require.ErrorIs(t, err, ErrBusy)

	require.True(t, c.Cancel())
	close(gw.verifyGate)

	require.ErrorIs(t, <-errCh, ErrCancelled)
	assert.Equal(t, StateCancelled, c.Snapshot().State)
	_, ok := c.Verification()
	assert.False(t, ok)
}
