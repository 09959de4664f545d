// Package otp implements the challenge/verify/cancel state machine shared by
// every gateway that confirms payment with a one-time code.
package otp

import (
	"context"
	"strings"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// DefaultMaxAttempts is the number of failed verifications after which a
// challenge is abandoned and must be re-initiated.
const DefaultMaxAttempts = 3

// Gateway is an OTP-confirmed payment adapter.
type Gateway interface {
	payment.Gateway
	payment.Verifier
}

// State is the controller state.
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateAwaitingOTP
	StateVerifying
	StateVerified
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateInitiating:  "initiating",
	StateAwaitingOTP: "awaiting_otp",
	StateVerifying:   "verifying",
	StateVerified:    "verified",
	StateFailed:      "failed",
	StateCancelled:   "cancelled",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Active reports whether a challenge is in flight.
func (s State) Active() bool {
	return s == StateInitiating || s == StateAwaitingOTP || s == StateVerifying
}

var (
	// ErrChallengeActive is returned by Initiate while another challenge is
	// still in flight.
	ErrChallengeActive = errors.New("an OTP challenge is already active")
	// ErrNoChallenge is returned by Submit when no code is awaited.
	ErrNoChallenge = errors.New("no OTP challenge is awaiting a code")
	// ErrBusy is returned by Submit while a previous code is being verified.
	ErrBusy = errors.New("OTP verification already in progress")
	// ErrAttemptsExhausted is returned when the last allowed attempt fails.
	ErrAttemptsExhausted = errors.New("too many failed OTP attempts, start the payment again")
	// ErrCancelled is returned when the challenge was cancelled, including to
	// callers whose in-flight response arrived after the cancellation.
	ErrCancelled = errors.New("payment was cancelled")
	// ErrAlreadyVerified is returned by Initiate once payment is verified.
	ErrAlreadyVerified = errors.New("payment already verified")
)

// Snapshot is a point-in-time copy of the controller state.
type Snapshot struct {
	Gateway           string
	State             State
	TransactionID     string
	Attempts          int
	RemainingAttempts int
	Err               error
}

// Controller drives one OTP challenge at a time for a single checkout
// session. It is safe for concurrent use; no lock is held across gateway
// calls.
type Controller struct {
	gw          Gateway
	maxAttempts int

	mu           sync.Mutex
	state        State
	epoch        uint64
	txID         string
	attempts     int
	lastErr      error
	verification *payment.Verification
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxAttempts overrides DefaultMaxAttempts. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n >= 1 {
			c.maxAttempts = n
		}
	}
}

// NewController creates an idle Controller for gw.
func NewController(gw Gateway, opts ...Option) *Controller {
	c := &Controller{gw: gw, maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Gateway returns the gateway this controller drives.
func (c *Controller) Gateway() Gateway {
	return c.gw
}

// Initiate asks the gateway to send a code. It fails with ErrChallengeActive
// when a challenge is already running; cancel it first.
func (c *Controller) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	c.mu.Lock()
	switch {
	case c.state.Active():
		c.mu.Unlock()
		return nil, ErrChallengeActive
	case c.state == StateVerified:
		c.mu.Unlock()
		return nil, ErrAlreadyVerified
	}
	c.state = StateInitiating
	c.epoch++
	epoch := c.epoch
	c.txID = ""
	c.attempts = 0
	c.lastErr = nil
	c.mu.Unlock()

	init, err := c.gw.Initiate(ctx, req)
	if err == nil && (init == nil || init.TransactionID == "") {
		err = errors.Wrap(payment.ErrRejected, "gateway returned no transaction id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return nil, ErrCancelled
	}
	if err != nil {
		c.state = StateFailed
		c.lastErr = err
		return nil, err
	}
	c.txID = init.TransactionID
	c.state = StateAwaitingOTP
	return init, nil
}

// Submit verifies code against the pending transaction. A rejected code
// leaves the controller awaiting another code until the attempt budget is
// spent.
func (c *Controller) Submit(ctx context.Context, code string) (*payment.Verification, error) {
	code = strings.TrimSpace(code)

	c.mu.Lock()
	switch c.state {
	case StateAwaitingOTP:
	case StateVerifying:
		c.mu.Unlock()
		return nil, ErrBusy
	case StateCancelled:
		c.mu.Unlock()
		return nil, ErrCancelled
	default:
		c.mu.Unlock()
		return nil, ErrNoChallenge
	}
	if code == "" {
		c.mu.Unlock()
		return nil, errors.Wrap(payment.ErrInvalidInput, "OTP code is required")
	}
	c.state = StateVerifying
	epoch := c.epoch
	txID := c.txID
	c.mu.Unlock()

	v, err := c.gw.Verify(ctx, payment.VerifyRequest{TransactionID: txID, Code: code})
	if err == nil && (v == nil || v.Status != payment.StatusVerified) {
		err = errors.Wrap(payment.ErrRejected, "OTP not accepted")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return nil, ErrCancelled
	}
	if err != nil {
		c.attempts++
		if c.attempts >= c.maxAttempts {
			c.state = StateFailed
			c.txID = ""
			c.lastErr = errors.Wrap(ErrAttemptsExhausted, err.Error())
			return nil, c.lastErr
		}
		c.state = StateAwaitingOTP
		c.lastErr = err
		return nil, err
	}

	if v.TransactionID == "" {
		v.TransactionID = txID
	}
	c.state = StateVerified
	c.lastErr = nil
	c.verification = v
	return v, nil
}

// Cancel abandons an active challenge. Responses still in flight are
// discarded when they arrive. Cancel reports whether anything was cancelled.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Active() {
		return false
	}
	c.epoch++
	c.state = StateCancelled
	c.txID = ""
	c.lastErr = ErrCancelled
	return true
}

// Verification returns the successful verification, if any.
func (c *Controller) Verification() (*payment.Verification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verification, c.state == StateVerified
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.maxAttempts - c.attempts
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Gateway:           c.gw.Name(),
		State:             c.state,
		TransactionID:     c.txID,
		Attempts:          c.attempts,
		RemainingAttempts: remaining,
		Err:               c.lastErr,
	}
}
