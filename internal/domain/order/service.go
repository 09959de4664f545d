package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

var (
	// ErrAlreadyPending is returned by Prepare when the session already holds
	// a submission. The existing one must be submitted first.
	ErrAlreadyPending = errors.New("order submission already pending")
	// ErrSubmitInProgress is returned when a submission for the same session
	// is already on its way to the backend.
	ErrSubmitInProgress = errors.New("order submission in progress")
	// ErrEmptyCart is returned by Prepare for a draft without lines.
	ErrEmptyCart = errors.New("cart is empty")
)

// SubmitError reports a failed order creation. The pending submission and its
// payment evidence are kept; Submit may be called again.
type SubmitError struct {
	SessionID string
	Attempts  int
	Retryable bool
	// Paid is set when the submission carries payment evidence.
	Paid bool
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("create order for session %s (attempt %d): %v", e.SessionID, e.Attempts, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Service creates orders on the backend exactly once per payment. It never
// talks to a payment gateway: a retry resends the stored evidence.
type Service struct {
	store   Store
	creator Creator
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewService creates an order Service.
func NewService(store Store, creator Creator) *Service {
	return &Service{
		store:    store,
		creator:  creator,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Prepare records the order for sessionID together with its payment
// evidence. evidence is nil for cash on delivery and for orders created
// before a redirect payment.
func (s *Service) Prepare(
	ctx context.Context,
	sessionID string,
	draft Draft,
	status PaymentStatus,
	evidence *payment.Evidence,
) (*PendingSubmission, error) {
	if len(draft.Cart) == 0 {
		return nil, ErrEmptyCart
	}
	switch _, err := s.store.Get(ctx, sessionID); {
	case err == nil:
		return nil, ErrAlreadyPending
	case !errors.Is(err, ErrNotFound):
		return nil, errors.Wrap(err, "get pending submission")
	}

	now := s.now()
	p := &PendingSubmission{
		SessionID:      sessionID,
		Draft:          draft,
		Evidence:       evidence,
		PaymentStatus:  status,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Save(ctx, p); err != nil {
		return nil, errors.Wrap(err, "save pending submission")
	}
	return p, nil
}

// Pending returns the pending submission of sessionID.
func (s *Service) Pending(ctx context.Context, sessionID string) (*PendingSubmission, error) {
	return s.store.Get(ctx, sessionID)
}

// Submit sends the pending submission of sessionID to the backend. On success
// the submission is deleted. On failure it is kept with its attempt counter
// bumped and a *SubmitError is returned.
func (s *Service) Submit(ctx context.Context, sessionID string) (*Receipt, error) {
	if !s.acquire(sessionID) {
		return nil, ErrSubmitInProgress
	}
	defer s.release(sessionID)

	lg := zctx.From(ctx).With(zap.String("session_id", sessionID))

	p, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "get pending submission")
	}

	req := Request{
		Draft:          p.Draft,
		PaymentStatus:  p.PaymentStatus,
		IdempotencyKey: p.IdempotencyKey,
	}
	if p.Evidence != nil {
		req.PaymentID = p.Evidence.TransactionID
		req.PaymentResponse = p.Evidence.Response
	}

	receipt, err := s.creator.CreateOrder(ctx, req)
	if err == nil && (receipt == nil || receipt.TrackingNumber == "") {
		err = errors.New("backend returned no tracking number")
	}
	if err != nil {
		p.Attempts++
		p.LastError = err.Error()
		p.UpdatedAt = s.now()
		if saveErr := s.store.Save(ctx, p); saveErr != nil {
			// The record from Prepare is still in the store; only the
			// counter is lost.
			lg.Error("Update pending submission", zap.Error(saveErr))
		}
		lg.Warn("Order creation failed",
			zap.Int("attempts", p.Attempts),
			zap.Bool("has_evidence", p.Evidence != nil),
			zap.Error(err),
		)
		return nil, &SubmitError{
			SessionID: sessionID,
			Attempts:  p.Attempts,
			Retryable: true,
			Paid:      p.Evidence != nil,
			Err:       err,
		}
	}

	if err := s.store.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
		// The order exists; a stale record only means a retry would be
		// deduplicated by its idempotency key.
		lg.Error("Delete pending submission", zap.Error(err))
	}
	lg.Info("Order created", zap.String("tracking_number", receipt.TrackingNumber))
	return receipt, nil
}

func (s *Service) acquire(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[sessionID]; busy {
		return false
	}
	s.inflight[sessionID] = struct{}{}
	return true
}

func (s *Service) release(sessionID string) {
	s.mu.Lock()
	delete(s.inflight, sessionID)
	s.mu.Unlock()
}
