package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

const (
	upsertPendingSQL = `INSERT INTO pending_submissions (
		session_id, draft, payment_gateway, payment_status, transaction_id, gateway_response,
		idempotency_key, payable_total, wallet_amount, attempts, last_error, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (session_id) DO UPDATE SET
		attempts = EXCLUDED.attempts,
		last_error = EXCLUDED.last_error,
		updated_at = EXCLUDED.updated_at`

	getPendingSQL = `SELECT session_id, draft, payment_gateway, payment_status, transaction_id, gateway_response,
		idempotency_key, payable_total, wallet_amount, attempts, last_error, created_at, updated_at
	FROM pending_submissions WHERE session_id = $1`

	deletePendingSQL = `DELETE FROM pending_submissions WHERE session_id = $1`
)

var _ order.Store = (*PendingRepository)(nil)

// DBTX is the subset of *pgxpool.Pool used by repositories.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PendingRepository implements order.Store backed by PostgreSQL.
//
// Only the attempt counter and last error change after the first insert: the
// draft, evidence and idempotency key of a submission are immutable.
type PendingRepository struct {
	pool DBTX
}

// NewPendingRepository returns a PendingRepository that uses the given pool.
func NewPendingRepository(pool DBTX) *PendingRepository {
	return &PendingRepository{pool: pool}
}

// Save inserts the submission or updates its retry bookkeeping.
func (r *PendingRepository) Save(ctx context.Context, s *order.PendingSubmission) error {
	draftJSON, err := json.Marshal(toDraftRecord(s.Draft))
	if err != nil {
		return fmt.Errorf("marshaling order draft: %w", err)
	}

	var (
		txID     *string
		response []byte
	)
	if s.Evidence != nil {
		txID = &s.Evidence.TransactionID
		response = s.Evidence.Response
	}

	_, err = r.pool.Exec(ctx, upsertPendingSQL,
		s.SessionID, draftJSON, s.Draft.PaymentGateway, string(s.PaymentStatus), txID, response,
		s.IdempotencyKey, s.Draft.PayableTotal, s.Draft.WalletAmount, s.Attempts, s.LastError,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving pending submission %q: %w", s.SessionID, err)
	}
	return nil
}

// Get returns the submission of sessionID or order.ErrNotFound.
func (r *PendingRepository) Get(ctx context.Context, sessionID string) (*order.PendingSubmission, error) {
	rows, err := r.pool.Query(ctx, getPendingSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("finding pending submission %q: %w", sessionID, err)
	}

	s, err := pgx.CollectExactlyOneRow(rows, scanPending)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("finding pending submission %q: %w", sessionID, err)
	}
	return s, nil
}

// Delete removes the submission of sessionID. Deleting a missing record is
// not an error.
func (r *PendingRepository) Delete(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx, deletePendingSQL, sessionID)
	if err != nil {
		return fmt.Errorf("deleting pending submission %q: %w", sessionID, err)
	}
	return nil
}

func scanPending(row pgx.CollectableRow) (*order.PendingSubmission, error) {
	var (
		s            order.PendingSubmission
		draftJSON    []byte
		gateway      string
		status       string
		txID         *string
		response     []byte
		payable      decimal.Decimal
		walletAmount decimal.Decimal
		attempts     int32
		createdAt    time.Time
		updatedAt    time.Time
	)
	if err := row.Scan(
		&s.SessionID, &draftJSON, &gateway, &status, &txID, &response,
		&s.IdempotencyKey, &payable, &walletAmount, &attempts, &s.LastError,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var rec draftRecord
	if err := json.Unmarshal(draftJSON, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling order draft: %w", err)
	}
	s.Draft = rec.toDraft()
	s.Draft.PaymentGateway = gateway
	s.Draft.PayableTotal = payable
	s.Draft.WalletAmount = walletAmount
	s.PaymentStatus = order.PaymentStatus(status)
	if txID != nil {
		s.Evidence = &payment.Evidence{
			Gateway:       gateway,
			TransactionID: *txID,
			Response:      response,
		}
	}
	s.Attempts = int(attempts)
	s.CreatedAt = createdAt
	s.UpdatedAt = updatedAt
	return &s, nil
}

// draftRecord is the JSONB layout of an order draft.
type draftRecord struct {
	ShippingAddress addressRecord `json:"shipping_address"`
	BillingAddress  addressRecord `json:"billing_address"`
	Cart            []lineRecord  `json:"cart"`
	ShippingID      string        `json:"shipping_id"`
	TaxID           string        `json:"tax_id"`
	CouponID        string        `json:"coupon_id,omitempty"`
	DeliveryTime    string        `json:"delivery_time"`
	UseWallet       bool          `json:"use_wallet"`
}

type addressRecord struct {
	Name         string `json:"name"`
	MobileNumber string `json:"mobile_number"`
	Email        string `json:"email,omitempty"`
	Line1        string `json:"line1"`
	Line2        string `json:"line2,omitempty"`
	City         string `json:"city"`
	Area         string `json:"area,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Country      string `json:"country,omitempty"`
}

type lineRecord struct {
	ProductID         string `json:"product_id"`
	VariationOptionID string `json:"variation_option_id,omitempty"`
	Quantity          int    `json:"quantity"`
}

func toDraftRecord(d order.Draft) draftRecord {
	rec := draftRecord{
		ShippingAddress: addressRecord(d.ShippingAddress),
		BillingAddress:  addressRecord(d.BillingAddress),
		Cart:            make([]lineRecord, len(d.Cart)),
		ShippingID:      d.ShippingID,
		TaxID:           d.TaxID,
		CouponID:        d.CouponID,
		DeliveryTime:    d.DeliveryTime,
		UseWallet:       d.UseWallet,
	}
	for i, l := range d.Cart {
		rec.Cart[i] = lineRecord(l)
	}
	return rec
}

func (rec draftRecord) toDraft() order.Draft {
	d := order.Draft{
		ShippingAddress: order.Address(rec.ShippingAddress),
		BillingAddress:  order.Address(rec.BillingAddress),
		Cart:            make([]order.Line, len(rec.Cart)),
		ShippingID:      rec.ShippingID,
		TaxID:           rec.TaxID,
		CouponID:        rec.CouponID,
		DeliveryTime:    rec.DeliveryTime,
		UseWallet:       rec.UseWallet,
	}
	for i, l := range rec.Cart {
		d.Cart[i] = order.Line(l)
	}
	return d
}
