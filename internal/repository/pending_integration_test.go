//go:build integration

package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "checkout",
				"POSTGRES_PASSWORD": "checkout",
				"POSTGRES_DB":       "checkout",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ctr.Terminate(context.Background())
	})

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://checkout:checkout@%s:%s/checkout?sslmode=disable", host, port.Port())
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	// Applied migrations are recorded and skipped.
	require.NoError(t, RunMigrations(ctx, pool))

	var version int64
	require.NoError(t, pool.QueryRow(ctx, `SELECT max(version_id) FROM goose_db_version`).Scan(&version))
	require.Equal(t, int64(1), version)
	return pool
}

func TestPendingRepository(t *testing.T) {
	pool := startPostgres(t)
	repo := NewPendingRepository(pool)
	ctx := context.Background()

	_, err := repo.Get(ctx, "missing")
	require.ErrorIs(t, err, order.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	sub := &order.PendingSubmission{
		SessionID: "s1",
		Draft: order.Draft{
			ShippingAddress: order.Address{Name: "Rahim", MobileNumber: "01712345678", Line1: "House 1", City: "Dhaka"},
			BillingAddress:  order.Address{Name: "Rahim", MobileNumber: "01712345678", Line1: "House 1", City: "Dhaka"},
			PaymentGateway:  "bkash",
			Cart: []order.Line{
				{ProductID: "p1", Quantity: 2},
				{ProductID: "p2", VariationOptionID: "v7", Quantity: 1},
			},
			ShippingID:   "1",
			TaxID:        "2",
			CouponID:     "9",
			DeliveryTime: "Morning",
			UseWallet:    true,
			WalletAmount: decimal.RequireFromString("500.00"),
			PayableTotal: decimal.RequireFromString("1390.00"),
		},
		Evidence:       &payment.Evidence{Gateway: "bkash", TransactionID: "TX1", Response: []byte(`{"status":"ok"}`)},
		PaymentStatus:  order.PaymentStatusSuccess,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, repo.Save(ctx, sub))

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sub.Draft.Cart, got.Draft.Cart)
	assert.Equal(t, sub.Draft.ShippingAddress, got.Draft.ShippingAddress)
	assert.Equal(t, "bkash", got.Draft.PaymentGateway)
	assert.True(t, got.Draft.PayableTotal.Equal(sub.Draft.PayableTotal))
	assert.True(t, got.Draft.WalletAmount.Equal(sub.Draft.WalletAmount))
	require.NotNil(t, got.Evidence)
	assert.Equal(t, "TX1", got.Evidence.TransactionID)
	assert.Equal(t, sub.Evidence.Response, got.Evidence.Response)
	assert.Equal(t, sub.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, order.PaymentStatusSuccess, got.PaymentStatus)

	got.Attempts = 1
	got.LastError = "backend unreachable"
	got.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, repo.Save(ctx, got))

	again, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "backend unreachable", again.LastError)
	assert.Equal(t, sub.IdempotencyKey, again.IdempotencyKey)

	require.NoError(t, repo.Delete(ctx, "s1"))
	_, err = repo.Get(ctx, "s1")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestPendingRepository_CashOnDelivery(t *testing.T) {
	pool := startPostgres(t)
	repo := NewPendingRepository(pool)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.Save(ctx, &order.PendingSubmission{
		SessionID:      "cod",
		Draft:          order.Draft{PaymentGateway: "cash_on_delivery", Cart: []order.Line{{ProductID: "p1", Quantity: 1}}},
		PaymentStatus:  order.PaymentStatusCashOnDelivery,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}))

	got, err := repo.Get(ctx, "cod")
	require.NoError(t, err)
	assert.Nil(t, got.Evidence)
	assert.Equal(t, order.PaymentStatusCashOnDelivery, got.PaymentStatus)
}
