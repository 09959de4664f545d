package repository

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

func TestMemoryPendingStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPendingStore()

	_, err := store.Get(ctx, "s1")
	require.ErrorIs(t, err, order.ErrNotFound)

	sub := &order.PendingSubmission{
		SessionID:      "s1",
		Draft:          order.Draft{Cart: []order.Line{{ProductID: "p1", Quantity: 2}}, WalletAmount: decimal.NewFromInt(5)},
		Evidence:       &payment.Evidence{Gateway: "bkash", TransactionID: "TX1", Response: []byte("ok")},
		PaymentStatus:  order.PaymentStatusSuccess,
		IdempotencyKey: "key-1",
	}
	require.NoError(t, store.Save(ctx, sub))
	assert.Equal(t, 1, store.Len())

	// Mutating the caller's copy does not leak into the store.
	sub.Evidence.TransactionID = "TX2"
	sub.Draft.Cart[0].Quantity = 9

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "TX1", got.Evidence.TransactionID)
	assert.Equal(t, 2, got.Draft.Cart[0].Quantity)

	// Re-saving only updates retry bookkeeping.
	got.Attempts = 2
	got.LastError = "boom"
	got.IdempotencyKey = "other"
	require.NoError(t, store.Save(ctx, got))

	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, "boom", again.LastError)
	assert.Equal(t, "key-1", again.IdempotencyKey)

	require.NoError(t, store.Delete(ctx, "s1"))
	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	require.ErrorIs(t, err, order.ErrNotFound)
}
