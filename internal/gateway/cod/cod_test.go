package cod

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

func TestGateway(t *testing.T) {
	var g Gateway
	assert.Equal(t, "cash_on_delivery", g.Name())
	assert.Equal(t, payment.FlowPayThenCreate, g.Flow())
	assert.True(t, g.Available())

	init, err := g.Initiate(context.Background(), payment.InitiateRequest{Amount: decimal.NewFromInt(1390)})
	require.NoError(t, err)
	assert.Empty(t, init.TransactionID)
	assert.False(t, init.OTPRequired)

	_, err = g.Initiate(context.Background(), payment.InitiateRequest{Amount: decimal.Zero})
	require.NoError(t, err)

	_, err = g.Initiate(context.Background(), payment.InitiateRequest{Amount: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, payment.ErrInvalidInput)
}
