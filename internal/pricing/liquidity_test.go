package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapPurchasePassesThroughWithinCap(t *testing.T) {
	reserves := PoolReserves{TokenReserve: decimal.NewFromInt(1000), BaseReserve: decimal.NewFromInt(50)}
	result, err := CapPurchase(decimal.NewFromInt(500), reserves, decimal.RequireFromString("0.9"))
	require.NoError(t, err)
	assert.False(t, result.WasCapped)
	assert.True(t, result.Amount.Equal(decimal.NewFromInt(500)))
}

func TestCapPurchaseClampsToReserveFraction(t *testing.T) {
	reserves := PoolReserves{TokenReserve: decimal.NewFromInt(1000), BaseReserve: decimal.NewFromInt(50)}
	result, err := CapPurchase(decimal.NewFromInt(1128), reserves, decimal.RequireFromString("0.9"))
	require.NoError(t, err)
	assert.True(t, result.WasCapped)
	assert.True(t, result.Amount.Equal(decimal.NewFromInt(900)), "amount: %s", result.Amount)
}

func TestCapPurchaseExactBoundaryIsNotCapped(t *testing.T) {
	reserves := PoolReserves{TokenReserve: decimal.NewFromInt(1000), BaseReserve: decimal.NewFromInt(50)}
	result, err := CapPurchase(decimal.NewFromInt(900), reserves, decimal.RequireFromString("0.9"))
	require.NoError(t, err)
	assert.False(t, result.WasCapped)
	assert.True(t, result.Amount.Equal(decimal.NewFromInt(900)))
}

func TestCapPurchaseRejectsBadInputs(t *testing.T) {
	reserves := PoolReserves{TokenReserve: decimal.NewFromInt(1000), BaseReserve: decimal.NewFromInt(50)}

	_, err := CapPurchase(decimal.NewFromInt(10), reserves, decimal.Zero)
	assert.Error(t, err)

	_, err = CapPurchase(decimal.NewFromInt(10), reserves, decimal.RequireFromString("1.5"))
	assert.Error(t, err)

	_, err = CapPurchase(decimal.Zero, reserves, decimal.RequireFromString("0.9"))
	assert.Error(t, err)

	_, err = CapPurchase(decimal.NewFromInt(10), PoolReserves{TokenReserve: decimal.Zero}, decimal.RequireFromString("0.9"))
	assert.ErrorIs(t, err, ErrInvalidQuote)
}
