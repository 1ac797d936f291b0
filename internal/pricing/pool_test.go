package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPoolClient struct {
	pool hProtocol.LiquidityPool
	err  error
}

func (c stubPoolClient) LiquidityPoolDetail(request horizonclient.LiquidityPoolRequest) (hProtocol.LiquidityPool, error) {
	return c.pool, c.err
}

func poolWithReserves(reserves ...hProtocol.LiquidityPoolReserve) hProtocol.LiquidityPool {
	return hProtocol.LiquidityPool{ID: "testpool", Reserves: reserves}
}

func TestHorizonPoolSourceReserves(t *testing.T) {
	source := &HorizonPoolSource{
		client: stubPoolClient{pool: poolWithReserves(
			hProtocol.LiquidityPoolReserve{Asset: "native", Amount: "50.0000000"},
			hProtocol.LiquidityPoolReserve{Asset: "CJS:GAAZI4TCR3TY5OJHCTJC2A4QSY6CJWJH5IAJTGKIN2ER7LBNVKOCCWN7", Amount: "1000.0000000"},
		)},
		poolID: "testpool",
	}

	reserves, err := source.Reserves(context.Background())
	require.NoError(t, err)
	assert.True(t, reserves.BaseReserve.Equal(decimal.NewFromInt(50)), "base: %s", reserves.BaseReserve)
	assert.True(t, reserves.TokenReserve.Equal(decimal.NewFromInt(1000)), "token: %s", reserves.TokenReserve)
}

func TestHorizonPoolSourceReservesFetchFailure(t *testing.T) {
	source := &HorizonPoolSource{
		client: stubPoolClient{err: errors.New("horizon: connection refused")},
		poolID: "testpool",
	}
	_, err := source.Reserves(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestReservesFromPoolRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name string
		pool hProtocol.LiquidityPool
	}{
		{"no reserves", poolWithReserves()},
		{"one reserve", poolWithReserves(
			hProtocol.LiquidityPoolReserve{Asset: "native", Amount: "50"},
		)},
		{"no native side", poolWithReserves(
			hProtocol.LiquidityPoolReserve{Asset: "CJS:GAAZI4TCR3TY5OJHCTJC2A4QSY6CJWJH5IAJTGKIN2ER7LBNVKOCCWN7", Amount: "1000"},
			hProtocol.LiquidityPoolReserve{Asset: "USDC:GAAZI4TCR3TY5OJHCTJC2A4QSY6CJWJH5IAJTGKIN2ER7LBNVKOCCWN7", Amount: "70"},
		)},
		{"unparseable amount", poolWithReserves(
			hProtocol.LiquidityPoolReserve{Asset: "native", Amount: "not-a-number"},
			hProtocol.LiquidityPoolReserve{Asset: "CJS:GAAZI4TCR3TY5OJHCTJC2A4QSY6CJWJH5IAJTGKIN2ER7LBNVKOCCWN7", Amount: "1000"},
		)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reservesFromPool(tt.pool)
			assert.ErrorIs(t, err, ErrInvalidQuote)
		})
	}
}

func TestDerivePoolIDIsStable(t *testing.T) {
	const issuer = "GAAZI4TCR3TY5OJHCTJC2A4QSY6CJWJH5IAJTGKIN2ER7LBNVKOCCWN7"

	first, err := DerivePoolID("CJS", issuer, 30)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := DerivePoolID("CJS", issuer, 30)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	otherFee, err := DerivePoolID("CJS", issuer, 100)
	require.NoError(t, err)
	assert.NotEqual(t, first, otherFee)
}

func TestDerivePoolIDRejectsBadAsset(t *testing.T) {
	_, err := DerivePoolID("WAYTOOLONGASSETCODE", "GAAZI4TCR3TY5OJHCTJC2A4QSY6CJWJH5IAJTGKIN2ER7LBNVKOCCWN7", 30)
	assert.Error(t, err)
}
