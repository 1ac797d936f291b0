package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUpstreamUnavailable means a feed or pool fetch failed at the
	// transport level. Callers own the retry policy.
	ErrUpstreamUnavailable = errors.New("upstream price source unavailable")
	// ErrInvalidQuote means the upstream answered but the data is unusable
	// for pricing (missing, zero, or negative values).
	ErrInvalidQuote = errors.New("invalid price quote")
	// ErrLiquidityUnknown means pool reserves could not be read and the
	// caller did not opt in to an uncapped purchase.
	ErrLiquidityUnknown = errors.New("liquidity unknown")
)

// PricePoint is a one-shot unit price. It is recomputed per request and never
// cached; the spot price may move between quote and confirmation.
type PricePoint struct {
	UnitPriceFiat   decimal.Decimal
	SourceTimestamp time.Time
}

// PoolReserves is a read-only snapshot of the pool's two sides.
type PoolReserves struct {
	TokenReserve decimal.Decimal
	BaseReserve  decimal.Decimal
}

// BaseToTokenRatio returns base/token. Both sides must be strictly positive
// or the snapshot is unusable for pricing.
func (r PoolReserves) BaseToTokenRatio() (decimal.Decimal, error) {
	if r.TokenReserve.Sign() <= 0 || r.BaseReserve.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: pool reserves token=%s base=%s", ErrInvalidQuote, r.TokenReserve, r.BaseReserve)
	}
	return r.BaseReserve.Div(r.TokenReserve), nil
}

type SpotSource interface {
	SpotRate(ctx context.Context) (decimal.Decimal, error)
}

type PoolSource interface {
	Reserves(ctx context.Context) (PoolReserves, error)
}

// Oracle combines an external base-asset/fiat spot rate with the pool's
// base/token reserve ratio into a unit token price in fiat.
type Oracle struct {
	spot SpotSource
	pool PoolSource
}

func NewOracle(spot SpotSource, pool PoolSource) *Oracle {
	return &Oracle{spot: spot, pool: pool}
}

// UnitPrice fetches both sources fresh and multiplies them. No retry here.
func (o *Oracle) UnitPrice(ctx context.Context) (PricePoint, error) {
	spotRate, err := o.spot.SpotRate(ctx)
	if err != nil {
		return PricePoint{}, fmt.Errorf("spot rate: %w", err)
	}

	reserves, err := o.pool.Reserves(ctx)
	if err != nil {
		return PricePoint{}, fmt.Errorf("pool reserves: %w", err)
	}

	ratio, err := reserves.BaseToTokenRatio()
	if err != nil {
		return PricePoint{}, err
	}

	unitPrice := spotRate.Mul(ratio)
	if unitPrice.Sign() <= 0 {
		return PricePoint{}, fmt.Errorf("%w: unit price %s", ErrInvalidQuote, unitPrice)
	}

	return PricePoint{
		UnitPriceFiat:   unitPrice,
		SourceTimestamp: time.Now().UTC(),
	}, nil
}
