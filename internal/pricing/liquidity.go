package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CapResult is the liquidity guard's verdict on a requested token amount.
type CapResult struct {
	Amount    decimal.Decimal
	WasCapped bool
}

var one = decimal.NewFromInt(1)

// CapPurchase clamps a requested token amount to a fraction of the pool's
// token reserve. Draining a constant-product pool toward zero makes slippage
// unbounded, so single purchases are held under tokenReserve * safetyFactor.
func CapPurchase(requested decimal.Decimal, reserves PoolReserves, safetyFactor decimal.Decimal) (CapResult, error) {
	if safetyFactor.Sign() <= 0 || safetyFactor.Cmp(one) > 0 {
		return CapResult{}, fmt.Errorf("safety factor %s out of range (0,1]", safetyFactor)
	}
	if requested.Sign() <= 0 {
		return CapResult{}, fmt.Errorf("requested token amount %s must be positive", requested)
	}
	if reserves.TokenReserve.Sign() <= 0 {
		return CapResult{}, fmt.Errorf("%w: token reserve %s", ErrInvalidQuote, reserves.TokenReserve)
	}

	maxPurchasable := reserves.TokenReserve.Mul(safetyFactor)
	if requested.Cmp(maxPurchasable) <= 0 {
		return CapResult{Amount: requested}, nil
	}
	return CapResult{Amount: maxPurchasable, WasCapped: true}, nil
}
