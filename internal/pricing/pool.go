package pricing

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/xdr"
)

const nativeAssetDesignator = "native"

type liquidityPoolClient interface {
	LiquidityPoolDetail(request horizonclient.LiquidityPoolRequest) (hProtocol.LiquidityPool, error)
}

// HorizonPoolSource reads the two-asset reserve snapshot of a Stellar
// liquidity pool. The base side is the native (XLM) reserve; the other side
// is the token being sold.
type HorizonPoolSource struct {
	client liquidityPoolClient
	poolID string
}

func NewHorizonPoolSource(horizonURL, poolID string, timeout time.Duration) *HorizonPoolSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HorizonPoolSource{
		client: &horizonclient.Client{
			HorizonURL: strings.TrimRight(horizonURL, "/"),
			HTTP:       &http.Client{Timeout: timeout},
		},
		poolID: poolID,
	}
}

// DerivePoolID computes the Stellar pool identifier for the native/token
// pair at the given fee tier. The native asset always sorts first.
func DerivePoolID(tokenCode, tokenIssuer string, feeBP int) (string, error) {
	token, err := xdr.NewCreditAsset(tokenCode, tokenIssuer)
	if err != nil {
		return "", fmt.Errorf("build token asset %s:%s: %w", tokenCode, tokenIssuer, err)
	}

	poolID, err := xdr.NewPoolId(xdr.MustNewNativeAsset(), token, xdr.Int32(feeBP))
	if err != nil {
		return "", fmt.Errorf("derive pool id: %w", err)
	}
	return xdr.Hash(poolID).HexString(), nil
}

func (s *HorizonPoolSource) Reserves(ctx context.Context) (PoolReserves, error) {
	if err := ctx.Err(); err != nil {
		return PoolReserves{}, err
	}

	pool, err := s.client.LiquidityPoolDetail(horizonclient.LiquidityPoolRequest{
		LiquidityPoolID: s.poolID,
	})
	if err != nil {
		return PoolReserves{}, fmt.Errorf("%w: fetch pool %s: %v", ErrUpstreamUnavailable, s.poolID, err)
	}

	return reservesFromPool(pool)
}

func reservesFromPool(pool hProtocol.LiquidityPool) (PoolReserves, error) {
	if len(pool.Reserves) != 2 {
		return PoolReserves{}, fmt.Errorf("%w: pool %s has %d reserves", ErrInvalidQuote, pool.ID, len(pool.Reserves))
	}

	var out PoolReserves
	sawNative := false
	for _, reserve := range pool.Reserves {
		amount, err := decimal.NewFromString(reserve.Amount)
		if err != nil {
			return PoolReserves{}, fmt.Errorf("%w: reserve amount %q: %v", ErrInvalidQuote, reserve.Amount, err)
		}
		if reserve.Asset == nativeAssetDesignator {
			out.BaseReserve = amount
			sawNative = true
		} else {
			out.TokenReserve = amount
		}
	}
	if !sawNative {
		return PoolReserves{}, fmt.Errorf("%w: pool %s has no native reserve", ErrInvalidQuote, pool.ID)
	}

	return out, nil
}
