package fees

import (
	"errors"
	"fmt"

	"github.com/cjslabs/cjspay/backend/internal/config"
	"github.com/shopspring/decimal"
)

// ErrInvalidAmount means the gross amount cannot cover the fixed fees, or the
// schedule itself is degenerate.
var ErrInvalidAmount = errors.New("invalid fiat amount")

var one = decimal.NewFromInt(1)

// Schedule holds the processor fee terms and the protocol treasury split.
// All fiat amounts are integer cents; rates are decimal fractions.
type Schedule struct {
	FlatFee       decimal.Decimal
	PercentFee    decimal.Decimal
	TreasurySplit decimal.Decimal
}

func ScheduleFromConfig(cfg config.FeeConfig) Schedule {
	return Schedule{
		FlatFee:       decimal.NewFromInt(cfg.FlatFeeCents),
		PercentFee:    cfg.PercentFee,
		TreasurySplit: cfg.TreasurySplit,
	}
}

// Breakdown decomposes a gross charge. Invariant:
// Gross = ProcessorFee + Treasury + Net, exact to the cent.
type Breakdown struct {
	Gross        decimal.Decimal `json:"gross_cents"`
	ProcessorFee decimal.Decimal `json:"processor_fee_cents"`
	Treasury     decimal.Decimal `json:"treasury_split_cents"`
	Net          decimal.Decimal `json:"net_cents"`
}

// ComputeNet applies the processor fee first, then the treasury split on the
// remainder. Fee and split are floored to the cent so the net side is never
// underfunded; the net takes the rounding remainder, which keeps the sum
// invariant exact.
func (s Schedule) ComputeNet(grossCents decimal.Decimal) (Breakdown, error) {
	if err := s.validate(); err != nil {
		return Breakdown{}, err
	}
	if grossCents.Sign() <= 0 {
		return Breakdown{}, fmt.Errorf("%w: gross %s cents", ErrInvalidAmount, grossCents)
	}

	processorFee := s.FlatFee.Add(grossCents.Mul(s.PercentFee)).Floor()
	remaining := grossCents.Sub(processorFee)
	if remaining.Sign() <= 0 {
		return Breakdown{}, fmt.Errorf("%w: gross %s cents does not cover fees", ErrInvalidAmount, grossCents)
	}

	treasury := remaining.Mul(s.TreasurySplit).Floor()
	net := remaining.Sub(treasury)

	return Breakdown{
		Gross:        grossCents,
		ProcessorFee: processorFee,
		Treasury:     treasury,
		Net:          net,
	}, nil
}

// GrossForNet inverts ComputeNet: the smallest gross charge whose net side is
// at least targetNet. Solves net = (gross - flat - gross*pct) * (1 - split)
// for gross, rounded up to the next cent; feeding the result back through
// ComputeNet reproduces targetNet within one cent.
func (s Schedule) GrossForNet(targetNetCents decimal.Decimal) (decimal.Decimal, error) {
	if err := s.validate(); err != nil {
		return decimal.Decimal{}, err
	}
	if targetNetCents.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: target net %s cents", ErrInvalidAmount, targetNetCents)
	}

	gross := targetNetCents.
		Div(one.Sub(s.TreasurySplit)).
		Add(s.FlatFee).
		Div(one.Sub(s.PercentFee)).
		Ceil()
	return gross, nil
}

func (s Schedule) validate() error {
	if s.FlatFee.Sign() < 0 {
		return fmt.Errorf("%w: negative flat fee %s", ErrInvalidAmount, s.FlatFee)
	}
	if s.PercentFee.Sign() < 0 || s.PercentFee.Cmp(one) >= 0 {
		return fmt.Errorf("%w: percent fee %s out of range [0,1)", ErrInvalidAmount, s.PercentFee)
	}
	if s.TreasurySplit.Sign() < 0 || s.TreasurySplit.Cmp(one) >= 0 {
		return fmt.Errorf("%w: treasury split %s out of range [0,1)", ErrInvalidAmount, s.TreasurySplit)
	}
	return nil
}
