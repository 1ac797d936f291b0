package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cjslabs/cjspay/backend/internal/fees"
	"github.com/cjslabs/cjspay/backend/internal/gateway"
	"github.com/cjslabs/cjspay/backend/internal/pricing"
	"github.com/cjslabs/cjspay/backend/internal/store"
	"github.com/shopspring/decimal"
)

// ErrUserNotRegistered means the purchase was attempted for a user id the
// user store does not know.
var ErrUserNotRegistered = errors.New("user not registered")

// Session metadata keys. Settlement recording reads these back instead of
// re-deriving price at confirmation time.
const (
	metaUserID      = "user_id"
	metaTokenAmount = "cjs_amount"
	metaUnitPrice   = "unit_price_fiat"
)

const centsPerUnit = 100

// tokenPrecision is the Stellar asset precision (7 decimal places).
const tokenPrecision = 7

type PriceOracle interface {
	UnitPrice(ctx context.Context) (pricing.PricePoint, error)
}

type ReserveSource interface {
	Reserves(ctx context.Context) (pricing.PoolReserves, error)
}

type CheckoutGateway interface {
	CreateSession(ctx context.Context, input gateway.CreateSessionInput) (gateway.Session, error)
	GetSession(ctx context.Context, sessionID string) (gateway.Session, error)
}

type SettlementStore interface {
	InsertSettlement(ctx context.Context, record store.SettlementRecord) (store.SettlementRecord, bool, error)
	GetSettlement(ctx context.Context, sessionID string) (*store.SettlementRecord, error)
}

type UserStore interface {
	GetUser(ctx context.Context, userID string) (*store.UserRecord, error)
}

// Config carries the pipeline's policy knobs.
type Config struct {
	SafetyFactor  decimal.Decimal
	AllowUncapped bool
	MinGrossCents int64
	FiatCode      string
	ProductLabel  string
}

// Service orchestrates quote -> cap-and-requote -> checkout -> poll ->
// idempotent settlement. Every dependency is passed in; one Service may
// serve concurrent flows since it holds no per-flow state.
type Service struct {
	cfg         Config
	oracle      PriceOracle
	reserves    ReserveSource
	schedule    fees.Schedule
	gateway     CheckoutGateway
	poller      gateway.Poller
	settlements SettlementStore
	users       UserStore
	logger      *slog.Logger
}

func NewService(
	cfg Config,
	oracle PriceOracle,
	reserves ReserveSource,
	schedule fees.Schedule,
	gw CheckoutGateway,
	poller gateway.Poller,
	settlements SettlementStore,
	users UserStore,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:         cfg,
		oracle:      oracle,
		reserves:    reserves,
		schedule:    schedule,
		gateway:     gw,
		poller:      poller,
		settlements: settlements,
		users:       users,
		logger:      logger,
	}
}

// Quote is frozen once a checkout session is opened against it.
type Quote struct {
	UserID          string          `json:"user_id"`
	TokenAmount     decimal.Decimal `json:"token_amount"`
	UnitPriceFiat   decimal.Decimal `json:"unit_price_fiat"`
	Fees            fees.Breakdown  `json:"fees"`
	LiquidityCapped bool            `json:"liquidity_capped"`
	QuotedAt        time.Time       `json:"quoted_at"`
}

// NewQuote prices a gross fiat amount: oracle -> fee split -> liquidity cap,
// and if the cap bites, re-derives the gross so the user is never charged
// for tokens the pool cannot deliver.
func (s *Service) NewQuote(ctx context.Context, userID string, grossCents int64) (Quote, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Quote{}, fmt.Errorf("user id is required")
	}
	if grossCents < s.cfg.MinGrossCents {
		return Quote{}, fmt.Errorf("%w: gross %d cents below minimum %d", fees.ErrInvalidAmount, grossCents, s.cfg.MinGrossCents)
	}

	price, err := s.oracle.UnitPrice(ctx)
	if err != nil {
		return Quote{}, err
	}

	breakdown, err := s.schedule.ComputeNet(decimal.NewFromInt(grossCents))
	if err != nil {
		return Quote{}, err
	}

	tokenAmount := tokensForNet(breakdown.Net, price.UnitPriceFiat)
	if tokenAmount.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: net %s cents buys no tokens at %s", fees.ErrInvalidAmount, breakdown.Net, price.UnitPriceFiat)
	}

	capped, err := s.applyLiquidityCap(ctx, tokenAmount)
	if err != nil {
		return Quote{}, err
	}

	if capped.WasCapped {
		breakdown, err = s.requoteForCap(capped.Amount, price.UnitPriceFiat)
		if err != nil {
			return Quote{}, err
		}
		tokenAmount = capped.Amount
		s.logger.Info("purchase capped by liquidity guard",
			"user_id", userID,
			"token_amount", tokenAmount.String(),
			"gross_cents", breakdown.Gross.String(),
		)
	}

	return Quote{
		UserID:          userID,
		TokenAmount:     tokenAmount,
		UnitPriceFiat:   price.UnitPriceFiat,
		Fees:            breakdown,
		LiquidityCapped: capped.WasCapped,
		QuotedAt:        price.SourceTimestamp,
	}, nil
}

// applyLiquidityCap fetches a fresh reserve snapshot for the guard. When that
// fetch fails the default is to fail closed; AllowUncapped is an explicit,
// logged risk acceptance.
func (s *Service) applyLiquidityCap(ctx context.Context, requested decimal.Decimal) (pricing.CapResult, error) {
	reserves, err := s.reserves.Reserves(ctx)
	if err != nil {
		if s.cfg.AllowUncapped {
			s.logger.Warn("reserve fetch failed, proceeding without liquidity cap", "err", err)
			return pricing.CapResult{Amount: requested}, nil
		}
		return pricing.CapResult{}, fmt.Errorf("%w: %v", pricing.ErrLiquidityUnknown, err)
	}
	return pricing.CapPurchase(requested, reserves, s.cfg.SafetyFactor)
}

// requoteForCap finds the largest gross whose net does not exceed what the
// capped token amount is worth. GrossForNet rounds up, so walk down at most a
// couple of cents until the net side fits under the cap.
func (s *Service) requoteForCap(cappedTokens, unitPrice decimal.Decimal) (fees.Breakdown, error) {
	targetNet := cappedTokens.Mul(unitPrice).Mul(decimal.NewFromInt(centsPerUnit)).Floor()
	if targetNet.Sign() <= 0 {
		return fees.Breakdown{}, fmt.Errorf("%w: capped amount %s is worth no fiat", fees.ErrInvalidAmount, cappedTokens)
	}

	gross, err := s.schedule.GrossForNet(targetNet)
	if err != nil {
		return fees.Breakdown{}, err
	}

	breakdown, err := s.schedule.ComputeNet(gross)
	if err != nil {
		return fees.Breakdown{}, err
	}
	for breakdown.Net.Cmp(targetNet) > 0 {
		gross = gross.Sub(decimal.NewFromInt(1))
		breakdown, err = s.schedule.ComputeNet(gross)
		if err != nil {
			return fees.Breakdown{}, err
		}
	}

	if breakdown.Gross.LessThan(decimal.NewFromInt(s.cfg.MinGrossCents)) {
		return fees.Breakdown{}, fmt.Errorf("%w: capped gross %s cents below minimum %d", fees.ErrInvalidAmount, breakdown.Gross, s.cfg.MinGrossCents)
	}
	return breakdown, nil
}

func tokensForNet(netCents, unitPrice decimal.Decimal) decimal.Decimal {
	return netCents.Div(decimal.NewFromInt(centsPerUnit)).Div(unitPrice).Truncate(tokenPrecision)
}

// Begin opens a checkout session for a frozen quote. The final amounts ride
// along as session metadata so settlement does not re-derive price.
func (s *Service) Begin(ctx context.Context, quote Quote) (gateway.Session, error) {
	user, err := s.users.GetUser(ctx, quote.UserID)
	if err != nil {
		return gateway.Session{}, err
	}
	if user == nil {
		return gateway.Session{}, fmt.Errorf("%w: %s", ErrUserNotRegistered, quote.UserID)
	}

	session, err := s.gateway.CreateSession(ctx, gateway.CreateSessionInput{
		GrossCents: quote.Fees.Gross.IntPart(),
		Currency:   s.cfg.FiatCode,
		Label:      fmt.Sprintf("%s %s", quote.TokenAmount, s.cfg.ProductLabel),
		Metadata: map[string]string{
			metaUserID:      quote.UserID,
			metaTokenAmount: quote.TokenAmount.String(),
			metaUnitPrice:   quote.UnitPriceFiat.String(),
		},
	})
	if err != nil {
		return gateway.Session{}, err
	}

	s.logger.Info("checkout session created",
		"session_id", session.ID,
		"user_id", quote.UserID,
		"gross_cents", quote.Fees.Gross.String(),
		"token_amount", quote.TokenAmount.String(),
	)
	return session, nil
}

// Complete polls the session to a terminal status and, on Paid, records the
// settlement exactly once. Re-entering with an already settled session
// returns the prior record without touching the gateway.
func (s *Service) Complete(ctx context.Context, sessionID string) (store.SettlementRecord, error) {
	if existing, err := s.settlements.GetSettlement(ctx, sessionID); err != nil {
		return store.SettlementRecord{}, err
	} else if existing != nil {
		return *existing, nil
	}

	session, err := s.poller.Await(ctx, s.gateway, sessionID)
	if err != nil {
		return store.SettlementRecord{}, err
	}
	return s.RecordPaid(ctx, session)
}

// RecordPaid writes the settlement record for a Paid session. Idempotent on
// session id: a second call returns the first record unchanged.
func (s *Service) RecordPaid(ctx context.Context, session gateway.Session) (store.SettlementRecord, error) {
	if session.Status != gateway.StatusPaid {
		return store.SettlementRecord{}, fmt.Errorf("session %s is %s, not paid", session.ID, session.Status)
	}

	tokenAmount, err := decimal.NewFromString(session.Metadata[metaTokenAmount])
	if err != nil {
		return store.SettlementRecord{}, fmt.Errorf("session %s metadata has no token amount: %w", session.ID, err)
	}

	record, inserted, err := s.settlements.InsertSettlement(ctx, store.SettlementRecord{
		SessionID:   session.ID,
		UserID:      session.Metadata[metaUserID],
		TokenAmount: tokenAmount,
		GrossCents:  session.GrossCents,
		RecordedAt:  time.Now().UTC(),
	})
	if err != nil {
		return store.SettlementRecord{}, err
	}

	if inserted {
		s.logger.Info("settlement recorded",
			"session_id", record.SessionID,
			"user_id", record.UserID,
			"token_amount", record.TokenAmount.String(),
		)
	} else {
		s.logger.Info("duplicate settlement resolved to existing record", "session_id", record.SessionID)
	}
	return record, nil
}

// Purchase drives the whole flow for one request. onSession fires as soon as
// the checkout session exists so the caller can surface the payment link
// while polling continues.
func (s *Service) Purchase(ctx context.Context, userID string, grossCents int64, onSession func(gateway.Session)) (store.SettlementRecord, Quote, error) {
	quote, err := s.NewQuote(ctx, userID, grossCents)
	if err != nil {
		return store.SettlementRecord{}, Quote{}, err
	}

	session, err := s.Begin(ctx, quote)
	if err != nil {
		return store.SettlementRecord{}, quote, err
	}
	if onSession != nil {
		onSession(session)
	}

	record, err := s.Complete(ctx, session.ID)
	if err != nil {
		return store.SettlementRecord{}, quote, err
	}
	return record, quote, nil
}
