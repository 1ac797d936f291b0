package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/mdp/qrterminal/v3"
	"github.com/shopspring/decimal"

	"github.com/cjslabs/cjspay/backend/internal/config"
	"github.com/cjslabs/cjspay/backend/internal/fees"
	"github.com/cjslabs/cjspay/backend/internal/gateway"
	"github.com/cjslabs/cjspay/backend/internal/logging"
	"github.com/cjslabs/cjspay/backend/internal/pricing"
	"github.com/cjslabs/cjspay/backend/internal/purchase"
	"github.com/cjslabs/cjspay/backend/internal/store"
	_ "github.com/joho/godotenv/autoload"
)

var stellarPublicKeyPattern = regexp.MustCompile(`^G[A-Z2-7]{55}$`)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.LoadBuyerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("buycjs", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, errAborted) {
			fmt.Println("Purchase cancelled.")
			return
		}
		logger.Error("purchase failed", "err", err)
		fmt.Fprintln(os.Stderr, "Purchase failed:", err)
		os.Exit(1)
	}
}

var errAborted = errors.New("aborted by user")

func run(ctx context.Context, cfg config.BuyerConfig, logger *slog.Logger) error {
	st, err := store.NewStore(cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	poolID := cfg.Pricing.PoolID
	if poolID == "" {
		poolID, err = pricing.DerivePoolID(cfg.Pricing.TokenCode, cfg.Pricing.TokenIssuer, cfg.Pricing.PoolFeeBP)
		if err != nil {
			return err
		}
	}

	spot := pricing.NewCoinGeckoSource(cfg.Pricing.SpotURL, cfg.Pricing.SpotAssetID, cfg.Pricing.FiatCode, cfg.Pricing.RequestTimeout)
	pool := pricing.NewHorizonPoolSource(cfg.Pricing.HorizonURL, poolID, cfg.Pricing.RequestTimeout)
	oracle := pricing.NewOracle(spot, pool)
	gatewayClient := gateway.NewClient(cfg.Gateway)
	poller := gateway.NewPoller(cfg.Gateway.PollInterval, cfg.Gateway.PollMaxAttempts, logger)

	pipeline := purchase.NewService(
		purchase.Config{
			SafetyFactor:  cfg.Pricing.SafetyFactor,
			AllowUncapped: cfg.Pricing.AllowUncapped,
			MinGrossCents: cfg.Fees.MinGrossCents,
			FiatCode:      cfg.Pricing.FiatCode,
			ProductLabel:  cfg.Gateway.ProductLabel,
		},
		oracle,
		pool,
		fees.ScheduleFromConfig(cfg.Fees),
		gatewayClient,
		poller,
		st,
		st,
		logger,
	)

	in := bufio.NewScanner(os.Stdin)
	fiatCode := strings.ToUpper(cfg.Pricing.FiatCode)

	fmt.Println("Welcome to CJS Pay!")
	fmt.Println("Buy CJS tokens with", fiatCode, "and receive them in your Stellar wallet.")
	fmt.Println()

	userID, err := ensureRegistered(ctx, in, st)
	if err != nil {
		return err
	}

	grossCents, err := promptAmount(ctx, in, fiatCode, cfg.Fees.MinGrossCents)
	if err != nil {
		return err
	}

	quote, err := pipeline.NewQuote(ctx, userID, grossCents)
	if err != nil {
		return err
	}
	printQuote(quote, fiatCode)

	confirmed, err := promptYesNo(ctx, in, "Proceed to payment? (yes or no): ")
	if err != nil {
		return err
	}
	if !confirmed {
		return errAborted
	}

	record, _, err := purchaseWithQuote(ctx, pipeline, quote)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Payment confirmed. %s CJS recorded for delivery (session %s).\n", record.TokenAmount.String(), record.SessionID)
	return nil
}

// purchaseWithQuote runs Begin and Complete on an already confirmed quote,
// surfacing the payment link before the poll starts.
func purchaseWithQuote(ctx context.Context, pipeline *purchase.Service, quote purchase.Quote) (store.SettlementRecord, purchase.Quote, error) {
	session, err := pipeline.Begin(ctx, quote)
	if err != nil {
		return store.SettlementRecord{}, quote, err
	}

	printPaymentLink(os.Stdout, session.URL)
	fmt.Println("Waiting for payment confirmation...")

	record, err := pipeline.Complete(ctx, session.ID)
	if err != nil {
		if errors.Is(err, gateway.ErrPaymentTimeout) {
			fmt.Println(paymentTimeoutAdvice(session.ID))
		}
		return store.SettlementRecord{}, quote, err
	}
	return record, quote, nil
}

// printPaymentLink shows the checkout URL both as text and as a terminal QR
// code so the payment can be picked up on a phone.
func printPaymentLink(w io.Writer, checkoutURL string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Scan this QR code or open the link to complete your payment:")
	fmt.Fprintln(w)
	qrterminal.GenerateWithConfig(checkoutURL, qrterminal.Config{
		Writer:    w,
		Level:     qrterminal.L,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	fmt.Fprintln(w)
	fmt.Fprintln(w, " ", checkoutURL)
}

// paymentTimeoutAdvice is deliberately careful: a payment may still be in
// flight at the gateway, so the CLI must not claim the user was not charged.
func paymentTimeoutAdvice(sessionID string) string {
	return fmt.Sprintf(
		"Payment confirmation timed out, but your payment may still complete at the gateway.\n"+
			"Check the purchase status at /v1/purchases/%s or run this tool again.\n"+
			"If it did go through, the settlement will be there; you will not be charged twice.",
		sessionID,
	)
}

func ensureRegistered(ctx context.Context, in *bufio.Scanner, st *store.Store) (string, error) {
	userID, err := promptLine(in, "Enter your user ID: ")
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", fmt.Errorf("user ID is required")
	}

	user, err := st.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("lookup user: %w", err)
	}
	if user != nil {
		fmt.Println("Welcome back! Your wallet", shortKey(user.PublicKey), "is on file.")
		return userID, nil
	}

	registered, err := promptYesNo(ctx, in, "Are you registered? (yes or no): ")
	if err != nil {
		return "", err
	}
	if registered {
		fmt.Println("No registration found for that ID. Let's register you now.")
	}

	for {
		key, err := promptLine(in, "Enter your Stellar public key (starts with G): ")
		if err != nil {
			return "", err
		}
		if !stellarPublicKeyPattern.MatchString(key) {
			fmt.Println("That does not look like a Stellar public key. It is 56 characters, starting with G.")
			continue
		}
		if err := st.UpsertUser(ctx, userID, key); err != nil {
			return "", fmt.Errorf("register user: %w", err)
		}
		fmt.Println("Registration complete.")
		return userID, nil
	}
}

func promptAmount(ctx context.Context, in *bufio.Scanner, fiatCode string, minGrossCents int64) (int64, error) {
	minGross := decimal.NewFromInt(minGrossCents).Div(decimal.NewFromInt(100))
	for {
		raw, err := promptLine(in, fmt.Sprintf("How much %s would you like to spend? ", fiatCode))
		if err != nil {
			return 0, err
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		amount, err := decimal.NewFromString(strings.TrimPrefix(raw, "$"))
		if err != nil || amount.Sign() <= 0 {
			fmt.Println("Please enter a positive amount, like 10 or 12.50.")
			continue
		}
		cents := amount.Mul(decimal.NewFromInt(100))
		if !cents.Equal(cents.Truncate(0)) {
			fmt.Println("Amounts are limited to whole cents.")
			continue
		}
		if cents.LessThan(decimal.NewFromInt(minGrossCents)) {
			fmt.Printf("The minimum purchase is %s %s.\n", minGross.StringFixed(2), fiatCode)
			continue
		}
		return cents.IntPart(), nil
	}
}

func printQuote(quote purchase.Quote, fiatCode string) {
	fmt.Println()
	fmt.Println("Your quote:")
	fmt.Printf("  Charge:          %s %s\n", centsToFiat(quote.Fees.Gross), fiatCode)
	fmt.Printf("  Processor fee:   %s %s\n", centsToFiat(quote.Fees.ProcessorFee), fiatCode)
	fmt.Printf("  Treasury split:  %s %s\n", centsToFiat(quote.Fees.Treasury), fiatCode)
	fmt.Printf("  Net for tokens:  %s %s\n", centsToFiat(quote.Fees.Net), fiatCode)
	fmt.Printf("  You receive:     %s CJS at %s %s each\n", quote.TokenAmount.String(), quote.UnitPriceFiat.String(), fiatCode)
	if quote.LiquidityCapped {
		fmt.Println("  Note: the amount was reduced to stay within available pool liquidity.")
	}
}

func centsToFiat(cents decimal.Decimal) string {
	return cents.Div(decimal.NewFromInt(100)).StringFixed(2)
}

func promptYesNo(ctx context.Context, in *bufio.Scanner, prompt string) (bool, error) {
	for {
		raw, err := promptLine(in, prompt)
		if err != nil {
			return false, err
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		switch strings.ToLower(raw) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Println("Please answer yes or no.")
	}
}

func promptLine(in *bufio.Scanner, prompt string) (string, error) {
	fmt.Print(prompt)
	if !in.Scan() {
		if err := in.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("input closed")
	}
	return strings.TrimSpace(in.Text()), nil
}
