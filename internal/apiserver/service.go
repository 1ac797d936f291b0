package apiserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cjslabs/cjspay/backend/internal/config"
	"github.com/cjslabs/cjspay/backend/internal/fees"
	"github.com/cjslabs/cjspay/backend/internal/gateway"
	"github.com/cjslabs/cjspay/backend/internal/pricing"
	"github.com/cjslabs/cjspay/backend/internal/purchase"
	"github.com/cjslabs/cjspay/backend/internal/store"
)

// Service is the HTTP surface over the purchase pipeline: registration,
// quoting, purchase creation, status, and a live price ticker.
type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            *store.Store
	oracle           purchase.PriceOracle
	pipeline         *purchase.Service
	sessions         gateway.SessionGetter
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	st, err := store.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	poolID := cfg.Pricing.PoolID
	if poolID == "" {
		poolID, err = pricing.DerivePoolID(cfg.Pricing.TokenCode, cfg.Pricing.TokenIssuer, cfg.Pricing.PoolFeeBP)
		if err != nil {
			_ = st.Close()
			return nil, err
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

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            st,
		oracle:           oracle,
		pipeline:         pipeline,
		sessions:         gatewayClient,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/register", s.handleRegister)
	mux.HandleFunc("/v1/quote", s.handleQuote)
	mux.HandleFunc("/v1/purchases", s.handlePurchases)
	mux.HandleFunc("/v1/purchases/", s.handlePurchaseStatus)
	mux.HandleFunc("/ws", s.handlePriceTicker)

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.withCORS(mux),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"horizon", s.cfg.Pricing.HorizonURL,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}
