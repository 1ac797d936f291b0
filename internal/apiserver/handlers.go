package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/cjslabs/cjspay/backend/internal/fees"
	"github.com/cjslabs/cjspay/backend/internal/gateway"
	"github.com/cjslabs/cjspay/backend/internal/pricing"
	"github.com/cjslabs/cjspay/backend/internal/purchase"
	"github.com/cjslabs/cjspay/backend/internal/store"
)

var stellarPublicKeyPattern = regexp.MustCompile(`^G[A-Z2-7]{55}$`)

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

type registerRequest struct {
	UserID    string `json:"user_id"`
	Step      string `json:"step"`
	Answer    string `json:"answer"`
	PublicKey string `json:"public_key"`
}

type registerResponse struct {
	Message     string            `json:"message"`
	Explanation string            `json:"explanation,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Registered  bool              `json:"registered"`
	User        *store.UserRecord `json:"user,omitempty"`
}

// handleRegister runs the stepwise registration handshake: an initial call
// gets the welcome prompt, step=confirm checks an existing registration, and
// step=register links the user id to a Stellar public key.
func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		s.respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Step)) {
	case "":
		s.respondJSON(w, http.StatusOK, registerResponse{
			Message:     "Welcome to CJS Pay!",
			Explanation: "Registration links your user ID to a Stellar public key so purchases can be settled to your wallet.",
			Prompt:      "Are you registered? (yes or no)",
		})

	case "confirm":
		user, err := s.store.GetUser(r.Context(), req.UserID)
		if err != nil {
			s.logger.Error("registration lookup failed", "err", err, "user_id", req.UserID)
			s.respondError(w, http.StatusInternalServerError, "registration lookup failed")
			return
		}
		if user != nil {
			s.respondJSON(w, http.StatusOK, registerResponse{
				Message:    "You're registered and ready to make a purchase.",
				Registered: true,
				User:       user,
			})
			return
		}
		s.respondJSON(w, http.StatusOK, registerResponse{
			Message: "Not registered yet. Send your user_id and Stellar public_key with step \"register\".",
		})

	case "register":
		key := strings.TrimSpace(req.PublicKey)
		if key == "" {
			s.respondError(w, http.StatusBadRequest, "public_key is required")
			return
		}
		if !stellarPublicKeyPattern.MatchString(key) {
			s.respondError(w, http.StatusBadRequest, "invalid Stellar public key format")
			return
		}

		existing, err := s.store.GetUser(r.Context(), req.UserID)
		if err != nil {
			s.logger.Error("registration lookup failed", "err", err, "user_id", req.UserID)
			s.respondError(w, http.StatusInternalServerError, "registration failed")
			return
		}
		if existing != nil {
			s.respondJSON(w, http.StatusOK, registerResponse{
				Message:    "You are already registered.",
				Registered: true,
				User:       existing,
			})
			return
		}

		if err := s.store.UpsertUser(r.Context(), req.UserID, key); err != nil {
			s.logger.Error("registration failed", "err", err, "user_id", req.UserID)
			s.respondError(w, http.StatusInternalServerError, "registration failed")
			return
		}
		user, err := s.store.GetUser(r.Context(), req.UserID)
		if err != nil {
			s.logger.Error("registration readback failed", "err", err, "user_id", req.UserID)
			s.respondError(w, http.StatusInternalServerError, "registration failed")
			return
		}
		s.logger.Info("registered new user", "user_id", req.UserID)
		s.respondJSON(w, http.StatusOK, registerResponse{
			Message:    "Registration complete.",
			Registered: true,
			User:       user,
		})

	default:
		s.respondError(w, http.StatusBadRequest, "invalid step")
	}
}

func (s *Service) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	grossCents, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("gross_cents")), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid gross_cents")
		return
	}

	quote, err := s.pipeline.NewQuote(r.Context(), userID, grossCents)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, quote)
}

type createPurchaseRequest struct {
	UserID     string `json:"user_id"`
	GrossCents int64  `json:"gross_cents"`
}

type createPurchaseResponse struct {
	SessionID  string         `json:"session_id"`
	PaymentURL string         `json:"payment_url"`
	Quote      purchase.Quote `json:"quote"`
}

// handlePurchases creates a purchase (POST) or lists a user's settlements
// (GET). Creation opens the checkout session and returns immediately; the
// client completes payment out of band and checks back on the status route.
func (s *Service) handlePurchases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createPurchaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		quote, err := s.pipeline.NewQuote(r.Context(), strings.TrimSpace(req.UserID), req.GrossCents)
		if err != nil {
			s.respondPipelineError(w, err)
			return
		}

		session, err := s.pipeline.Begin(r.Context(), quote)
		if err != nil {
			s.respondPipelineError(w, err)
			return
		}

		s.respondJSON(w, http.StatusCreated, createPurchaseResponse{
			SessionID:  session.ID,
			PaymentURL: session.URL,
			Quote:      quote,
		})

	case http.MethodGet:
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			s.respondError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				s.respondError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = parsed
		}

		records, err := s.store.ListSettlements(r.Context(), userID, limit)
		if err != nil {
			s.logger.Error("list settlements failed", "err", err, "user_id", userID)
			s.respondError(w, http.StatusInternalServerError, "failed to list settlements")
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]any{"items": records})

	default:
		s.respondMethodNotAllowed(w)
	}
}

type purchaseStatusResponse struct {
	SessionID  string                  `json:"session_id"`
	Status     gateway.Status          `json:"status"`
	Settlement *store.SettlementRecord `json:"settlement,omitempty"`
}

// handlePurchaseStatus reports the session's current state. A Paid session
// observed here is settled on the spot; the write is idempotent so racing
// with a polling CLI cannot double-record.
func (s *Service) handlePurchaseStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	sessionID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/purchases/"))
	if sessionID == "" || strings.Contains(sessionID, "/") {
		s.respondError(w, http.StatusNotFound, "unknown purchase")
		return
	}

	if record, err := s.store.GetSettlement(r.Context(), sessionID); err != nil {
		s.logger.Error("settlement lookup failed", "err", err, "session_id", sessionID)
		s.respondError(w, http.StatusInternalServerError, "settlement lookup failed")
		return
	} else if record != nil {
		s.respondJSON(w, http.StatusOK, purchaseStatusResponse{
			SessionID:  sessionID,
			Status:     gateway.StatusPaid,
			Settlement: record,
		})
		return
	}

	session, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}

	response := purchaseStatusResponse{SessionID: session.ID, Status: session.Status}
	if session.Status == gateway.StatusPaid {
		record, err := s.pipeline.RecordPaid(r.Context(), session)
		if err != nil {
			s.logger.Error("settlement record failed", "err", err, "session_id", sessionID)
			s.respondError(w, http.StatusInternalServerError, "settlement record failed")
			return
		}
		response.Settlement = &record
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Service) respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fees.ErrInvalidAmount):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, purchase.ErrUserNotRegistered):
		s.respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, pricing.ErrInvalidQuote):
		s.logger.Warn("degenerate price quote", "err", err)
		s.respondError(w, http.StatusBadGateway, "pricing data unavailable")
	case errors.Is(err, pricing.ErrUpstreamUnavailable), errors.Is(err, gateway.ErrUnavailable), errors.Is(err, pricing.ErrLiquidityUnknown):
		s.logger.Warn("upstream unavailable", "err", err)
		s.respondError(w, http.StatusServiceUnavailable, "upstream service unavailable, try again")
	case errors.Is(err, gateway.ErrPaymentTimeout):
		s.respondError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("purchase pipeline error", "err", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "err", err)
	}
}

func (s *Service) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, errorResponse{Error: message})
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) isOriginAllowed(origin string) bool {
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && s.isOriginAllowed(origin) {
			if s.allowAllOrigins {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
