package apiserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type tickerEnvelope struct {
	Type          string `json:"type"`
	UnitPriceFiat string `json:"unit_price_fiat,omitempty"`
	FiatCode      string `json:"fiat_code,omitempty"`
	Error         string `json:"error,omitempty"`
	TS            int64  `json:"ts"`
}

var tickerUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handlePriceTicker streams the live token unit price over a websocket. A
// fresh quote is pushed on connect and then on every ticker interval; oracle
// failures are reported in band so the client can keep the connection open.
func (s *Service) handlePriceTicker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := tickerUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readErrCh := make(chan error, 1)
	go tickerReadLoop(ctx, conn, readErrCh)

	if err := s.writePriceTick(ctx, conn); err != nil {
		return
	}

	ticker := time.NewTicker(s.cfg.TickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-ticker.C:
			if err := s.writePriceTick(ctx, conn); err != nil {
				return
			}
		}
	}
}

func (s *Service) writePriceTick(ctx context.Context, conn *websocket.Conn) error {
	point, err := s.oracle.UnitPrice(ctx)
	if err != nil {
		s.logger.Warn("price tick failed", "err", err)
		return writeTickerJSON(conn, tickerEnvelope{
			Type:  "error",
			Error: "price unavailable",
			TS:    time.Now().Unix(),
		})
	}
	return writeTickerJSON(conn, tickerEnvelope{
		Type:          "price",
		UnitPriceFiat: point.UnitPriceFiat.String(),
		FiatCode:      s.cfg.Pricing.FiatCode,
		TS:            point.SourceTimestamp.Unix(),
	})
}

// tickerReadLoop drains client frames so pings and close messages are
// processed; the ticker channel is push only.
func tickerReadLoop(ctx context.Context, conn *websocket.Conn, readErrCh chan<- error) {
	conn.SetReadLimit(1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			readErrCh <- err
			return
		}
	}
}

func writeTickerJSON(conn *websocket.Conn, payload tickerEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}
