package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/vitos/perp_engine/internal/domain"
	"go.uber.org/zap"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"kill_switch":        s.guard.Engaged(),
		"kill_switch_reason": s.guard.Reason(),
		"open_positions":     s.ledger.OpenCount(),
		"daily_realized_pnl": s.risk.DailyRealized(),
		"active_intents":     len(s.engine.Statuses()),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ledger.Snapshot())
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Statuses())
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	fills, err := s.tradeRepo.ListFills(r.Context(), queryLimit(r, 100))
	if err != nil {
		s.logger.Error("failed to list fills", zap.Error(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, fills)
}

func (s *Server) handleClosures(w http.ResponseWriter, r *http.Request) {
	closures, err := s.tradeRepo.ListClosures(r.Context(), queryLimit(r, 100))
	if err != nil {
		s.logger.Error("failed to list closures", zap.Error(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, closures)
}

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": s.limits.Version(),
		"limits":  s.limits.Get(),
	})
}

// handleUpdateLimits applies a partial update to the runtime limits. Only
// provided fields change; the next decision cycle picks the new values up.
func (s *Server) handleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VirtualEquity          *float64 `json:"virtual_equity"`
		PerTradeRiskPct        *float64 `json:"per_trade_risk_pct"`
		DailyMaxLossPct        *float64 `json:"daily_max_loss_pct"`
		MaxConcurrentPositions *int     `json:"max_concurrent_positions"`
		MaxExpectedSlippageBps *float64 `json:"max_expected_slippage_bps"`
		MaxActualSlippageBps   *float64 `json:"max_actual_slippage_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	updated := s.limits.Update(func(l *domain.RiskLimits) {
		if req.VirtualEquity != nil && *req.VirtualEquity > 0 {
			l.VirtualEquity = *req.VirtualEquity
		}
		if req.PerTradeRiskPct != nil && *req.PerTradeRiskPct > 0 {
			l.PerTradeRiskPct = *req.PerTradeRiskPct
		}
		if req.DailyMaxLossPct != nil && *req.DailyMaxLossPct > 0 {
			l.DailyMaxLossPct = *req.DailyMaxLossPct
		}
		if req.MaxConcurrentPositions != nil && *req.MaxConcurrentPositions > 0 {
			l.MaxConcurrentPositions = *req.MaxConcurrentPositions
		}
		if req.MaxExpectedSlippageBps != nil && *req.MaxExpectedSlippageBps > 0 {
			l.MaxExpectedSlippageBps = *req.MaxExpectedSlippageBps
		}
		if req.MaxActualSlippageBps != nil && *req.MaxActualSlippageBps > 0 {
			l.MaxActualSlippageBps = *req.MaxActualSlippageBps
		}
	})
	s.logger.Info("risk limits updated via API", zap.Uint64("version", s.limits.Version()))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": s.limits.Version(),
		"limits":  updated,
	})
}

func (s *Server) handleClearKillSwitch(w http.ResponseWriter, r *http.Request) {
	s.guard.Clear(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"kill_switch": s.guard.Engaged(),
	})
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}
