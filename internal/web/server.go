package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vitos/perp_engine/internal/domain"
	"github.com/vitos/perp_engine/internal/infrastructure/metrics"
	"github.com/vitos/perp_engine/internal/usecase"
	"go.uber.org/zap"
)

type Server struct {
	router    *http.ServeMux
	server    *http.Server
	ledger    *usecase.PositionLedger
	engine    *usecase.ExecutionEngine
	risk      *usecase.RiskEngine
	guard     *usecase.SlippageGuard
	limits    *usecase.LimitsStore
	tradeRepo domain.TradeRepository
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewServer(
	port int,
	ledger *usecase.PositionLedger,
	engine *usecase.ExecutionEngine,
	risk *usecase.RiskEngine,
	guard *usecase.SlippageGuard,
	limits *usecase.LimitsStore,
	tradeRepo domain.TradeRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		ledger:    ledger,
		engine:    engine,
		risk:      risk,
		guard:     guard,
		limits:    limits,
		tradeRepo: tradeRepo,
		metrics:   m,
		logger:    logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)

	// Positions and intents
	s.router.HandleFunc("GET /positions", s.handlePositions)
	s.router.HandleFunc("GET /intents", s.handleIntents)

	// Trade history
	s.router.HandleFunc("GET /fills", s.handleFills)
	s.router.HandleFunc("GET /closures", s.handleClosures)

	// Risk controls
	s.router.HandleFunc("GET /risk/limits", s.handleGetLimits)
	s.router.HandleFunc("POST /risk/limits", s.handleUpdateLimits)
	s.router.HandleFunc("POST /killswitch/clear", s.handleClearKillSwitch)

	// Prometheus
	s.router.Handle("GET /metrics", s.metrics.Handler())
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
