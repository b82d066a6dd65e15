package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/perp_engine/internal/domain"
	"go.uber.org/zap"
)

// LimitsStore is the single serialized write path for runtime risk limits.
// The decision cycle snapshots the value once per cycle and never holds a
// reference across cycles, so an operator update between cycles is atomic.
type LimitsStore struct {
	mu      sync.RWMutex
	limits  domain.RiskLimits
	version uint64
}

func NewLimitsStore(initial domain.RiskLimits) *LimitsStore {
	return &LimitsStore{limits: initial, version: 1}
}

func (s *LimitsStore) Get() domain.RiskLimits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// Version identifies the current limits snapshot. It advances on every
// operator update so a cycle's decisions can be attributed to the exact
// parameter set that produced them.
func (s *LimitsStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *LimitsStore) Update(fn func(*domain.RiskLimits)) domain.RiskLimits {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.limits)
	s.version++
	return s.limits
}

// Worker drives the unattended decision cycle: pull market snapshots, ask
// every strategy for signals, resolve conflicts, run admission, hand
// admitted intents to execution and advance every live intent. One cycle is
// one pass; nothing blocks waiting for fills.
type Worker struct {
	feed       domain.MarketFeed
	strategies []domain.Strategy
	resolver   *ConflictResolver
	risk       *RiskEngine
	engine     *ExecutionEngine
	ledger     *PositionLedger
	limits     *LimitsStore
	logger     *zap.Logger

	symbols     []string
	instruments map[string]domain.Instrument
	allowed     map[string]bool
	interval    time.Duration
}

func NewWorker(
	feed domain.MarketFeed,
	strategies []domain.Strategy,
	resolver *ConflictResolver,
	risk *RiskEngine,
	engine *ExecutionEngine,
	ledger *PositionLedger,
	limits *LimitsStore,
	instruments map[string]domain.Instrument,
	allowed []string,
	interval time.Duration,
	logger *zap.Logger,
) *Worker {
	// An empty rotation list means every configured instrument is eligible.
	var allowedSet map[string]bool
	if len(allowed) > 0 {
		allowedSet = make(map[string]bool, len(allowed))
		for _, s := range allowed {
			allowedSet[s] = true
		}
	}
	symbols := make([]string, 0, len(instruments))
	for s := range instruments {
		symbols = append(symbols, s)
	}
	return &Worker{
		feed:        feed,
		strategies:  strategies,
		resolver:    resolver,
		risk:        risk,
		engine:      engine,
		ledger:      ledger,
		limits:      limits,
		logger:      logger,
		symbols:     symbols,
		instruments: instruments,
		allowed:     allowedSet,
		interval:    interval,
	}
}

// Run executes cycles on a fixed interval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("decision cycle started",
		zap.Duration("interval", w.interval),
		zap.Int("symbols", len(w.symbols)),
		zap.Int("strategies", len(w.strategies)))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("decision cycle stopped")
			return
		case <-ticker.C:
			w.Cycle(ctx)
		}
	}
}

// Cycle runs one full decision pass. Exported so tests and operator tools
// can drive cycles manually.
func (w *Worker) Cycle(ctx context.Context) {
	limits := w.limits.Get()
	w.logger.Debug("decision cycle", zap.Uint64("limits_version", w.limits.Version()))

	market, err := w.feed.Snapshots(ctx, w.symbols)
	if err != nil {
		w.logger.Error("market snapshot failed, skipping cycle", zap.Error(err))
		return
	}

	positions := w.ledger.Positions()
	var signals []domain.Signal
	for _, s := range w.strategies {
		signals = append(signals, s.GenerateSignals(market, positions)...)
	}

	for _, sig := range w.resolver.Resolve(signals) {
		instr, ok := w.instruments[sig.Symbol]
		if !ok {
			w.logger.Warn("signal for unconfigured symbol dropped",
				zap.String("symbol", sig.Symbol),
				zap.String("strategy", sig.StrategyID))
			continue
		}
		intent, err := w.risk.Admit(sig, limits, instr, w.allowed, market[sig.Symbol])
		if err != nil {
			// Already logged and notified by admission.
			continue
		}
		if err := w.engine.HandleIntent(ctx, intent, market[sig.Symbol]); err != nil {
			w.logger.Error("intent dropped after placement failure",
				zap.String("intent", intent.ID),
				zap.Error(err))
		}
	}

	// Entry TTLs, retest triggers and exit ladders advance even on cycles
	// with no new signals.
	for _, mkt := range market {
		w.engine.OnMarketSnapshot(ctx, mkt)
	}
	w.engine.Sweep(24 * time.Hour)
}
