package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/perp_engine/internal/domain"
	"go.uber.org/zap"
)

// RiskEngine validates one candidate signal per symbol against per-trade,
// daily and concurrency limits, sizes the resulting order and emits an
// admitted OrderIntent or a tagged rejection. It never mutates the position
// ledger; side effects start only once the execution engine confirms
// placement.
type RiskEngine struct {
	ledger   *PositionLedger
	guard    *SlippageGuard
	states   domain.RiskStateRepository
	notifier domain.Notifier
	logger   *zap.Logger
	loc      *time.Location
	nowFn    func() time.Time

	mu            sync.Mutex
	sessionDate   time.Time
	realizedPnL   float64
	cooldownUntil time.Time
}

func NewRiskEngine(ledger *PositionLedger, guard *SlippageGuard, states domain.RiskStateRepository, notifier domain.Notifier, loc *time.Location, logger *zap.Logger) *RiskEngine {
	if loc == nil {
		loc = time.UTC
	}
	e := &RiskEngine{
		ledger:   ledger,
		guard:    guard,
		states:   states,
		notifier: notifier,
		logger:   logger,
		loc:      loc,
		nowFn:    time.Now,
	}
	e.sessionDate = sessionStart(e.nowFn(), loc)
	return e
}

// Restore loads the persisted daily counter before reconciliation runs, so
// a restart mid-session cannot reset the loss limit. A same-session record
// keeps its counter; an older record rolls over.
func (e *RiskEngine) Restore(ctx context.Context) error {
	state, err := e.states.LoadRiskState(ctx)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}
	if state == nil {
		return nil
	}
	e.mu.Lock()
	if sessionStart(state.SessionDate, e.loc).Equal(e.sessionDate) {
		e.realizedPnL = state.RealizedPnL
	}
	e.mu.Unlock()
	e.guard.Restore(state)
	e.logger.Info("risk state restored",
		zap.Float64("realized_pnl", state.RealizedPnL),
		zap.Bool("kill_switch", state.KillSwitch))
	return nil
}

// Admit runs the ordered checks from §4.2 of the engine contract, short
// circuiting on the first failure. mkt may be nil when no snapshot exists
// for the symbol, which fails the slippage gate for new entries.
func (e *RiskEngine) Admit(
	sig domain.Signal,
	limits domain.RiskLimits,
	instr domain.Instrument,
	allowed map[string]bool,
	mkt *domain.MarketSnapshot,
) (*domain.OrderIntent, error) {
	now := e.nowFn()
	e.rollSession(now)

	held, open := e.ledger.Get(sig.Symbol)
	pyramiding := open && held.Side == sig.Side

	if e.guard.Engaged() {
		return nil, e.reject(sig, &domain.LimitError{Limit: "kill_switch", Observed: 1, Threshold: 0})
	}
	if !pyramiding {
		if !instr.Enabled {
			return nil, e.reject(sig, &domain.LimitError{Limit: "instrument_disabled"})
		}
		if allowed != nil && !allowed[sig.Symbol] {
			return nil, e.reject(sig, &domain.LimitError{Limit: "symbol_not_in_rotation"})
		}
		count := e.ledger.OpenCount()
		if count+1 > limits.MaxConcurrentPositions {
			return nil, e.reject(sig, &domain.LimitError{
				Limit:     "max_concurrent_positions",
				Observed:  float64(count + 1),
				Threshold: float64(limits.MaxConcurrentPositions),
			})
		}
	}

	e.mu.Lock()
	realized := e.realizedPnL
	cooldown := e.cooldownUntil
	e.mu.Unlock()
	if realized <= limits.DailyLossLimit() {
		return nil, e.reject(sig, &domain.LimitError{
			Limit:     "daily_max_loss",
			Observed:  realized,
			Threshold: limits.DailyLossLimit(),
		})
	}
	if now.Before(cooldown) {
		return nil, e.reject(sig, &domain.LimitError{
			Limit:     "cooldown_after_loss",
			Observed:  cooldown.Sub(now).Seconds(),
			Threshold: 0,
		})
	}

	qty, riskAmount, err := e.size(sig, limits, instr)
	if err != nil {
		le, _ := domain.IsLimit(err)
		return nil, e.reject(sig, le)
	}

	var book *domain.OrderBook
	if mkt != nil {
		book = &mkt.Book
	} else {
		book = &domain.OrderBook{Symbol: sig.Symbol}
	}
	if err := e.guard.CheckEntry(book, sig.Side, qty, limits); err != nil {
		le, _ := domain.IsLimit(err)
		return nil, e.reject(sig, le)
	}

	intent := &domain.OrderIntent{
		ID:           uuid.NewString(),
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Style:        sig.Style,
		TriggerLevel: sig.TriggerLevel,
		EntryPrice:   sig.EntryPrice,
		StopLoss:     sig.StopLoss,
		TakeProfits:  sig.TakeProfits,
		TimeStopBars: sig.TimeStopBars,
		Qty:          qty,
		RiskAmount:   riskAmount,
		StrategyID:   sig.StrategyID,
		Priority:     sig.Priority,
		TTLBars:      limits.EntryTTLBars,
		TrailingMode: sig.TrailingMode,
		TrailingPct:  sig.TrailingPct,
		TrailATRMult: sig.TrailATRMult,
		CreatedAt:    now,
	}
	e.logger.Info("signal admitted",
		zap.String("symbol", sig.Symbol),
		zap.String("strategy", sig.StrategyID),
		zap.String("side", string(sig.Side)),
		zap.Float64("qty", qty),
		zap.Float64("risk_amount", riskAmount),
		zap.Bool("pyramiding", pyramiding))
	e.notifier.AdmissionAccepted(intent)
	return intent, nil
}

// size computes a quantity such that qty*|entry-SL| stays within the
// per-trade risk budget, clamped to the instrument bounds. A quantity hint
// only ever shrinks the result. If clamping lands below the instrument's
// minimum viable size the signal is rejected, not silently shrunk further.
func (e *RiskEngine) size(sig domain.Signal, limits domain.RiskLimits, instr domain.Instrument) (float64, float64, error) {
	if sig.StopLoss <= 0 {
		return 0, 0, &domain.LimitError{Limit: "missing_stop_loss"}
	}
	dist := math.Abs(sig.EntryPrice - sig.StopLoss)
	if dist <= 0 {
		return 0, 0, &domain.LimitError{Limit: "zero_stop_distance"}
	}
	riskAmount := limits.PerTradeRiskPct * limits.VirtualEquity
	if riskAmount <= 0 {
		return 0, 0, &domain.LimitError{Limit: "invalid_risk_amount", Observed: riskAmount}
	}
	qty := riskAmount / dist
	if sig.QtyHint > 0 && sig.QtyHint < qty {
		qty = sig.QtyHint
	}
	if maxQty := limits.MaxQty(instr, sig.EntryPrice); maxQty > 0 && qty > maxQty {
		qty = maxQty
	}
	if instr.QtyStep > 0 {
		qty = math.Floor(qty/instr.QtyStep) * instr.QtyStep
	}
	if qty < instr.MinQty || qty <= 0 {
		return 0, 0, &domain.LimitError{
			Limit:     "min_viable_size",
			Observed:  qty,
			Threshold: instr.MinQty,
		}
	}
	return qty, qty * dist, nil
}

func (e *RiskEngine) reject(sig domain.Signal, le *domain.LimitError) error {
	e.logger.Info("signal rejected",
		zap.String("symbol", sig.Symbol),
		zap.String("strategy", sig.StrategyID),
		zap.String("limit", le.Limit),
		zap.Float64("observed", le.Observed),
		zap.Float64("threshold", le.Threshold))
	e.notifier.AdmissionRejected(sig.Symbol, sig.StrategyID, le)
	return le
}

// RecordRealized folds a closing fill's PnL into the daily counter and
// persists it. A loss also starts the cooldown window for new entries.
func (e *RiskEngine) RecordRealized(ctx context.Context, pnl float64, limits domain.RiskLimits) {
	now := e.nowFn()
	e.rollSession(now)
	e.mu.Lock()
	e.realizedPnL += pnl
	if pnl < 0 && limits.CooldownAfterLoss > 0 {
		e.cooldownUntil = now.Add(limits.CooldownAfterLoss)
	}
	realized := e.realizedPnL
	session := e.sessionDate
	e.mu.Unlock()

	state, err := e.states.LoadRiskState(ctx)
	if err != nil || state == nil {
		state = &domain.RiskState{}
	}
	state.SessionDate = session
	state.RealizedPnL = realized
	state.UpdatedAt = now
	if err := e.states.SaveRiskState(ctx, state); err != nil {
		e.logger.Error("failed to persist daily risk counter", zap.Error(err))
	}
}

// DailyRealized returns the session's realized PnL so far.
func (e *RiskEngine) DailyRealized() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realizedPnL
}

func (e *RiskEngine) rollSession(now time.Time) {
	key := sessionStart(now, e.loc)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !key.Equal(e.sessionDate) {
		e.logger.Info("daily risk session rolled",
			zap.Time("from", e.sessionDate),
			zap.Time("to", key),
			zap.Float64("final_pnl", e.realizedPnL))
		e.sessionDate = key
		e.realizedPnL = 0
		e.cooldownUntil = time.Time{}
	}
}

func sessionStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
