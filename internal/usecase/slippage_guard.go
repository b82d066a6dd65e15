package usecase

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitos/perp_engine/internal/domain"
	"go.uber.org/zap"
)

// SlippageGuard estimates entry cost before the trade and measures realized
// cost after every fill. Repeated post-trade breaches inside a rolling
// window engage the process-wide kill-switch: all new entries are rejected
// until an operator clears it. Exits are never blocked here; their cost is
// recorded for statistics only. Kill-switch reads are lock-free.
type SlippageGuard struct {
	logger   *zap.Logger
	notifier domain.Notifier
	states   domain.RiskStateRepository
	nowFn    func() time.Time

	engaged atomic.Bool

	mu       sync.Mutex
	reason   string
	breaches []time.Time
}

func NewSlippageGuard(states domain.RiskStateRepository, notifier domain.Notifier, logger *zap.Logger) *SlippageGuard {
	return &SlippageGuard{
		logger:   logger,
		notifier: notifier,
		states:   states,
		nowFn:    time.Now,
	}
}

// Restore applies the persisted kill-switch flag before trading starts.
func (g *SlippageGuard) Restore(state *domain.RiskState) {
	if state != nil && state.KillSwitch {
		g.engaged.Store(true)
		g.mu.Lock()
		g.reason = state.KillSwitchReason
		g.mu.Unlock()
		g.logger.Warn("kill-switch restored from persisted state", zap.String("reason", state.KillSwitchReason))
	}
}

// Engaged reports kill-switch state. Called on every admission check.
func (g *SlippageGuard) Engaged() bool { return g.engaged.Load() }

// Reason returns why the kill-switch engaged, empty when clear.
func (g *SlippageGuard) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// Clear is the operator action re-enabling entries.
func (g *SlippageGuard) Clear(ctx context.Context) {
	g.engaged.Store(false)
	g.mu.Lock()
	g.reason = ""
	g.breaches = nil
	g.mu.Unlock()
	g.persist(ctx)
	g.logger.Info("kill-switch cleared by operator")
	g.notifier.KillSwitch(false, "operator_clear")
}

// EstimateEntryBps walks book depth for qty and returns the expected cost in
// basis points versus the touch. Insufficient depth returns +Inf.
func (g *SlippageGuard) EstimateEntryBps(book *domain.OrderBook, side domain.Side, qty float64) float64 {
	levels := book.Asks
	ref := book.BestAsk()
	if side == domain.SideShort {
		levels = book.Bids
		ref = book.BestBid()
	}
	if ref <= 0 || qty <= 0 {
		return math.Inf(1)
	}
	var filled, cost float64
	for _, lvl := range levels {
		take := math.Min(qty-filled, lvl.Size)
		cost += take * lvl.Price
		filled += take
		if filled >= qty {
			break
		}
	}
	if filled < qty {
		return math.Inf(1)
	}
	vwap := cost / qty
	bps := (vwap - ref) / ref * 10_000
	if side == domain.SideShort {
		bps = -bps
	}
	return bps
}

// CheckEntry is the pre-trade gate used by the risk engine. Entries only.
func (g *SlippageGuard) CheckEntry(book *domain.OrderBook, side domain.Side, qty float64, limits domain.RiskLimits) error {
	if limits.MaxExpectedSlippageBps <= 0 {
		return nil
	}
	expected := g.EstimateEntryBps(book, side, qty)
	if expected > limits.MaxExpectedSlippageBps {
		return &domain.LimitError{
			Limit:     "expected_slippage_bps",
			Observed:  expected,
			Threshold: limits.MaxExpectedSlippageBps,
		}
	}
	return nil
}

// RecordFill measures realized cost for a fill against the intent's
// reference price and returns it in basis points. A breach beyond the actual
// cap counts toward the rolling window; crossing the configured count
// engages the kill-switch. The already-executed trade is never affected.
func (g *SlippageGuard) RecordFill(ctx context.Context, symbol string, side domain.Side, refPrice, fillPrice float64, limits domain.RiskLimits) float64 {
	if refPrice <= 0 {
		return 0
	}
	bps := (fillPrice - refPrice) / refPrice * 10_000
	if side == domain.SideShort {
		bps = -bps
	}
	if limits.MaxActualSlippageBps <= 0 || bps <= limits.MaxActualSlippageBps {
		return bps
	}

	g.logger.Warn("actual slippage breach",
		zap.String("symbol", symbol),
		zap.Float64("bps", bps),
		zap.Float64("max_bps", limits.MaxActualSlippageBps))
	g.notifier.RiskEvent("slippage_breach", symbol, "actual slippage above cap")

	now := g.nowFn()
	g.mu.Lock()
	cutoff := now.Add(-limits.SlippageBreachWindow)
	kept := g.breaches[:0]
	for _, t := range g.breaches {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.breaches = append(kept, now)
	count := len(g.breaches)
	trip := limits.SlippageBreachLimit > 0 && count >= limits.SlippageBreachLimit && !g.engaged.Load()
	if trip {
		g.reason = "repeated slippage breaches"
	}
	g.mu.Unlock()

	if trip {
		g.engaged.Store(true)
		g.persist(ctx)
		g.logger.Error("kill-switch engaged",
			zap.Int("breaches", count),
			zap.Int("limit", limits.SlippageBreachLimit),
			zap.Duration("window", limits.SlippageBreachWindow))
		g.notifier.KillSwitch(true, "repeated slippage breaches")
	}
	return bps
}

func (g *SlippageGuard) persist(ctx context.Context) {
	state, err := g.states.LoadRiskState(ctx)
	if err != nil || state == nil {
		state = &domain.RiskState{}
	}
	state.KillSwitch = g.engaged.Load()
	state.KillSwitchReason = g.Reason()
	state.UpdatedAt = g.nowFn()
	if err := g.states.SaveRiskState(ctx, state); err != nil {
		g.logger.Error("failed to persist kill-switch state", zap.Error(err))
	}
}
