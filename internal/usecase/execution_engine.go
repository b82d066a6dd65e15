package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/perp_engine/internal/domain"
	"go.uber.org/zap"
)

// exitOrder tracks one reduce-only order in flight: which take-profit step
// it belongs to (or -1 for stop/time exits) and why it was sent.
type exitOrder struct {
	qty     float64
	refPx   float64
	reason  string
	tpIndex int
}

// intentRuntime is the mutable lifecycle state of one admitted intent. The
// OrderIntent inside stays immutable; everything that moves lives here.
type intentRuntime struct {
	intent     *domain.OrderIntent
	state      domain.IntentState
	createdBar int64
	entryBar   int64
	working    *domain.WorkingOrder
	filledQty  float64
	avgFill    float64
	realized   float64
	currentSL  float64
	tpDone     []bool
	exits      map[string]*exitOrder
	inflight   bool
}

// venueAction is one exchange call decided under the engine lock and
// executed after it is released, so a slow venue call for one symbol never
// stalls intent advancement for the others or the event consumer.
type venueAction struct {
	rt          *intentRuntime
	cancelOrder string // when set, cancel this order instead of placing
	req         *domain.OrderRequest
	exit        *exitOrder // set for reduce-only exits
}

// IntentStatus is the read-only lifecycle view exposed over the web API.
type IntentStatus struct {
	ID         string             `json:"id"`
	Symbol     string             `json:"symbol"`
	Side       domain.Side        `json:"side"`
	StrategyID string             `json:"strategy_id"`
	State      domain.IntentState `json:"state"`
	Qty        float64            `json:"qty"`
	FilledQty  float64            `json:"filled_qty"`
	AvgFill    float64            `json:"avg_fill"`
	StopLoss   float64            `json:"stop_loss"`
	CreatedAt  time.Time          `json:"created_at"`
}

// ExecutionEngine works admitted intents on the exchange: immediate and
// conditional entries, entry TTLs, take-profit steps, stop-loss and
// time-stop exits, trailing stops. It is the single consumer of the venue's
// execution stream; every local mutation follows a confirmed event, never a
// request that merely went out.
type ExecutionEngine struct {
	exchange domain.Exchange
	ledger   *PositionLedger
	guard    *SlippageGuard
	risk     *RiskEngine
	trades   domain.TradeRepository
	notifier domain.Notifier
	logger   *zap.Logger
	limitsFn func() domain.RiskLimits
	nowFn    func() time.Time

	events chan domain.ExecutionEvent

	mu      sync.Mutex
	intents map[string]*intentRuntime // intent id -> runtime
	byOrder map[string]string         // venue order id -> intent id
	lastBar map[string]int64
	orphan  func(domain.ExecutionEvent)
}

func NewExecutionEngine(
	exchange domain.Exchange,
	ledger *PositionLedger,
	guard *SlippageGuard,
	risk *RiskEngine,
	trades domain.TradeRepository,
	notifier domain.Notifier,
	limitsFn func() domain.RiskLimits,
	logger *zap.Logger,
) *ExecutionEngine {
	return &ExecutionEngine{
		exchange: exchange,
		ledger:   ledger,
		guard:    guard,
		risk:     risk,
		trades:   trades,
		notifier: notifier,
		logger:   logger,
		limitsFn: limitsFn,
		nowFn:    time.Now,
		events:   make(chan domain.ExecutionEvent, 256),
		intents:  make(map[string]*intentRuntime),
		byOrder:  make(map[string]string),
		lastBar:  make(map[string]int64),
	}
}

// OnOrphanEvent registers the reconciler's handler for execution events
// whose order id has no local record.
func (e *ExecutionEngine) OnOrphanEvent(fn func(domain.ExecutionEvent)) {
	e.mu.Lock()
	e.orphan = fn
	e.mu.Unlock()
}

// Submit is the callback wired to Exchange.OnExecution.
func (e *ExecutionEngine) Submit(ev domain.ExecutionEvent) {
	select {
	case e.events <- ev:
	default:
		e.logger.Error("execution event queue full, dropping",
			zap.String("order_id", ev.OrderID),
			zap.String("type", string(ev.Type)))
	}
}

// Run consumes the execution stream until ctx is done.
func (e *ExecutionEngine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.handleExecution(ctx, ev)
		}
	}
}

// HandleIntent registers a freshly admitted intent. Immediate entries go to
// the venue right away; conditional entries wait for the retest.
func (e *ExecutionEngine) HandleIntent(ctx context.Context, intent *domain.OrderIntent, mkt *domain.MarketSnapshot) error {
	rt := &intentRuntime{
		intent:    intent,
		currentSL: intent.StopLoss,
		tpDone:    make([]bool, len(intent.TakeProfits)),
		exits:     make(map[string]*exitOrder),
	}
	if mkt != nil {
		rt.createdBar = mkt.BarIndex
	}

	if intent.Style == domain.EntryConditionalRetest {
		rt.state = domain.StatePendingEntry
		e.mu.Lock()
		e.intents[intent.ID] = rt
		e.mu.Unlock()
		e.logger.Info("entry pending retest",
			zap.String("intent", intent.ID),
			zap.String("symbol", intent.Symbol),
			zap.Float64("trigger", intent.TriggerLevel),
			zap.Int("ttl_bars", intent.TTLBars))
		return nil
	}

	wo, err := e.exchange.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Qty:           intent.Qty,
		StopLoss:      intent.StopLoss,
		ClientOrderID: intent.ID,
	})
	if err != nil {
		e.logger.Error("entry order failed",
			zap.String("intent", intent.ID),
			zap.String("symbol", intent.Symbol),
			zap.Error(err))
		return fmt.Errorf("place entry for %s: %w", intent.Symbol, err)
	}
	rt.state = domain.StateWorkingEntry
	rt.working = wo
	e.mu.Lock()
	e.intents[intent.ID] = rt
	e.byOrder[wo.OrderID] = intent.ID
	e.mu.Unlock()
	e.logger.Info("entry order placed",
		zap.String("intent", intent.ID),
		zap.String("order_id", wo.OrderID),
		zap.String("symbol", intent.Symbol),
		zap.Float64("qty", intent.Qty))
	return nil
}

// OnMarketSnapshot advances every intent on the snapshot's symbol: retest
// triggers and TTLs for entries, stops and take-profits for open positions.
// Called at least once per decision cycle per symbol. Decisions happen under
// the engine lock; the resulting venue calls run after it is released and
// their outcomes are recorded in a second critical section.
func (e *ExecutionEngine) OnMarketSnapshot(ctx context.Context, mkt *domain.MarketSnapshot) {
	e.mu.Lock()
	e.lastBar[mkt.Symbol] = mkt.BarIndex

	var actions []*venueAction
	for _, rt := range e.intents {
		if rt.intent.Symbol != mkt.Symbol || rt.state.Terminal() || rt.inflight {
			continue
		}
		var acts []*venueAction
		switch rt.state {
		case domain.StatePendingEntry:
			acts = e.advancePending(rt, mkt)
		case domain.StateWorkingEntry:
			acts = e.advanceWorking(rt, mkt)
		case domain.StateOpen, domain.StatePartialExit:
			acts = e.manageOpen(rt, mkt)
		}
		if len(acts) > 0 {
			rt.inflight = true
			actions = append(actions, acts...)
		}
	}
	e.mu.Unlock()

	if len(actions) == 0 {
		return
	}
	for _, a := range actions {
		e.execute(ctx, a)
	}
	e.mu.Lock()
	for _, a := range actions {
		a.rt.inflight = false
	}
	e.mu.Unlock()
}

// advancePending expires or arms a conditional entry. The retest counts when
// the bar's range includes the trigger level; a close beyond it is not
// required. Caller holds e.mu.
func (e *ExecutionEngine) advancePending(rt *intentRuntime, mkt *domain.MarketSnapshot) []*venueAction {
	in := rt.intent
	if in.TTLBars > 0 && mkt.BarIndex-rt.createdBar >= int64(in.TTLBars) {
		rt.state = domain.StateClosedUnfilled
		e.logger.Info("pending entry expired",
			zap.String("intent", in.ID),
			zap.String("symbol", in.Symbol),
			zap.Int("ttl_bars", in.TTLBars))
		return nil
	}
	if mkt.BarLow > in.TriggerLevel || mkt.BarHigh < in.TriggerLevel {
		return nil
	}
	return []*venueAction{{rt: rt, req: &domain.OrderRequest{
		Symbol:        in.Symbol,
		Side:          in.Side,
		Qty:           in.Qty,
		Price:         in.TriggerLevel,
		PostOnly:      true,
		StopLoss:      in.StopLoss,
		ClientOrderID: in.ID,
	}}}
}

// advanceWorking enforces the entry TTL on a resting order. The cancel is
// confirmed by the venue's cancel event; a cancel racing a fill resolves in
// favor of whichever event arrives. Caller holds e.mu.
func (e *ExecutionEngine) advanceWorking(rt *intentRuntime, mkt *domain.MarketSnapshot) []*venueAction {
	in := rt.intent
	if in.TTLBars <= 0 || mkt.BarIndex-rt.createdBar < int64(in.TTLBars) {
		return nil
	}
	if rt.working == nil {
		return nil
	}
	return []*venueAction{{rt: rt, cancelOrder: rt.working.OrderID}}
}

// manageOpen runs the exit ladder for an open intent, in priority order:
// stop-loss, time-stop, then take-profit steps. Exits are reduce-only and
// never pass through the slippage gate. Caller holds e.mu. The state moves
// to CLOSING only once the stop exit is confirmed placed; until then the
// intent stays OPEN and every snapshot re-fires the exit.
func (e *ExecutionEngine) manageOpen(rt *intentRuntime, mkt *domain.MarketSnapshot) []*venueAction {
	in := rt.intent
	leg, ok := e.ledger.Leg(in.Symbol, in.ID)
	if !ok || leg.Qty <= 0 {
		return nil
	}

	pending := 0.0
	for _, ex := range rt.exits {
		pending += ex.qty
	}
	free := leg.Qty - pending
	if free <= 0 {
		return nil
	}

	stopHit := (in.Side == domain.SideLong && mkt.BarLow <= rt.currentSL) ||
		(in.Side == domain.SideShort && mkt.BarHigh >= rt.currentSL)
	timeStop := in.TimeStopBars > 0 && rt.entryBar > 0 && mkt.BarIndex-rt.entryBar >= int64(in.TimeStopBars)
	if stopHit || timeStop {
		reason := "stop_loss"
		if !stopHit {
			reason = "time_stop"
		}
		return []*venueAction{{
			rt:   rt,
			req:  exitRequest(in, free),
			exit: &exitOrder{qty: free, refPx: rt.currentSL, reason: reason, tpIndex: -1},
		}}
	}

	var actions []*venueAction
	for i, tp := range in.TakeProfits {
		if rt.tpDone[i] || tp.Fraction <= 0 {
			continue
		}
		hit := (in.Side == domain.SideLong && mkt.BarHigh >= tp.Price) ||
			(in.Side == domain.SideShort && mkt.BarLow <= tp.Price)
		if !hit {
			continue
		}
		// Fraction applies to the quantity still open right now.
		qty := tp.Fraction * free
		if i == len(in.TakeProfits)-1 && tp.Fraction >= 1 {
			qty = free
		}
		if qty <= 0 {
			continue
		}
		rt.tpDone[i] = true
		actions = append(actions, &venueAction{
			rt:   rt,
			req:  exitRequest(in, qty),
			exit: &exitOrder{qty: qty, refPx: tp.Price, reason: "take_profit:" + tp.Label, tpIndex: i},
		})
		free -= qty
		if free <= 0 {
			return actions
		}
	}

	// Trail only after the exit checks: a stop moved toward the current
	// price must not fire against the same bar's earlier range.
	e.trail(rt, mkt)
	return actions
}

func exitRequest(in *domain.OrderIntent, qty float64) *domain.OrderRequest {
	return &domain.OrderRequest{
		Symbol:        in.Symbol,
		Side:          in.Side.Opposite(),
		Qty:           qty,
		ReduceOnly:    true,
		ClientOrderID: in.ID + "-x",
	}
}

// trail ratchets the stop toward price. The stop only ever tightens.
func (e *ExecutionEngine) trail(rt *intentRuntime, mkt *domain.MarketSnapshot) {
	in := rt.intent
	var candidate float64
	switch in.TrailingMode {
	case "percent":
		if in.TrailingPct <= 0 {
			return
		}
		if in.Side == domain.SideLong {
			candidate = mkt.LastPrice * (1 - in.TrailingPct)
		} else {
			candidate = mkt.LastPrice * (1 + in.TrailingPct)
		}
	case "atr":
		if in.TrailATRMult <= 0 || mkt.ATR <= 0 {
			return
		}
		if in.Side == domain.SideLong {
			candidate = mkt.LastPrice - in.TrailATRMult*mkt.ATR
		} else {
			candidate = mkt.LastPrice + in.TrailATRMult*mkt.ATR
		}
	default:
		return
	}
	improved := (in.Side == domain.SideLong && candidate > rt.currentSL) ||
		(in.Side == domain.SideShort && candidate < rt.currentSL)
	if improved {
		e.logger.Debug("trailing stop moved",
			zap.String("intent", in.ID),
			zap.Float64("from", rt.currentSL),
			zap.Float64("to", candidate))
		rt.currentSL = candidate
	}
}

// execute performs one venue call without holding the engine lock, then
// records the outcome under it.
func (e *ExecutionEngine) execute(ctx context.Context, a *venueAction) {
	if a.cancelOrder != "" {
		e.executeCancel(ctx, a)
		return
	}
	wo, err := e.exchange.PlaceOrder(ctx, a.req)

	e.mu.Lock()
	defer e.mu.Unlock()
	if a.exit != nil {
		e.recordExitPlacement(a, wo, err)
		return
	}
	e.recordEntryPlacement(a, wo, err)
}

func (e *ExecutionEngine) executeCancel(ctx context.Context, a *venueAction) {
	in := a.rt.intent
	err := e.exchange.CancelOrder(ctx, in.Symbol, a.cancelOrder)
	if err == nil {
		e.logger.Info("entry ttl reached, cancel requested",
			zap.String("intent", in.ID),
			zap.String("order_id", a.cancelOrder))
		return
	}
	if errors.Is(err, domain.ErrUnknownOrder) {
		// Either fully filled or already gone; reconciliation decides.
		e.logger.Warn("cancel hit unknown order, deferring to reconciliation",
			zap.String("intent", in.ID),
			zap.String("order_id", a.cancelOrder))
		e.mu.Lock()
		orphan := e.orphan
		e.mu.Unlock()
		if orphan != nil {
			orphan(domain.ExecutionEvent{
				Type:      domain.EventCancel,
				OrderID:   a.cancelOrder,
				Symbol:    in.Symbol,
				Timestamp: e.nowFn(),
				Reason:    "cancel_unknown_order",
			})
		}
		return
	}
	e.logger.Error("entry ttl cancel failed",
		zap.String("intent", in.ID),
		zap.String("order_id", a.cancelOrder),
		zap.Error(err))
}

// recordEntryPlacement folds the result of a retest entry placement back
// into the runtime. Caller holds e.mu.
func (e *ExecutionEngine) recordEntryPlacement(a *venueAction, wo *domain.WorkingOrder, err error) {
	rt, in := a.rt, a.rt.intent
	if err != nil {
		if domain.IsTransient(err) {
			// Stays pending, retried on the next snapshot.
			e.logger.Warn("retest entry placement failed, will retry",
				zap.String("intent", in.ID), zap.Error(err))
			return
		}
		rt.state = domain.StateClosedUnfilled
		e.logger.Error("retest entry rejected",
			zap.String("intent", in.ID),
			zap.String("symbol", in.Symbol),
			zap.Error(err))
		return
	}
	rt.state = domain.StateWorkingEntry
	rt.working = wo
	e.byOrder[wo.OrderID] = in.ID
	e.logger.Info("retest triggered, limit order resting",
		zap.String("intent", in.ID),
		zap.String("order_id", wo.OrderID),
		zap.Float64("price", in.TriggerLevel))
}

// recordExitPlacement folds the result of a reduce-only exit placement back
// into the runtime. A failed stop or time-stop placement keeps the intent
// OPEN so the next snapshot fires it again; a failed take-profit re-arms its
// step. Caller holds e.mu.
func (e *ExecutionEngine) recordExitPlacement(a *venueAction, wo *domain.WorkingOrder, err error) {
	rt, in := a.rt, a.rt.intent
	if err != nil {
		e.logger.Error("exit order failed",
			zap.String("intent", in.ID),
			zap.String("symbol", in.Symbol),
			zap.String("reason", a.exit.reason),
			zap.Error(err))
		if a.exit.tpIndex >= 0 {
			rt.tpDone[a.exit.tpIndex] = false
		}
		return
	}
	rt.exits[wo.OrderID] = a.exit
	e.byOrder[wo.OrderID] = in.ID
	if a.exit.tpIndex < 0 && !rt.state.Terminal() {
		rt.state = domain.StateClosing
	}
	e.logger.Info("exit order placed",
		zap.String("intent", in.ID),
		zap.String("order_id", wo.OrderID),
		zap.String("reason", a.exit.reason),
		zap.Float64("qty", a.exit.qty))
}

// handleExecution resolves the event's order id and applies it in a single
// critical section, so a concurrent Sweep cannot detach the runtime between
// lookup and apply.
func (e *ExecutionEngine) handleExecution(ctx context.Context, ev domain.ExecutionEvent) {
	e.mu.Lock()
	intentID, known := e.byOrder[ev.OrderID]
	var rt *intentRuntime
	if known {
		rt = e.intents[intentID]
	}
	if !known || rt == nil {
		orphan := e.orphan
		e.mu.Unlock()
		e.logger.Warn("execution event for unknown order",
			zap.String("order_id", ev.OrderID),
			zap.String("symbol", ev.Symbol),
			zap.String("type", string(ev.Type)))
		if orphan != nil {
			orphan(ev)
		}
		return
	}
	defer e.mu.Unlock()

	if ex, isExit := rt.exits[ev.OrderID]; isExit {
		e.applyExitEvent(ctx, rt, ev, ex)
		return
	}
	e.applyEntryEvent(ctx, rt, ev)
}

// applyEntryEvent folds a fill, cancel or reject on the entry order into the
// intent and the ledger. Caller holds e.mu.
func (e *ExecutionEngine) applyEntryEvent(ctx context.Context, rt *intentRuntime, ev domain.ExecutionEvent) {
	in := rt.intent
	limits := e.limitsFn()
	switch ev.Type {
	case domain.EventFill:
		total := rt.filledQty + ev.Qty
		if total > 0 {
			rt.avgFill = (rt.filledQty*rt.avgFill + ev.Qty*ev.Price) / total
		}
		rt.filledQty = total
		if err := e.ledger.UpsertLeg(in.Symbol, in.Side, domain.Leg{
			IntentID:   in.ID,
			StrategyID: in.StrategyID,
			Qty:        ev.Qty,
			EntryPrice: ev.Price,
			EntryTime:  ev.Timestamp,
		}); err != nil {
			e.logger.Error("entry fill conflicts with ledger",
				zap.String("intent", in.ID), zap.Error(err))
			return
		}
		bps := e.guard.RecordFill(ctx, in.Symbol, in.Side, in.EntryPrice, ev.Price, limits)
		e.saveFill(ctx, in, ev, bps, false, "entry")
		if rt.state == domain.StateWorkingEntry && rt.filledQty >= in.Qty-1e-9 {
			rt.state = domain.StateOpen
			rt.entryBar = e.lastBar[in.Symbol]
			e.logger.Info("position open",
				zap.String("intent", in.ID),
				zap.String("symbol", in.Symbol),
				zap.Float64("qty", rt.filledQty),
				zap.Float64("avg_fill", rt.avgFill))
		}
	case domain.EventCancel:
		e.settleEntryDone(rt, "entry_cancelled")
	case domain.EventReject:
		e.logger.Warn("entry order rejected by venue",
			zap.String("intent", in.ID),
			zap.String("reason", ev.Reason))
		e.settleEntryDone(rt, "entry_rejected")
	}
}

// settleEntryDone resolves a finished entry order: a partial fill keeps the
// position open with whatever filled, nothing filled retires the intent.
func (e *ExecutionEngine) settleEntryDone(rt *intentRuntime, why string) {
	if rt.state != domain.StateWorkingEntry {
		return
	}
	if rt.filledQty > 0 {
		rt.state = domain.StateOpen
		rt.entryBar = e.lastBar[rt.intent.Symbol]
		e.logger.Info("entry finished partially filled",
			zap.String("intent", rt.intent.ID),
			zap.Float64("filled", rt.filledQty),
			zap.String("why", why))
		return
	}
	rt.state = domain.StateClosedUnfilled
	e.logger.Info("entry retired unfilled",
		zap.String("intent", rt.intent.ID),
		zap.String("why", why))
}

// applyExitEvent books a reduce-only fill: ledger reduction, realized PnL
// into the daily counter, closure record when the leg goes flat. Caller
// holds e.mu.
func (e *ExecutionEngine) applyExitEvent(ctx context.Context, rt *intentRuntime, ev domain.ExecutionEvent, ex *exitOrder) {
	in := rt.intent
	switch ev.Type {
	case domain.EventFill:
		entryLeg, _ := e.ledger.Leg(in.Symbol, in.ID)
		closed, pnl, _, err := e.ledger.ReduceLeg(in.Symbol, in.ID, ev.Qty, ev.Price)
		if err != nil {
			e.logger.Error("exit fill had no leg to reduce",
				zap.String("intent", in.ID), zap.Error(err))
			delete(rt.exits, ev.OrderID)
			return
		}
		limits := e.limitsFn()
		e.risk.RecordRealized(ctx, pnl, limits)
		rt.realized += pnl
		bps := exitSlippageBps(in.Side, ex.refPx, ev.Price)
		e.saveFill(ctx, in, ev, bps, true, ex.reason)
		e.logger.Info("exit filled",
			zap.String("intent", in.ID),
			zap.String("reason", ex.reason),
			zap.Float64("qty", closed),
			zap.Float64("pnl", pnl))

		ex.qty -= ev.Qty
		if ex.qty <= 1e-9 {
			delete(rt.exits, ev.OrderID)
		}
		if leg, stillOpen := e.ledger.Leg(in.Symbol, in.ID); stillOpen && leg.Qty > 1e-9 {
			if rt.state != domain.StateClosing {
				rt.state = domain.StatePartialExit
			}
			return
		}
		rt.state = domain.StateClosed
		// The closure carries the whole trade's PnL, not just the final
		// fill's slice.
		if err := e.trades.SaveClosure(ctx, &domain.PositionClosure{
			Symbol:      in.Symbol,
			StrategyID:  in.StrategyID,
			IntentID:    in.ID,
			Side:        in.Side,
			Qty:         rt.filledQty,
			EntryPrice:  entryLeg.EntryPrice,
			ExitPrice:   ev.Price,
			RealizedPnL: rt.realized,
			Reason:      ex.reason,
			OpenedAt:    entryLeg.EntryTime,
			ClosedAt:    ev.Timestamp,
		}); err != nil {
			e.logger.Error("failed to persist closure",
				zap.String("intent", in.ID), zap.Error(err))
		}
	case domain.EventCancel, domain.EventReject:
		e.logger.Warn("exit order did not complete, re-arming",
			zap.String("intent", in.ID),
			zap.String("reason", ex.reason),
			zap.String("venue_reason", ev.Reason))
		if ex.tpIndex >= 0 && ex.tpIndex < len(rt.tpDone) {
			rt.tpDone[ex.tpIndex] = false
		}
		delete(rt.exits, ev.OrderID)
		if rt.state == domain.StateClosing {
			// Stop exit failed; next snapshot re-fires it.
			rt.state = domain.StateOpen
		}
	}
}

func (e *ExecutionEngine) saveFill(ctx context.Context, in *domain.OrderIntent, ev domain.ExecutionEvent, bps float64, exit bool, reason string) {
	e.notifier.OrderFilled(in.Symbol, exit)
	if err := e.trades.SaveFill(ctx, &domain.Fill{
		Symbol:      in.Symbol,
		StrategyID:  in.StrategyID,
		IntentID:    in.ID,
		OrderID:     ev.OrderID,
		Side:        in.Side,
		Qty:         ev.Qty,
		Price:       ev.Price,
		SlippageBps: bps,
		Exit:        exit,
		Reason:      reason,
		CreatedAt:   ev.Timestamp,
	}); err != nil {
		e.logger.Error("failed to persist fill",
			zap.String("intent", in.ID), zap.Error(err))
	}
}

// AdoptExternal registers an already-open venue position under the external
// strategy so stop management and the concurrency count see it. No
// take-profit schedule is attached; only the venue stop, if any, is honored.
func (e *ExecutionEngine) AdoptExternal(v *domain.VenuePosition) {
	leg := externalLeg(v, e.nowFn())
	rt := &intentRuntime{
		intent: &domain.OrderIntent{
			ID:         leg.IntentID,
			Symbol:     v.Symbol,
			Side:       v.Side,
			Style:      domain.EntryImmediate,
			EntryPrice: v.EntryPrice,
			StopLoss:   v.StopLoss,
			Qty:        v.Qty,
			StrategyID: leg.StrategyID,
			CreatedAt:  e.nowFn(),
		},
		state:     domain.StateOpen,
		filledQty: v.Qty,
		avgFill:   v.EntryPrice,
		currentSL: v.StopLoss,
		exits:     make(map[string]*exitOrder),
	}
	e.mu.Lock()
	e.intents[rt.intent.ID] = rt
	e.mu.Unlock()
	e.logger.Info("adopted external position",
		zap.String("symbol", v.Symbol),
		zap.String("side", string(v.Side)),
		zap.Float64("qty", v.Qty))
}

// HasIntent reports whether intentID is tracked, terminal or not.
func (e *ExecutionEngine) HasIntent(intentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.intents[intentID]
	return ok
}

// KnowsOrder reports whether orderID maps to a tracked intent.
func (e *ExecutionEngine) KnowsOrder(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.byOrder[orderID]
	return ok
}

// IntentState returns the lifecycle state for intentID.
func (e *ExecutionEngine) IntentState(intentID string) (domain.IntentState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.intents[intentID]
	if !ok {
		return "", false
	}
	return rt.state, true
}

// Statuses returns a snapshot of non-terminal intents for the web API.
func (e *ExecutionEngine) Statuses() []IntentStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]IntentStatus, 0, len(e.intents))
	for _, rt := range e.intents {
		if rt.state.Terminal() {
			continue
		}
		out = append(out, IntentStatus{
			ID:         rt.intent.ID,
			Symbol:     rt.intent.Symbol,
			Side:       rt.intent.Side,
			StrategyID: rt.intent.StrategyID,
			State:      rt.state,
			Qty:        rt.intent.Qty,
			FilledQty:  rt.filledQty,
			AvgFill:    rt.avgFill,
			StopLoss:   rt.currentSL,
			CreatedAt:  rt.intent.CreatedAt,
		})
	}
	return out
}

// Sweep drops terminal intents older than keep, bounding the map.
func (e *ExecutionEngine) Sweep(keep time.Duration) {
	cutoff := e.nowFn().Add(-keep)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, rt := range e.intents {
		if rt.state.Terminal() && rt.intent.CreatedAt.Before(cutoff) {
			delete(e.intents, id)
			if rt.working != nil {
				delete(e.byOrder, rt.working.OrderID)
			}
			for oid := range rt.exits {
				delete(e.byOrder, oid)
			}
		}
	}
}

// exitSlippageBps is cost versus the intended exit price. For a long the
// exit sells, so a lower fill is adverse; for a short the reverse.
func exitSlippageBps(side domain.Side, refPx, fillPx float64) float64 {
	if refPx <= 0 {
		return 0
	}
	bps := (refPx - fillPx) / refPx * 10_000
	if side == domain.SideShort {
		bps = -bps
	}
	return bps
}
