package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vitos/perp_engine/internal/domain"
	"go.uber.org/zap"
)

// Reconciler keeps local state converged on the venue's. On startup it
// rebuilds the ledger from the venue before any trading decision runs; in
// steady state it periodically compares both views and, on mismatch, adopts
// the venue's version. The venue is always authoritative.
type Reconciler struct {
	exchange domain.Exchange
	ledger   *PositionLedger
	engine   *ExecutionEngine
	notifier domain.Notifier
	logger   *zap.Logger
	interval time.Duration
	nowFn    func() time.Time

	mu      sync.Mutex
	pending []domain.ExecutionEvent
}

func NewReconciler(exchange domain.Exchange, ledger *PositionLedger, engine *ExecutionEngine, notifier domain.Notifier, interval time.Duration, logger *zap.Logger) *Reconciler {
	r := &Reconciler{
		exchange: exchange,
		ledger:   ledger,
		engine:   engine,
		notifier: notifier,
		logger:   logger,
		interval: interval,
		nowFn:    time.Now,
	}
	engine.OnOrphanEvent(r.HandleOrphan)
	return r
}

// SyncOnStartup pulls venue positions and open orders before the first
// decision cycle. Discovered positions become external legs under stop
// management; orphan open orders are cancelled so the venue starts from a
// state the engine fully owns. A venue that cannot be read refuses startup.
func (r *Reconciler) SyncOnStartup(ctx context.Context) error {
	positions, err := r.exchange.Positions(ctx)
	if err != nil {
		return fmt.Errorf("startup sync: read venue positions: %w", err)
	}
	for _, v := range positions {
		if v.Qty <= 0 {
			continue
		}
		if err := r.ledger.AddLeg(v.Symbol, v.Side, externalLeg(v, r.nowFn())); err != nil {
			return fmt.Errorf("startup sync: adopt %s: %w", v.Symbol, err)
		}
		r.engine.AdoptExternal(v)
		r.logger.Warn("adopted pre-existing venue position",
			zap.String("symbol", v.Symbol),
			zap.String("side", string(v.Side)),
			zap.Float64("qty", v.Qty),
			zap.Float64("entry", v.EntryPrice))
		r.notifier.RiskEvent("external_position_adopted", v.Symbol,
			fmt.Sprintf("%s %.8f @ %.8f", v.Side, v.Qty, v.EntryPrice))
	}

	orders, err := r.exchange.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("startup sync: read open orders: %w", err)
	}
	for _, wo := range orders {
		r.logger.Warn("cancelling orphan open order",
			zap.String("symbol", wo.Symbol),
			zap.String("order_id", wo.OrderID))
		if err := r.exchange.CancelOrder(ctx, wo.Symbol, wo.OrderID); err != nil {
			return fmt.Errorf("startup sync: cancel orphan order %s: %w", wo.OrderID, err)
		}
	}
	r.logger.Info("startup sync complete",
		zap.Int("positions_adopted", len(positions)),
		zap.Int("orders_cancelled", len(orders)))
	return nil
}

// HandleOrphan queues an execution event the engine could not attribute.
// The next reconciliation pass resolves whatever it implies.
func (r *Reconciler) HandleOrphan(ev domain.ExecutionEvent) {
	r.mu.Lock()
	r.pending = append(r.pending, ev)
	r.mu.Unlock()
	r.logger.Warn("orphan execution event queued for reconciliation",
		zap.String("order_id", ev.OrderID),
		zap.String("symbol", ev.Symbol),
		zap.String("type", string(ev.Type)))
}

// Run reconciles on a fixed interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// Reconcile compares venue positions with the local ledger symbol by
// symbol. Any mismatch is logged and resolved toward the venue.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	orphans := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, ev := range orphans {
		r.logger.Info("resolving orphan event via venue state",
			zap.String("order_id", ev.OrderID),
			zap.String("symbol", ev.Symbol))
	}

	venuePositions, err := r.exchange.Positions(ctx)
	if err != nil {
		// Events stay resolved by position convergence below next time.
		r.mu.Lock()
		r.pending = append(orphans, r.pending...)
		r.mu.Unlock()
		return fmt.Errorf("reconcile: read venue positions: %w", err)
	}

	venue := make(map[string]*domain.VenuePosition, len(venuePositions))
	for _, v := range venuePositions {
		if v.Qty > 0 {
			venue[v.Symbol] = v
		}
	}

	for _, local := range r.ledger.Snapshot() {
		v, onVenue := venue[local.Symbol]
		if !onVenue {
			r.mismatch(local.Symbol, fmt.Sprintf("local %s %.8f but venue flat", local.Side, local.Qty))
			r.ledger.Clear(local.Symbol)
			continue
		}
		delete(venue, local.Symbol)
		if local.Side != v.Side || math.Abs(local.Qty-v.Qty) > 1e-9 {
			r.mismatch(local.Symbol, fmt.Sprintf("local %s %.8f, venue %s %.8f",
				local.Side, local.Qty, v.Side, v.Qty))
			r.ledger.Replace(local.Symbol, domain.Position{
				Symbol: v.Symbol,
				Side:   v.Side,
				Legs:   []domain.Leg{externalLeg(v, r.nowFn())},
			})
		}
	}

	// Whatever remains is on the venue with no local record.
	for symbol, v := range venue {
		r.mismatch(symbol, fmt.Sprintf("venue %s %.8f with no local position", v.Side, v.Qty))
		r.ledger.Replace(symbol, domain.Position{
			Symbol: symbol,
			Side:   v.Side,
			Legs:   []domain.Leg{externalLeg(v, r.nowFn())},
		})
		if !r.engine.HasIntent("external-" + symbol) {
			r.engine.AdoptExternal(v)
		}
	}
	return nil
}

func (r *Reconciler) mismatch(symbol, detail string) {
	r.logger.Error("reconciliation mismatch, venue wins",
		zap.String("symbol", symbol),
		zap.String("detail", detail))
	r.notifier.RiskEvent("reconciliation_mismatch", symbol, detail)
}
