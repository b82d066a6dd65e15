package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/vitos/perp_engine/internal/domain"
)

// PositionLedger is the authoritative in-memory record of net exposure per
// symbol. All mutations for a symbol are serialized on that symbol's lock,
// so a fill arriving mid-cycle and a cycle-driven mutation for the same
// symbol cannot race. Pure bookkeeping: the ledger performs no I/O.
type PositionLedger struct {
	mu    sync.RWMutex
	slots map[string]*ledgerSlot
}

type ledgerSlot struct {
	mu  sync.Mutex
	pos domain.Position
}

func NewPositionLedger() *PositionLedger {
	return &PositionLedger{slots: make(map[string]*ledgerSlot)}
}

func (l *PositionLedger) slot(symbol string) *ledgerSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[symbol]
	if !ok {
		s = &ledgerSlot{pos: domain.Position{Symbol: symbol, Side: domain.SideFlat}}
		l.slots[symbol] = s
	}
	return s
}

// AddLeg opens or pyramids a position. Adding against an open position in
// the opposite direction is refused: a reversal requires full closure first.
func (l *PositionLedger) AddLeg(symbol string, side domain.Side, leg domain.Leg) error {
	s := l.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pos.Flat() && s.pos.Side != side {
		return fmt.Errorf("%s: have %s, adding %s: %w", symbol, s.pos.Side, side, domain.ErrDirectionConflict)
	}
	if s.pos.Flat() {
		s.pos.Side = side
		s.pos.OpenedAt = leg.EntryTime
		s.pos.RealizedPnL = 0
	}
	s.pos.Legs = append(s.pos.Legs, leg)
	s.pos.Recompute()
	return nil
}

// UpsertLeg merges an entry fill into the leg owned by leg.IntentID, or
// opens it. Partial entry fills for one intent therefore stay a single leg
// with a volume-weighted entry price.
func (l *PositionLedger) UpsertLeg(symbol string, side domain.Side, leg domain.Leg) error {
	s := l.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pos.Flat() && s.pos.Side != side {
		return fmt.Errorf("%s: have %s, adding %s: %w", symbol, s.pos.Side, side, domain.ErrDirectionConflict)
	}
	for i := range s.pos.Legs {
		cur := &s.pos.Legs[i]
		if cur.IntentID != leg.IntentID {
			continue
		}
		total := cur.Qty + leg.Qty
		if total > 0 {
			cur.EntryPrice = (cur.Qty*cur.EntryPrice + leg.Qty*leg.EntryPrice) / total
		}
		cur.Qty = total
		s.pos.Recompute()
		return nil
	}
	if s.pos.Flat() {
		s.pos.Side = side
		s.pos.OpenedAt = leg.EntryTime
		s.pos.RealizedPnL = 0
	}
	s.pos.Legs = append(s.pos.Legs, leg)
	s.pos.Recompute()
	return nil
}

// ReduceLeg shrinks the leg owned by intentID by qty and books the realized
// PnL of the closed quantity at exitPrice. It returns the quantity actually
// closed, the realized PnL and whether the whole position went flat.
func (l *PositionLedger) ReduceLeg(symbol, intentID string, qty, exitPrice float64) (closed, pnl float64, flat bool, err error) {
	s := l.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i := range s.pos.Legs {
		if s.pos.Legs[i].IntentID == intentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, 0, s.pos.Flat(), fmt.Errorf("%s: no leg for intent %s", symbol, intentID)
	}
	leg := &s.pos.Legs[idx]
	if qty >= leg.Qty {
		qty = leg.Qty
	}
	pnl = (exitPrice - leg.EntryPrice) * qty
	if s.pos.Side == domain.SideShort {
		pnl = -pnl
	}
	leg.Qty -= qty
	if leg.Qty <= 1e-9 {
		s.pos.Legs = append(s.pos.Legs[:idx], s.pos.Legs[idx+1:]...)
	}
	s.pos.RealizedPnL += pnl
	s.pos.Recompute()
	return qty, pnl, s.pos.Flat(), nil
}

// Leg returns a copy of the open leg for intentID, if any.
func (l *PositionLedger) Leg(symbol, intentID string) (domain.Leg, bool) {
	s := l.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, leg := range s.pos.Legs {
		if leg.IntentID == intentID {
			return leg, true
		}
	}
	return domain.Leg{}, false
}

// Get returns a copy of the position for symbol.
func (l *PositionLedger) Get(symbol string) (domain.Position, bool) {
	l.mu.RLock()
	s, ok := l.slots[symbol]
	l.mu.RUnlock()
	if !ok {
		return domain.Position{Symbol: symbol, Side: domain.SideFlat}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPosition(&s.pos), !s.pos.Flat()
}

// Side returns the open direction for symbol, or FLAT.
func (l *PositionLedger) Side(symbol string) domain.Side {
	pos, ok := l.Get(symbol)
	if !ok {
		return domain.SideFlat
	}
	return pos.Side
}

// OpenCount returns the number of symbols with non-flat positions.
func (l *PositionLedger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, s := range l.slots {
		s.mu.Lock()
		if !s.pos.Flat() {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Snapshot returns copies of all non-flat positions for status reporting.
func (l *PositionLedger) Snapshot() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, len(l.slots))
	for _, s := range l.slots {
		s.mu.Lock()
		if !s.pos.Flat() {
			out = append(out, copyPosition(&s.pos))
		}
		s.mu.Unlock()
	}
	return out
}

// Positions returns the snapshot keyed by symbol, for strategy input.
func (l *PositionLedger) Positions() map[string]*domain.Position {
	snap := l.Snapshot()
	out := make(map[string]*domain.Position, len(snap))
	for i := range snap {
		out[snap[i].Symbol] = &snap[i]
	}
	return out
}

// Replace overwrites the position for symbol with the venue-reported state.
// Used only by the reconciler when local and venue state disagree.
func (l *PositionLedger) Replace(symbol string, pos domain.Position) {
	s := l.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	pos.Symbol = symbol
	pos.Recompute()
	s.pos = pos
}

// Clear drops the position for symbol regardless of content. Reconciler use
// only, for positions the venue no longer reports.
func (l *PositionLedger) Clear(symbol string) {
	s := l.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = domain.Position{Symbol: symbol, Side: domain.SideFlat}
}

func copyPosition(p *domain.Position) domain.Position {
	cp := *p
	cp.Legs = make([]domain.Leg, len(p.Legs))
	copy(cp.Legs, p.Legs)
	return cp
}

// externalLeg builds the leg used for positions discovered on the venue with
// no local record.
func externalLeg(v *domain.VenuePosition, now time.Time) domain.Leg {
	opened := v.OpenedAt
	if opened.IsZero() {
		opened = now
	}
	return domain.Leg{
		IntentID:   "external-" + v.Symbol,
		StrategyID: "external",
		Qty:        v.Qty,
		EntryPrice: v.EntryPrice,
		EntryTime:  opened,
	}
}
