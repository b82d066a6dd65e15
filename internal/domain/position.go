package domain

import "time"

type Side string

const (
	SideFlat  Side = "FLAT"
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the reverse direction. Flat has no opposite.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	}
	return SideFlat
}

// Leg is one strategy's contribution to a net position. A Leg is owned by
// exactly one Position and is destroyed when fully closed.
type Leg struct {
	IntentID   string
	StrategyID string
	Qty        float64
	EntryPrice float64
	EntryTime  time.Time
}

// Position is the per-symbol aggregate of all open legs. All legs share the
// same side; the position is FLAT exactly when Legs is empty. A reversal is
// never expressed in place: the position must fully close first.
type Position struct {
	Symbol      string
	Side        Side
	Legs        []Leg
	Qty         float64
	AvgEntry    float64
	RealizedPnL float64
	OpenedAt    time.Time
}

// Flat reports whether the position holds no exposure.
func (p *Position) Flat() bool {
	return len(p.Legs) == 0
}

// Recompute refreshes aggregate quantity and weighted average entry from the
// legs. Side transitions to FLAT when the last leg is gone.
func (p *Position) Recompute() {
	var qty, notional float64
	for _, l := range p.Legs {
		qty += l.Qty
		notional += l.Qty * l.EntryPrice
	}
	p.Qty = qty
	if qty > 0 {
		p.AvgEntry = notional / qty
	} else {
		p.AvgEntry = 0
		p.Side = SideFlat
	}
}

// UnrealizedPnL values the open quantity against price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Qty == 0 {
		return 0
	}
	if p.Side == SideShort {
		return (p.AvgEntry - price) * p.Qty
	}
	return (price - p.AvgEntry) * p.Qty
}

// Fill is a persisted execution fact: an entry or exit quantity traded for a
// specific intent, with the realized cost versus the signal reference price.
type Fill struct {
	ID          int64
	Symbol      string
	StrategyID  string
	IntentID    string
	OrderID     string
	Side        Side
	Qty         float64
	Price       float64
	SlippageBps float64
	Exit        bool
	Reason      string
	CreatedAt   time.Time
}

// PositionClosure records a fully unwound leg for the trade ledger.
type PositionClosure struct {
	ID          int64
	Symbol      string
	StrategyID  string
	IntentID    string
	Side        Side
	Qty         float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	Reason      string
	OpenedAt    time.Time
	ClosedAt    time.Time
}
