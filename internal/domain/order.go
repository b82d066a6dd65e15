package domain

import "time"

// IntentState is the lifecycle of an admitted order intent.
type IntentState string

const (
	StatePendingEntry   IntentState = "PENDING_ENTRY"
	StateWorkingEntry   IntentState = "WORKING_ENTRY"
	StateOpen           IntentState = "OPEN"
	StatePartialExit    IntentState = "PARTIAL_EXIT"
	StateClosing        IntentState = "CLOSING"
	StateClosed         IntentState = "CLOSED"
	StateClosedUnfilled IntentState = "CLOSED_UNFILLED"
)

// Terminal reports whether no further transition is possible.
func (s IntentState) Terminal() bool {
	return s == StateClosed || s == StateClosedUnfilled
}

// OrderIntent is a risk-admitted instruction to work an entry. It is the
// immutable output of the risk engine; all mutable lifecycle state lives in
// the execution engine.
type OrderIntent struct {
	ID           string
	Symbol       string
	Side         Side
	Style        EntryStyle
	TriggerLevel float64
	EntryPrice   float64
	StopLoss     float64
	TakeProfits  []TakeProfitLevel
	TimeStopBars int
	Qty          float64
	RiskAmount   float64
	StrategyID   string
	Priority     int
	TTLBars      int
	TrailingMode string
	TrailingPct  float64
	TrailATRMult float64
	CreatedAt    time.Time
}

// OrderRequest is the normalized order payload handed to the exchange
// boundary. Price 0 means market execution.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Qty           float64
	Price         float64
	PostOnly      bool
	ReduceOnly    bool
	StopLoss      float64
	ClientOrderID string
}

// WorkingOrder tracks an order in flight on the venue.
type WorkingOrder struct {
	OrderID      string
	IntentID     string
	Symbol       string
	Side         Side
	Qty          float64 // remaining
	Price        float64 // 0 = market
	ReduceOnly   bool
	FilledQty    float64
	AvgFillPrice float64
	CreatedAt    time.Time
}

type EventType string

const (
	EventFill   EventType = "FILL"
	EventCancel EventType = "CANCEL"
	EventReject EventType = "REJECT"
)

// ExecutionEvent is an immutable fact reported by the exchange boundary,
// consumed exactly once to update local state.
type ExecutionEvent struct {
	Type      EventType
	OrderID   string
	Symbol    string
	Qty       float64
	Price     float64
	Timestamp time.Time
	Reason    string
}

// VenuePosition is the exchange's own view of an open position, used by the
// reconciler to rebuild or correct the local ledger.
type VenuePosition struct {
	Symbol     string
	Side       Side
	Qty        float64
	EntryPrice float64
	StopLoss   float64
	OpenedAt   time.Time
}
