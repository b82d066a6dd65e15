package domain

// EntryStyle selects how an admitted entry is worked on the exchange.
type EntryStyle string

const (
	// EntryImmediate places a market order right away; the expected-slippage
	// cap at admission time is the only brake.
	EntryImmediate EntryStyle = "immediate_with_cap"
	// EntryConditionalRetest waits for price to revisit the trigger level
	// before resting a limit order near it.
	EntryConditionalRetest EntryStyle = "conditional_retest"
)

// TakeProfitLevel is one step of a partial-exit schedule. Fraction applies to
// the quantity remaining at trigger time, not the original entry quantity.
type TakeProfitLevel struct {
	Price    float64
	Fraction float64
	Label    string
}

// Signal is a candidate trade produced by a strategy. It carries everything
// the risk engine needs to admit, size and sequence an entry.
type Signal struct {
	Symbol       string
	Side         Side
	Style        EntryStyle
	TriggerLevel float64 // conditional_retest only
	EntryPrice   float64 // reference price for sizing and slippage
	StopLoss     float64
	TakeProfits  []TakeProfitLevel
	TimeStopBars int
	QtyHint      float64 // optional planned quantity, 0 = derive from risk
	StrategyID   string
	Priority     int // lower value = higher priority
	TrailingMode string
	TrailingPct  float64
	TrailATRMult float64
}
