package domain

import "context"

// Exchange is the boundary to the venue. The engine depends only on these
// verbs, not on a specific wire protocol.
type Exchange interface {
	PlaceOrder(ctx context.Context, req *OrderRequest) (*WorkingOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context) ([]*WorkingOrder, error)
	Positions(ctx context.Context) ([]*VenuePosition, error)
	// OnExecution registers the consumer for fill/cancel/reject events
	// streamed from the venue. Must be called before the stream starts.
	OnExecution(func(ExecutionEvent))
}

// MarketFeed supplies per-symbol snapshots for one decision cycle.
type MarketFeed interface {
	Snapshots(ctx context.Context, symbols []string) (map[string]*MarketSnapshot, error)
}

// TradeRepository persists execution facts for the statistics collaborators.
type TradeRepository interface {
	SaveFill(ctx context.Context, fill *Fill) error
	ListFills(ctx context.Context, limit int) ([]*Fill, error)
	SaveClosure(ctx context.Context, c *PositionClosure) error
	ListClosures(ctx context.Context, limit int) ([]*PositionClosure, error)
}

// RiskStateRepository persists the daily counter and kill-switch flag.
type RiskStateRepository interface {
	LoadRiskState(ctx context.Context) (*RiskState, error)
	SaveRiskState(ctx context.Context, state *RiskState) error
}

// Notifier receives the engine's user-visible outcomes. Implementations fan
// out to logs, chat interfaces or telemetry sinks.
type Notifier interface {
	AdmissionAccepted(intent *OrderIntent)
	AdmissionRejected(symbol, strategyID string, err *LimitError)
	ConflictSkipped(skipped Signal, winnerStrategyID string)
	KillSwitch(engaged bool, reason string)
	OrderFilled(symbol string, exit bool)
	RiskEvent(kind, symbol, detail string)
}

// Strategy produces candidate signals from market and position state. A
// registry maps stable string identifiers to constructors; implementations
// live outside this core.
type Strategy interface {
	ID() string
	GenerateSignals(market map[string]*MarketSnapshot, positions map[string]*Position) []Signal
}
