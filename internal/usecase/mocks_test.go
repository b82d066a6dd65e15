package usecase_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitos/perp_engine/internal/domain"
)

// MockNotifier records every notification for assertions.
type MockNotifier struct {
	mu         sync.Mutex
	Accepted   []string // "symbol/strategy"
	Rejections []string // "symbol/strategy/limit"
	Skips      []string // "symbol/skipped->winner"
	KillEvents []bool
	Fills      []string // "symbol/entry" or "symbol/exit"
	RiskEvents []string // "kind/symbol"
}

func (m *MockNotifier) AdmissionAccepted(intent *domain.OrderIntent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Accepted = append(m.Accepted, intent.Symbol+"/"+intent.StrategyID)
}

func (m *MockNotifier) AdmissionRejected(symbol, strategyID string, err *domain.LimitError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rejections = append(m.Rejections, fmt.Sprintf("%s/%s/%s", symbol, strategyID, err.Limit))
}

func (m *MockNotifier) ConflictSkipped(skipped domain.Signal, winnerStrategyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Skips = append(m.Skips, fmt.Sprintf("%s/%s->%s", skipped.Symbol, skipped.StrategyID, winnerStrategyID))
}

func (m *MockNotifier) KillSwitch(engaged bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.KillEvents = append(m.KillEvents, engaged)
}

func (m *MockNotifier) OrderFilled(symbol string, exit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kind := "entry"
	if exit {
		kind = "exit"
	}
	m.Fills = append(m.Fills, symbol+"/"+kind)
}

func (m *MockNotifier) RiskEvent(kind, symbol, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RiskEvents = append(m.RiskEvents, kind+"/"+symbol)
}

// MockStateRepo is an in-memory RiskStateRepository.
type MockStateRepo struct {
	mu    sync.Mutex
	State *domain.RiskState
	Saves int
}

func (m *MockStateRepo) LoadRiskState(ctx context.Context) (*domain.RiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State == nil {
		return nil, nil
	}
	cp := *m.State
	return &cp, nil
}

func (m *MockStateRepo) SaveRiskState(ctx context.Context, state *domain.RiskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	m.State = &cp
	m.Saves++
	return nil
}

// MockTradeRepo records fills and closures.
type MockTradeRepo struct {
	mu       sync.Mutex
	Fills    []*domain.Fill
	Closures []*domain.PositionClosure
}

func (m *MockTradeRepo) SaveFill(ctx context.Context, fill *domain.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fills = append(m.Fills, fill)
	return nil
}

func (m *MockTradeRepo) ListFills(ctx context.Context, limit int) ([]*domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Fills, nil
}

func (m *MockTradeRepo) SaveClosure(ctx context.Context, c *domain.PositionClosure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closures = append(m.Closures, c)
	return nil
}

func (m *MockTradeRepo) ListClosures(ctx context.Context, limit int) ([]*domain.PositionClosure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closures, nil
}

// MockExchange scripts venue behavior.
type MockExchange struct {
	mu             sync.Mutex
	Placed         []*domain.OrderRequest
	Cancelled      []string
	PlaceErr       error
	CancelErr      error
	VenuePositions []*domain.VenuePosition
	VenueOrders    []*domain.WorkingOrder
	PositionsErr   error
	nextID         int
	callback       func(domain.ExecutionEvent)
}

func (m *MockExchange) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.WorkingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return nil, m.PlaceErr
	}
	m.nextID++
	m.Placed = append(m.Placed, req)
	return &domain.WorkingOrder{
		OrderID:  fmt.Sprintf("order-%d", m.nextID),
		IntentID: req.ClientOrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Qty:      req.Qty,
		Price:    req.Price,
	}, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.Cancelled = append(m.Cancelled, orderID)
	return nil
}

func (m *MockExchange) OpenOrders(ctx context.Context) ([]*domain.WorkingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.VenueOrders, nil
}

func (m *MockExchange) Positions(ctx context.Context) ([]*domain.VenuePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	return m.VenuePositions, nil
}

func (m *MockExchange) OnExecution(fn func(domain.ExecutionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = fn
}

func (m *MockExchange) LastOrderID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("order-%d", m.nextID)
}
