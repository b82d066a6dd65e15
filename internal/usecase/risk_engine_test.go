package usecase_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/vitos/perp_engine/internal/domain"
	"github.com/vitos/perp_engine/internal/usecase"
	"go.uber.org/zap"
)

func testLimits() domain.RiskLimits {
	return domain.RiskLimits{
		VirtualEquity:          10000,
		PerTradeRiskPct:        0.01,
		DailyMaxLossPct:        0.03,
		MaxConcurrentPositions: 3,
		MaxExpectedSlippageBps: 50,
		MaxActualSlippageBps:   25,
		SlippageBreachLimit:    3,
		SlippageBreachWindow:   30 * time.Minute,
		EntryTTLBars:           6,
	}
}

func testInstrument() domain.Instrument {
	return domain.Instrument{
		Symbol:      "BTCUSDT",
		Enabled:     true,
		MaxLeverage: 10,
		QtyStep:     0.001,
		MinQty:      0.001,
	}
}

func testSnapshot(price float64) *domain.MarketSnapshot {
	return &domain.MarketSnapshot{
		Symbol:    "BTCUSDT",
		LastPrice: price,
		BarHigh:   price * 1.01,
		BarLow:    price * 0.99,
		BarIndex:  1000,
		Book: domain.OrderBook{
			Symbol: "BTCUSDT",
			Bids:   []domain.BookLevel{{Price: price * 0.9999, Size: 1e6}},
			Asks:   []domain.BookLevel{{Price: price, Size: 1e6}},
		},
		Timestamp: time.Now(),
	}
}

type riskEnv struct {
	risk     *usecase.RiskEngine
	ledger   *usecase.PositionLedger
	guard    *usecase.SlippageGuard
	states   *MockStateRepo
	notifier *MockNotifier
}

func newRiskEnv(t *testing.T) *riskEnv {
	t.Helper()
	states := &MockStateRepo{}
	notifier := &MockNotifier{}
	ledger := usecase.NewPositionLedger()
	guard := usecase.NewSlippageGuard(states, notifier, zap.NewNop())
	risk := usecase.NewRiskEngine(ledger, guard, states, notifier, time.UTC, zap.NewNop())
	return &riskEnv{risk: risk, ledger: ledger, guard: guard, states: states, notifier: notifier}
}

func TestAdmit_SizesFromStopDistance(t *testing.T) {
	env := newRiskEnv(t)

	s := sig("BTCUSDT", "s1", 10, domain.SideLong)
	s.EntryPrice = 100
	s.StopLoss = 98

	intent, err := env.risk.Admit(s, testLimits(), testInstrument(), nil, testSnapshot(100))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	// 1% of 10000 = 100 risk over a 2.0 stop distance.
	if math.Abs(intent.Qty-50) > 1e-9 {
		t.Errorf("qty = %v, want 50", intent.Qty)
	}
	if math.Abs(intent.RiskAmount-100) > 1e-9 {
		t.Errorf("risk amount = %v, want 100", intent.RiskAmount)
	}
	if intent.ID == "" || intent.TTLBars != 6 {
		t.Errorf("intent fields: id=%q ttl=%d", intent.ID, intent.TTLBars)
	}
	if len(env.notifier.Accepted) != 1 || env.notifier.Accepted[0] != "BTCUSDT/s1" {
		t.Errorf("accepted notifications = %v", env.notifier.Accepted)
	}
}

func TestAdmit_QtyHintOnlyShrinks(t *testing.T) {
	env := newRiskEnv(t)

	s := sig("BTCUSDT", "s1", 10, domain.SideLong)
	s.EntryPrice = 100
	s.StopLoss = 98
	s.QtyHint = 80

	intent, err := env.risk.Admit(s, testLimits(), testInstrument(), nil, testSnapshot(100))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(intent.Qty-50) > 1e-9 {
		t.Errorf("hint above cap: qty = %v, want 50", intent.Qty)
	}

	s.QtyHint = 30
	intent, err = env.risk.Admit(s, testLimits(), testInstrument(), nil, testSnapshot(100))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(intent.Qty-30) > 1e-9 {
		t.Errorf("hint below cap: qty = %v, want 30", intent.Qty)
	}
}

func TestAdmit_RejectsBelowMinViableSize(t *testing.T) {
	env := newRiskEnv(t)

	instr := testInstrument()
	instr.MinQty = 100 // larger than anything the risk budget allows

	s := sig("BTCUSDT", "s1", 10, domain.SideLong)
	s.EntryPrice = 100
	s.StopLoss = 98

	_, err := env.risk.Admit(s, testLimits(), instr, nil, testSnapshot(100))
	le, ok := domain.IsLimit(err)
	if !ok || le.Limit != "min_viable_size" {
		t.Fatalf("err = %v", err)
	}
}

func TestAdmit_RejectsMissingStop(t *testing.T) {
	env := newRiskEnv(t)

	s := sig("BTCUSDT", "s1", 10, domain.SideLong)
	s.EntryPrice = 100
	s.StopLoss = 0

	_, err := env.risk.Admit(s, testLimits(), testInstrument(), nil, testSnapshot(100))
	le, ok := domain.IsLimit(err)
	if !ok || le.Limit != "missing_stop_loss" {
		t.Fatalf("err = %v", err)
	}
}

func TestAdmit_KillSwitchBlocksEverything(t *testing.T) {
	env := newRiskEnv(t)
	env.guard.Restore(&domain.RiskState{KillSwitch: true, KillSwitchReason: "test"})

	s := sig("BTCUSDT", "s1", 10, domain.SideLong)
	s.EntryPrice = 100
	s.StopLoss = 98

	_, err := env.risk.Admit(s, testLimits(), testInstrument(), nil, testSnapshot(100))
	le, ok := domain.IsLimit(err)
	if !ok || le.Limit != "kill_switch" {
		t.Fatalf("err = %v", err)
	}
}

func TestAdmit_DisabledInstrumentAndRotation(t *testing.T) {
	env := newRiskEnv(t)

	s := sig("BTCUSDT", "s1", 10, domain.SideLong)
	s.EntryPrice = 100
	s.StopLoss = 98

	instr := testInstrument()
	instr.Enabled = false
	_, err := env.risk.Admit(s, testLimits(), instr, nil, testSnapshot(100))
	if le, ok := domain.IsLimit(err); !ok || le.Limit != "instrument_disabled" {
		t.Fatalf("disabled: %v", err)
	}

	allowed := map[string]bool{"ETHUSDT": true}
	_, err = env.risk.Admit(s, testLimits(), testInstrument(), allowed, testSnapshot(100))
	if le, ok := domain.IsLimit(err); !ok || le.Limit != "symbol_not_in_rotation" {
		t.Fatalf("rotation: %v", err)
	}
}

func TestAdmit_ConcurrencyCountsTheCandidate(t *testing.T) {
	env := newRiskEnv(t)
	if err := env.ledger.AddLeg("ETHUSDT", domain.SideLong, leg("x", 1, 2000)); err != nil {
		t.Fatal(err)
	}

	limits := testLimits()
	limits.MaxConcurrentPositions = 1

	s := sig("BTCUSDT", "s1", 10, domain.SideLong)
	s.EntryPrice = 100
	s.StopLoss = 98

	_, err := env.risk.Admit(s, limits, testInstrument(), nil, testSnapshot(100))
	if le, ok := domain.IsLimit(err); !ok || le.Limit != "max_concurrent_positions" {
		t.Fatalf("err = %v", err)
	}
}

func TestAdmit_PyramidingSkipsNewEntryChecks(t *testing.T) {
	env := newRiskEnv(t)
	if err := env.ledger.AddLeg("BTCUSDT", domain.SideLong, leg("x", 1, 100)); err != nil {
		t.Fatal(err)
	}

	limits := testLimits()
	limits.MaxConcurrentPositions = 1 // already at the cap

	s := sig("BTCUSDT", "s1", 10, domain.SideLong)
	s.EntryPrice = 100
	s.StopLoss = 98

	// Same-direction add-on is not a new position, so the concurrency
	// and rotation gates do not apply.
	if _, err := env.risk.Admit(s, limits, testInstrument(), map[string]bool{}, testSnapshot(100)); err != nil {
		t.Fatalf("pyramiding rejected: %v", err)
	}
}

func TestAdmit_DailyLossCapStopsNewEntries(t *testing.T) {
	env := newRiskEnv(t)
	limits := testLimits() // cap = -300

	env.risk.RecordRealized(context.Background(), -300, limits)

	s := sig("BTCUSDT", "s1", 10, domain.SideLong)
	s.EntryPrice = 100
	s.StopLoss = 98

	_, err := env.risk.Admit(s, limits, testInstrument(), nil, testSnapshot(100))
	if le, ok := domain.IsLimit(err); !ok || le.Limit != "daily_max_loss" {
		t.Fatalf("err = %v", err)
	}
	if env.states.Saves == 0 {
		t.Error("daily counter never persisted")
	}
}

func TestAdmit_CooldownAfterLoss(t *testing.T) {
	env := newRiskEnv(t)
	limits := testLimits()
	limits.CooldownAfterLoss = time.Hour

	env.risk.RecordRealized(context.Background(), -10, limits)

	s := sig("BTCUSDT", "s1", 10, domain.SideLong)
	s.EntryPrice = 100
	s.StopLoss = 98

	_, err := env.risk.Admit(s, limits, testInstrument(), nil, testSnapshot(100))
	if le, ok := domain.IsLimit(err); !ok || le.Limit != "cooldown_after_loss" {
		t.Fatalf("err = %v", err)
	}
}

func TestAdmit_ExpectedSlippageGate(t *testing.T) {
	env := newRiskEnv(t)

	s := sig("BTCUSDT", "s1", 10, domain.SideLong)
	s.EntryPrice = 100
	s.StopLoss = 98

	// Thin book: the 50-unit entry walks far past the touch.
	mkt := testSnapshot(100)
	mkt.Book.Asks = []domain.BookLevel{
		{Price: 100, Size: 1},
		{Price: 110, Size: 100},
	}

	_, err := env.risk.Admit(s, testLimits(), testInstrument(), nil, mkt)
	if le, ok := domain.IsLimit(err); !ok || le.Limit != "expected_slippage_bps" {
		t.Fatalf("err = %v", err)
	}
}

func TestRestore_KeepsSameSessionCounter(t *testing.T) {
	env := newRiskEnv(t)
	env.states.State = &domain.RiskState{
		SessionDate: time.Now().UTC(),
		RealizedPnL: -120,
	}

	if err := env.risk.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := env.risk.DailyRealized(); got != -120 {
		t.Errorf("restored pnl = %v, want -120", got)
	}
}

func TestRestore_DropsStaleSessionCounter(t *testing.T) {
	env := newRiskEnv(t)
	env.states.State = &domain.RiskState{
		SessionDate: time.Now().UTC().Add(-48 * time.Hour),
		RealizedPnL: -120,
	}

	if err := env.risk.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := env.risk.DailyRealized(); got != 0 {
		t.Errorf("stale pnl carried over: %v", got)
	}
}

func TestRestore_CorruptStateRefusesStartup(t *testing.T) {
	env := newRiskEnv(t)
	broken := &brokenStateRepo{}
	risk := usecase.NewRiskEngine(env.ledger, env.guard, broken, env.notifier, time.UTC, zap.NewNop())

	if err := risk.Restore(context.Background()); err == nil {
		t.Fatal("corrupt state accepted")
	}
}

type brokenStateRepo struct{}

func (b *brokenStateRepo) LoadRiskState(ctx context.Context) (*domain.RiskState, error) {
	return nil, errors.New("disk corrupt")
}

func (b *brokenStateRepo) SaveRiskState(ctx context.Context, state *domain.RiskState) error {
	return nil
}
