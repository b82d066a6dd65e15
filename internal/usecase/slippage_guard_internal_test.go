package usecase

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/vitos/perp_engine/internal/domain"
	"go.uber.org/zap"
)

type stubNotifier struct {
	killEvents []bool
	riskEvents []string
	rejections []string
	skips      []string
	accepted   []string
	fills      []string
}

func (s *stubNotifier) AdmissionAccepted(intent *domain.OrderIntent) {
	s.accepted = append(s.accepted, intent.Symbol)
}
func (s *stubNotifier) AdmissionRejected(symbol, strategyID string, err *domain.LimitError) {
	s.rejections = append(s.rejections, err.Limit)
}
func (s *stubNotifier) ConflictSkipped(skipped domain.Signal, winner string) {
	s.skips = append(s.skips, skipped.StrategyID)
}
func (s *stubNotifier) KillSwitch(engaged bool, reason string) {
	s.killEvents = append(s.killEvents, engaged)
}
func (s *stubNotifier) OrderFilled(symbol string, exit bool) {
	kind := "entry"
	if exit {
		kind = "exit"
	}
	s.fills = append(s.fills, kind)
}
func (s *stubNotifier) RiskEvent(kind, symbol, detail string) {
	s.riskEvents = append(s.riskEvents, kind)
}

type stubStates struct {
	state *domain.RiskState
	saves int
}

func (s *stubStates) LoadRiskState(ctx context.Context) (*domain.RiskState, error) {
	if s.state == nil {
		return nil, nil
	}
	cp := *s.state
	return &cp, nil
}
func (s *stubStates) SaveRiskState(ctx context.Context, state *domain.RiskState) error {
	cp := *state
	s.state = &cp
	s.saves++
	return nil
}

func guardLimits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxExpectedSlippageBps: 20,
		MaxActualSlippageBps:   25,
		SlippageBreachLimit:    3,
		SlippageBreachWindow:   30 * time.Minute,
	}
}

func TestEstimateEntryBps_WalksTheBook(t *testing.T) {
	g := NewSlippageGuard(&stubStates{}, &stubNotifier{}, zap.NewNop())
	book := &domain.OrderBook{
		Asks: []domain.BookLevel{
			{Price: 100.0, Size: 1},
			{Price: 100.2, Size: 1},
		},
		Bids: []domain.BookLevel{
			{Price: 99.8, Size: 1},
			{Price: 99.6, Size: 1},
		},
	}

	// Long 2 units: vwap 100.1 against a 100.0 touch = 10 bps.
	got := g.EstimateEntryBps(book, domain.SideLong, 2)
	if math.Abs(got-10) > 1e-6 {
		t.Errorf("long bps = %v, want 10", got)
	}

	// Short 2 units: vwap 99.7 against a 99.8 touch = ~10 bps adverse.
	got = g.EstimateEntryBps(book, domain.SideShort, 2)
	if math.Abs(got-10.02004) > 1e-3 {
		t.Errorf("short bps = %v, want ~10.02", got)
	}

	// More than the visible depth is uncosted, not cheap.
	if got := g.EstimateEntryBps(book, domain.SideLong, 5); !math.IsInf(got, 1) {
		t.Errorf("depth-short bps = %v, want +Inf", got)
	}
}

func TestCheckEntry_LimitError(t *testing.T) {
	g := NewSlippageGuard(&stubStates{}, &stubNotifier{}, zap.NewNop())
	book := &domain.OrderBook{
		Asks: []domain.BookLevel{{Price: 100, Size: 1}, {Price: 101, Size: 10}},
	}

	err := g.CheckEntry(book, domain.SideLong, 5, guardLimits())
	le, ok := domain.IsLimit(err)
	if !ok || le.Limit != "expected_slippage_bps" {
		t.Fatalf("err = %v", err)
	}
}

func TestRecordFill_RollingWindowEngagesKillSwitch(t *testing.T) {
	states := &stubStates{}
	notifier := &stubNotifier{}
	g := NewSlippageGuard(states, notifier, zap.NewNop())

	now := time.Unix(1_700_000_000, 0)
	g.nowFn = func() time.Time { return now }

	limits := guardLimits()

	// 100 -> 101 is 100 bps, far over the 25 cap.
	g.RecordFill(context.Background(), "BTCUSDT", domain.SideLong, 100, 101, limits)
	now = now.Add(5 * time.Minute)
	g.RecordFill(context.Background(), "BTCUSDT", domain.SideLong, 100, 101, limits)
	if g.Engaged() {
		t.Fatal("engaged after two breaches")
	}

	// Third breach falls outside the window of the first; still only two
	// inside it after pruning, then this one makes three.
	now = now.Add(40 * time.Minute)
	g.RecordFill(context.Background(), "BTCUSDT", domain.SideLong, 100, 101, limits)
	if g.Engaged() {
		t.Fatal("engaged with stale breaches pruned")
	}

	now = now.Add(time.Minute)
	g.RecordFill(context.Background(), "BTCUSDT", domain.SideLong, 100, 101, limits)
	now = now.Add(time.Minute)
	g.RecordFill(context.Background(), "BTCUSDT", domain.SideLong, 100, 101, limits)
	if !g.Engaged() {
		t.Fatal("kill-switch not engaged after three in-window breaches")
	}
	if states.state == nil || !states.state.KillSwitch {
		t.Error("kill-switch not persisted")
	}
	if len(notifier.killEvents) != 1 || !notifier.killEvents[0] {
		t.Errorf("kill events = %v", notifier.killEvents)
	}
}

func TestRecordFill_WithinCapDoesNotCount(t *testing.T) {
	g := NewSlippageGuard(&stubStates{}, &stubNotifier{}, zap.NewNop())
	limits := guardLimits()

	bps := g.RecordFill(context.Background(), "BTCUSDT", domain.SideLong, 100, 100.01, limits)
	if math.Abs(bps-1) > 1e-6 {
		t.Errorf("bps = %v, want 1", bps)
	}
	if g.Engaged() {
		t.Error("engaged on in-cap fill")
	}
}

func TestClear_ResetsAndPersists(t *testing.T) {
	states := &stubStates{}
	g := NewSlippageGuard(states, &stubNotifier{}, zap.NewNop())
	g.Restore(&domain.RiskState{KillSwitch: true, KillSwitchReason: "restored"})
	if !g.Engaged() || g.Reason() != "restored" {
		t.Fatal("restore did not engage")
	}

	g.Clear(context.Background())
	if g.Engaged() || g.Reason() != "" {
		t.Error("clear left state behind")
	}
	if states.state == nil || states.state.KillSwitch {
		t.Error("cleared state not persisted")
	}
}
