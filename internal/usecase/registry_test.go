package usecase_test

import (
	"testing"

	"github.com/vitos/perp_engine/internal/domain"
	"github.com/vitos/perp_engine/internal/usecase"
)

func TestBuildStrategies_OrderedByPriority(t *testing.T) {
	out, err := usecase.BuildStrategies([]usecase.StrategyConfig{
		{ID: "slow", Type: "debug_always_long", Priority: 20},
		{ID: "fast", Type: "debug_always_long", Priority: 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].ID() != "fast" || out[1].ID() != "slow" {
		t.Fatalf("order = %v", []string{out[0].ID(), out[1].ID()})
	}
}

func TestBuildStrategies_UnknownTypeFails(t *testing.T) {
	_, err := usecase.BuildStrategies([]usecase.StrategyConfig{
		{ID: "x", Type: "does_not_exist"},
	})
	if err == nil {
		t.Fatal("unknown strategy type accepted")
	}
}

func TestDebugAlwaysLong_SkipsOpenSymbols(t *testing.T) {
	out, err := usecase.BuildStrategies([]usecase.StrategyConfig{
		{ID: "dbg", Type: "debug_always_long", Priority: 1,
			Params: map[string]interface{}{"sl_pct": 0.05}},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := out[0]

	market := map[string]*domain.MarketSnapshot{
		"BTCUSDT": {Symbol: "BTCUSDT", LastPrice: 100},
		"ETHUSDT": {Symbol: "ETHUSDT", LastPrice: 2000},
	}
	positions := map[string]*domain.Position{
		"ETHUSDT": {Symbol: "ETHUSDT", Side: domain.SideLong,
			Legs: []domain.Leg{{IntentID: "x", Qty: 1}}, Qty: 1},
	}

	signals := s.GenerateSignals(market, positions)
	if len(signals) != 1 || signals[0].Symbol != "BTCUSDT" {
		t.Fatalf("signals = %+v", signals)
	}
	if signals[0].StopLoss != 95 {
		t.Errorf("sl = %v, want 95", signals[0].StopLoss)
	}
	if signals[0].Side != domain.SideLong || signals[0].Style != domain.EntryImmediate {
		t.Errorf("signal = %+v", signals[0])
	}
}
