package usecase_test

import (
	"reflect"
	"testing"

	"github.com/vitos/perp_engine/internal/domain"
	"github.com/vitos/perp_engine/internal/usecase"
	"go.uber.org/zap"
)

func sig(symbol, strategy string, priority int, side domain.Side) domain.Signal {
	return domain.Signal{
		Symbol:     symbol,
		Side:       side,
		Style:      domain.EntryImmediate,
		EntryPrice: 100,
		StopLoss:   98,
		StrategyID: strategy,
		Priority:   priority,
	}
}

func TestResolver_LowestPriorityValueWins(t *testing.T) {
	notifier := &MockNotifier{}
	r := usecase.NewConflictResolver(usecase.NewPositionLedger(), notifier, zap.NewNop())

	out := r.Resolve([]domain.Signal{
		sig("BTCUSDT", "slow", 20, domain.SideLong),
		sig("BTCUSDT", "fast", 10, domain.SideShort),
	})

	if len(out) != 1 || out[0].StrategyID != "fast" {
		t.Fatalf("winner = %+v", out)
	}
	if len(notifier.Skips) != 1 || notifier.Skips[0] != "BTCUSDT/slow->fast" {
		t.Errorf("skips = %v", notifier.Skips)
	}
}

func TestResolver_LexicalTieBreak(t *testing.T) {
	r := usecase.NewConflictResolver(usecase.NewPositionLedger(), &MockNotifier{}, zap.NewNop())

	out := r.Resolve([]domain.Signal{
		sig("BTCUSDT", "zeta", 10, domain.SideLong),
		sig("BTCUSDT", "alpha", 10, domain.SideLong),
	})

	if len(out) != 1 || out[0].StrategyID != "alpha" {
		t.Fatalf("tie-break winner = %+v", out)
	}
}

func TestResolver_Deterministic(t *testing.T) {
	r := usecase.NewConflictResolver(usecase.NewPositionLedger(), &MockNotifier{}, zap.NewNop())
	in := []domain.Signal{
		sig("ETHUSDT", "b", 5, domain.SideLong),
		sig("BTCUSDT", "c", 7, domain.SideShort),
		sig("ETHUSDT", "a", 5, domain.SideShort),
		sig("BTCUSDT", "d", 3, domain.SideLong),
	}

	first := r.Resolve(append([]domain.Signal(nil), in...))
	second := r.Resolve(append([]domain.Signal(nil), in...))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("resolution not deterministic:\n%v\n%v", first, second)
	}
	if len(first) != 2 {
		t.Fatalf("selected = %v", first)
	}
	// Symbol order, then the per-symbol winner.
	if first[0].Symbol != "BTCUSDT" || first[0].StrategyID != "d" {
		t.Errorf("first = %+v", first[0])
	}
	if first[1].Symbol != "ETHUSDT" || first[1].StrategyID != "a" {
		t.Errorf("second = %+v", first[1])
	}
}

func TestResolver_RejectsReversalAgainstOpenPosition(t *testing.T) {
	ledger := usecase.NewPositionLedger()
	if err := ledger.AddLeg("BTCUSDT", domain.SideLong, leg("a", 1, 100)); err != nil {
		t.Fatal(err)
	}
	notifier := &MockNotifier{}
	r := usecase.NewConflictResolver(ledger, notifier, zap.NewNop())

	out := r.Resolve([]domain.Signal{sig("BTCUSDT", "s1", 10, domain.SideShort)})
	if len(out) != 0 {
		t.Fatalf("reversal passed: %+v", out)
	}
	if len(notifier.Rejections) != 1 || notifier.Rejections[0] != "BTCUSDT/s1/reversal_forbidden" {
		t.Errorf("rejections = %v", notifier.Rejections)
	}
}

func TestResolver_SameDirectionPyramidingPasses(t *testing.T) {
	ledger := usecase.NewPositionLedger()
	if err := ledger.AddLeg("BTCUSDT", domain.SideLong, leg("a", 1, 100)); err != nil {
		t.Fatal(err)
	}
	r := usecase.NewConflictResolver(ledger, &MockNotifier{}, zap.NewNop())

	out := r.Resolve([]domain.Signal{sig("BTCUSDT", "s1", 10, domain.SideLong)})
	if len(out) != 1 {
		t.Fatalf("pyramiding candidate dropped: %+v", out)
	}
}
