package usecase

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vitos/perp_engine/internal/domain"
)

// StrategyConfig is the per-strategy block from configuration, passed
// verbatim to the constructor.
type StrategyConfig struct {
	ID       string                 `yaml:"id"`
	Type     string                 `yaml:"type"`
	Priority int                    `yaml:"priority"`
	Params   map[string]interface{} `yaml:"params"`
}

// StrategyFactory builds a strategy instance from its config block.
type StrategyFactory func(cfg StrategyConfig) (domain.Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]StrategyFactory{}
)

// RegisterStrategy makes a strategy type available to configuration by
// name. Called from init funcs; duplicate names panic.
func RegisterStrategy(typ string, factory StrategyFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[typ]; dup {
		panic("strategy type registered twice: " + typ)
	}
	registry[typ] = factory
}

// BuildStrategies instantiates every configured strategy, ordered by
// priority then id so cycle output is deterministic. Unknown types fail
// startup.
func BuildStrategies(cfgs []StrategyConfig) ([]domain.Strategy, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	sorted := make([]StrategyConfig, len(cfgs))
	copy(sorted, cfgs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	out := make([]domain.Strategy, 0, len(sorted))
	for _, cfg := range sorted {
		factory, ok := registry[cfg.Type]
		if !ok {
			return nil, fmt.Errorf("unknown strategy type %q (id %s)", cfg.Type, cfg.ID)
		}
		s, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("build strategy %s: %w", cfg.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func init() {
	RegisterStrategy("debug_always_long", newDebugAlwaysLong)
}

// debugAlwaysLong emits an immediate long on every flat configured symbol,
// each cycle. Exists to exercise the full admission and execution path on a
// demo account; never enable it live.
type debugAlwaysLong struct {
	id       string
	priority int
	slPct    float64
	tpPct    float64
}

func newDebugAlwaysLong(cfg StrategyConfig) (domain.Strategy, error) {
	s := &debugAlwaysLong{id: cfg.ID, priority: cfg.Priority, slPct: 0.02, tpPct: 0.02}
	if v, ok := cfg.Params["sl_pct"].(float64); ok && v > 0 {
		s.slPct = v
	}
	if v, ok := cfg.Params["tp_pct"].(float64); ok && v > 0 {
		s.tpPct = v
	}
	return s, nil
}

func (s *debugAlwaysLong) ID() string { return s.id }

func (s *debugAlwaysLong) GenerateSignals(market map[string]*domain.MarketSnapshot, positions map[string]*domain.Position) []domain.Signal {
	var out []domain.Signal
	for symbol, mkt := range market {
		if mkt.LastPrice <= 0 {
			continue
		}
		if pos, open := positions[symbol]; open && !pos.Flat() {
			continue
		}
		out = append(out, domain.Signal{
			Symbol:     symbol,
			Side:       domain.SideLong,
			Style:      domain.EntryImmediate,
			EntryPrice: mkt.LastPrice,
			StopLoss:   mkt.LastPrice * (1 - s.slPct),
			TakeProfits: []domain.TakeProfitLevel{
				{Price: mkt.LastPrice * (1 + s.tpPct), Fraction: 1, Label: "tp1"},
			},
			StrategyID: s.id,
			Priority:   s.priority,
		})
	}
	return out
}
