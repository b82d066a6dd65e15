package usecase

import (
	"sort"

	"github.com/vitos/perp_engine/internal/domain"
	"go.uber.org/zap"
)

// ConflictResolver selects at most one directional intent per symbol from
// the cycle's candidate signals. Selection is deterministic: lowest priority
// value wins, ties broken by lexical strategy id. Losing signals are
// reported as conflict-skipped, never silently dropped. A signal opposite to
// an open position is rejected outright; same-direction signals pass through
// as pyramiding candidates.
type ConflictResolver struct {
	ledger   *PositionLedger
	notifier domain.Notifier
	logger   *zap.Logger
}

func NewConflictResolver(ledger *PositionLedger, notifier domain.Notifier, logger *zap.Logger) *ConflictResolver {
	return &ConflictResolver{ledger: ledger, notifier: notifier, logger: logger}
}

// Resolve returns the surviving signals in symbol order.
func (r *ConflictResolver) Resolve(signals []domain.Signal) []domain.Signal {
	bySymbol := make(map[string][]domain.Signal)
	var symbols []string
	for _, sig := range signals {
		if _, seen := bySymbol[sig.Symbol]; !seen {
			symbols = append(symbols, sig.Symbol)
		}
		bySymbol[sig.Symbol] = append(bySymbol[sig.Symbol], sig)
	}
	sort.Strings(symbols)

	var selected []domain.Signal
	for _, symbol := range symbols {
		group := bySymbol[symbol]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Priority != group[j].Priority {
				return group[i].Priority < group[j].Priority
			}
			return group[i].StrategyID < group[j].StrategyID
		})
		winner := group[0]
		for _, loser := range group[1:] {
			r.logger.Info("signal skipped due to conflict",
				zap.String("symbol", symbol),
				zap.String("strategy", loser.StrategyID),
				zap.String("winner", winner.StrategyID),
				zap.Int("priority", loser.Priority))
			r.notifier.ConflictSkipped(loser, winner.StrategyID)
		}

		if held := r.ledger.Side(symbol); held != domain.SideFlat && held != winner.Side {
			// Reversal is not an admissible signal; the position closes first.
			r.logger.Info("signal rejected: opposite to open position",
				zap.String("symbol", symbol),
				zap.String("strategy", winner.StrategyID),
				zap.String("held", string(held)),
				zap.String("wanted", string(winner.Side)))
			r.notifier.AdmissionRejected(symbol, winner.StrategyID, &domain.LimitError{
				Limit: "reversal_forbidden",
			})
			continue
		}
		selected = append(selected, winner)
	}
	return selected
}
