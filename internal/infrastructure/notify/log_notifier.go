package notify

import (
	"github.com/vitos/perp_engine/internal/domain"
	"github.com/vitos/perp_engine/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

// LogNotifier fans engine outcomes out to structured logs and Prometheus
// counters. It is the default Notifier; chat or webhook sinks wrap it.
type LogNotifier struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewLogNotifier(logger *zap.Logger, m *metrics.Metrics) *LogNotifier {
	return &LogNotifier{logger: logger, metrics: m}
}

func (n *LogNotifier) AdmissionAccepted(intent *domain.OrderIntent) {
	n.logger.Info("admission accepted",
		zap.String("symbol", intent.Symbol),
		zap.String("strategy", intent.StrategyID),
		zap.Float64("qty", intent.Qty))
	n.metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
}

func (n *LogNotifier) AdmissionRejected(symbol, strategyID string, err *domain.LimitError) {
	n.logger.Info("admission rejected",
		zap.String("symbol", symbol),
		zap.String("strategy", strategyID),
		zap.String("limit", err.Limit))
	n.metrics.AdmissionsTotal.WithLabelValues(err.Limit).Inc()
}

func (n *LogNotifier) ConflictSkipped(skipped domain.Signal, winnerStrategyID string) {
	n.logger.Info("conflict skipped",
		zap.String("symbol", skipped.Symbol),
		zap.String("strategy", skipped.StrategyID),
		zap.String("winner", winnerStrategyID))
	n.metrics.ConflictSkips.Inc()
}

func (n *LogNotifier) KillSwitch(engaged bool, reason string) {
	if engaged {
		n.logger.Error("kill-switch engaged", zap.String("reason", reason))
		n.metrics.KillSwitchEngaged.Set(1)
		return
	}
	n.logger.Info("kill-switch cleared", zap.String("reason", reason))
	n.metrics.KillSwitchEngaged.Set(0)
}

func (n *LogNotifier) OrderFilled(symbol string, exit bool) {
	kind := "entry"
	if exit {
		kind = "exit"
	}
	n.metrics.FillsTotal.WithLabelValues(kind).Inc()
}

func (n *LogNotifier) RiskEvent(kind, symbol, detail string) {
	n.logger.Warn("risk event",
		zap.String("kind", kind),
		zap.String("symbol", symbol),
		zap.String("detail", detail))
	if kind == "slippage_breach" {
		n.metrics.SlippageBreaches.Inc()
	}
}
