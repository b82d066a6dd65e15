package notify_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vitos/perp_engine/internal/domain"
	"github.com/vitos/perp_engine/internal/infrastructure/metrics"
	"github.com/vitos/perp_engine/internal/infrastructure/notify"
	"go.uber.org/zap"
)

func TestCountersFollowNotifications(t *testing.T) {
	m := metrics.New()
	n := notify.NewLogNotifier(zap.NewNop(), m)

	n.AdmissionAccepted(&domain.OrderIntent{Symbol: "BTCUSDT", StrategyID: "s1", Qty: 1})
	n.AdmissionRejected("BTCUSDT", "s1", &domain.LimitError{Limit: "kill_switch"})
	n.OrderFilled("BTCUSDT", false)
	n.OrderFilled("BTCUSDT", false)
	n.OrderFilled("BTCUSDT", true)
	n.KillSwitch(true, "slippage")
	n.RiskEvent("slippage_breach", "BTCUSDT", "110bps")

	require.Equal(t, 1.0, testutil.ToFloat64(m.AdmissionsTotal.WithLabelValues("admitted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.AdmissionsTotal.WithLabelValues("kill_switch")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.FillsTotal.WithLabelValues("entry")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FillsTotal.WithLabelValues("exit")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.KillSwitchEngaged))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SlippageBreaches))

	n.KillSwitch(false, "operator clear")
	require.Equal(t, 0.0, testutil.ToFloat64(m.KillSwitchEngaged))
}
