package domain

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RiskLimits is the runtime risk configuration. The engine never holds a
// reference across cycles: a snapshot is taken at the start of each decision
// cycle and updated only through a single serialized write path.
type RiskLimits struct {
	VirtualEquity          float64       `yaml:"virtual_equity"`
	PerTradeRiskPct        float64       `yaml:"per_trade_risk_pct"`
	DailyMaxLossPct        float64       `yaml:"daily_max_loss_pct"`
	MaxConcurrentPositions int           `yaml:"max_concurrent_positions"`
	MaxExpectedSlippageBps float64       `yaml:"max_expected_slippage_bps"`
	MaxActualSlippageBps   float64       `yaml:"max_actual_slippage_bps"`
	SlippageBreachLimit    int           `yaml:"slippage_breach_limit"`
	SlippageBreachWindow   time.Duration `yaml:"slippage_breach_window"`
	CooldownAfterLoss      time.Duration `yaml:"cooldown_after_loss"`
	EntryTTLBars           int           `yaml:"entry_ttl_bars"`
}

// UnmarshalYAML accepts Go duration strings ("30m") for the window fields.
func (l *RiskLimits) UnmarshalYAML(value *yaml.Node) error {
	type plain struct {
		VirtualEquity          float64 `yaml:"virtual_equity"`
		PerTradeRiskPct        float64 `yaml:"per_trade_risk_pct"`
		DailyMaxLossPct        float64 `yaml:"daily_max_loss_pct"`
		MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
		MaxExpectedSlippageBps float64 `yaml:"max_expected_slippage_bps"`
		MaxActualSlippageBps   float64 `yaml:"max_actual_slippage_bps"`
		SlippageBreachLimit    int     `yaml:"slippage_breach_limit"`
		SlippageBreachWindow   string  `yaml:"slippage_breach_window"`
		CooldownAfterLoss      string  `yaml:"cooldown_after_loss"`
		EntryTTLBars           int     `yaml:"entry_ttl_bars"`
	}
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	l.VirtualEquity = p.VirtualEquity
	l.PerTradeRiskPct = p.PerTradeRiskPct
	l.DailyMaxLossPct = p.DailyMaxLossPct
	l.MaxConcurrentPositions = p.MaxConcurrentPositions
	l.MaxExpectedSlippageBps = p.MaxExpectedSlippageBps
	l.MaxActualSlippageBps = p.MaxActualSlippageBps
	l.SlippageBreachLimit = p.SlippageBreachLimit
	l.EntryTTLBars = p.EntryTTLBars
	var err error
	if p.SlippageBreachWindow != "" {
		if l.SlippageBreachWindow, err = time.ParseDuration(p.SlippageBreachWindow); err != nil {
			return fmt.Errorf("slippage_breach_window: %w", err)
		}
	}
	if p.CooldownAfterLoss != "" {
		if l.CooldownAfterLoss, err = time.ParseDuration(p.CooldownAfterLoss); err != nil {
			return fmt.Errorf("cooldown_after_loss: %w", err)
		}
	}
	return nil
}

// MaxQty is the largest quantity the instrument bounds allow at price.
func (l RiskLimits) MaxQty(instr Instrument, price float64) float64 {
	if price <= 0 {
		return 0
	}
	cap := l.VirtualEquity * float64(instr.MaxLeverage)
	if instr.MaxNotional > 0 && instr.MaxNotional < cap {
		cap = instr.MaxNotional
	}
	return cap / price
}

// DailyLossLimit is the (negative) realized PnL at which new entries stop.
func (l RiskLimits) DailyLossLimit() float64 {
	return -l.DailyMaxLossPct * l.VirtualEquity
}

// RiskState is the slice of risk accounting that must survive a restart:
// the running daily counter and the kill-switch flag. It is restored before
// reconciliation so a crash cannot reset a mid-day loss limit.
type RiskState struct {
	SessionDate      time.Time
	RealizedPnL      float64
	KillSwitch       bool
	KillSwitchReason string
	UpdatedAt        time.Time
}
