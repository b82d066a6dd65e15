package domain

import "time"

type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type OrderBook struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

// BestBid returns the top of book or 0 when empty.
func (b *OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

func (b *OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// MarketSnapshot is the per-symbol view the engine consumes each cycle:
// last price, the most recent bar's range for retest detection, book depth
// for slippage estimation and a monotonic bar counter for time-stops.
type MarketSnapshot struct {
	Symbol    string
	LastPrice float64
	BarHigh   float64
	BarLow    float64
	BarIndex  int64
	ATR       float64
	Book      OrderBook
	Timestamp time.Time
}

// Instrument describes a tradable symbol and its sizing bounds. Read-only to
// the engine; ownership stays with configuration.
type Instrument struct {
	Symbol      string  `yaml:"symbol"`
	Enabled     bool    `yaml:"enabled"`
	MaxLeverage int     `yaml:"max_leverage"`
	MaxNotional float64 `yaml:"max_notional"`
	QtyStep     float64 `yaml:"qty_step"`
	MinQty      float64 `yaml:"min_qty"`
}
