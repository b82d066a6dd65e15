package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vitos/perp_engine/internal/domain"
	"go.uber.org/zap"
)

const atrPeriod = 14

// Snapshots implements MarketFeed over REST: ticker, book depth and the
// recent kline history per symbol. The bar index is derived from the bar's
// open time so it stays monotonic across restarts.
func (b *BybitAdapter) Snapshots(ctx context.Context, symbols []string) (map[string]*domain.MarketSnapshot, error) {
	out := make(map[string]*domain.MarketSnapshot, len(symbols))
	for _, symbol := range symbols {
		snap, err := b.snapshot(ctx, symbol)
		if err != nil {
			// One bad symbol must not starve the rest of the cycle.
			b.logger.Warn("snapshot failed",
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}
		out[symbol] = snap
	}
	if len(out) == 0 && len(symbols) > 0 {
		return nil, fmt.Errorf("no market snapshot for any of %d symbols", len(symbols))
	}
	return out, nil
}

func (b *BybitAdapter) snapshot(ctx context.Context, symbol string) (*domain.MarketSnapshot, error) {
	last, err := b.lastPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	book, err := b.orderBook(ctx, symbol)
	if err != nil {
		return nil, err
	}
	high, low, barIndex, atr, err := b.klines(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &domain.MarketSnapshot{
		Symbol:    symbol,
		LastPrice: last,
		BarHigh:   high,
		BarLow:    low,
		BarIndex:  barIndex,
		ATR:       atr,
		Book:      *book,
		Timestamp: time.Now(),
	}, nil
}

func (b *BybitAdapter) lastPrice(ctx context.Context, symbol string) (float64, error) {
	path := "/v5/market/tickers?category=linear&symbol=" + symbol
	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := b.apiCall(ctx, "tickers", http.MethodGet, path, nil, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("no ticker for %s", symbol)
	}
	return strconv.ParseFloat(result.List[0].LastPrice, 64)
}

func (b *BybitAdapter) orderBook(ctx context.Context, symbol string) (*domain.OrderBook, error) {
	path := "/v5/market/orderbook?category=linear&limit=25&symbol=" + symbol
	var result struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	}
	if err := b.apiCall(ctx, "orderbook", http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	book := &domain.OrderBook{Symbol: symbol}
	for _, lvl := range result.Bids {
		if l, ok := parseLevel(lvl); ok {
			book.Bids = append(book.Bids, l)
		}
	}
	for _, lvl := range result.Asks {
		if l, ok := parseLevel(lvl); ok {
			book.Asks = append(book.Asks, l)
		}
	}
	return book, nil
}

// klines returns the last closed bar's range, its monotonic index and an
// ATR over the closed history. Bybit returns newest first; entry [0] is the
// still-forming bar and is skipped.
func (b *BybitAdapter) klines(ctx context.Context, symbol string) (high, low float64, barIndex int64, atr float64, err error) {
	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=%s&limit=%d",
		symbol, b.interval, atrPeriod+2)
	var result struct {
		List [][]string `json:"list"`
	}
	if err = b.apiCall(ctx, "kline", http.MethodGet, path, nil, &result); err != nil {
		return 0, 0, 0, 0, err
	}
	if len(result.List) < 2 {
		return 0, 0, 0, 0, fmt.Errorf("no closed bar for %s", symbol)
	}

	closed := result.List[1:]
	// Kline row: [startTime, open, high, low, close, volume, turnover]
	start, _ := strconv.ParseInt(closed[0][0], 10, 64)
	high, _ = strconv.ParseFloat(closed[0][2], 64)
	low, _ = strconv.ParseFloat(closed[0][3], 64)

	intervalMin, convErr := strconv.ParseInt(b.interval, 10, 64)
	if convErr != nil || intervalMin <= 0 {
		intervalMin = 5
	}
	barIndex = start / (intervalMin * 60_000)

	var trSum float64
	var trN int
	for i := 0; i < len(closed)-1 && i < atrPeriod; i++ {
		h, _ := strconv.ParseFloat(closed[i][2], 64)
		l, _ := strconv.ParseFloat(closed[i][3], 64)
		prevClose, _ := strconv.ParseFloat(closed[i+1][4], 64)
		tr := h - l
		if d := h - prevClose; d > tr {
			tr = d
		}
		if d := prevClose - l; d > tr {
			tr = d
		}
		trSum += tr
		trN++
	}
	if trN > 0 {
		atr = trSum / float64(trN)
	}
	return high, low, barIndex, atr, nil
}

func parseLevel(raw []string) (domain.BookLevel, bool) {
	if len(raw) < 2 {
		return domain.BookLevel{}, false
	}
	price, err1 := strconv.ParseFloat(raw[0], 64)
	size, err2 := strconv.ParseFloat(raw[1], 64)
	if err1 != nil || err2 != nil {
		return domain.BookLevel{}, false
	}
	return domain.BookLevel{Price: price, Size: size}, true
}
