package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/vitos/perp_engine/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/private"

	BybitDemoBaseURL = "https://api-demo.bybit.com"
	BybitDemoWSURL   = "wss://stream-demo.bybit.com/v5/private"

	recvWindow = 5000
)

// Bybit V5 retCodes the adapter cares about.
const (
	retOK           = 0
	retRateLimited  = 10006
	retServerBusy   = 10016
	retTimeout      = 10002
	retUnknownOrder = 110001
)

// BybitAdapter implements the Exchange and MarketFeed boundaries against
// Bybit V5 linear perpetuals. All REST calls go through a shared rate
// limiter and a bounded retry pipeline; only transient failures retry.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	limiter   *rate.Limiter
	pipeline  failsafe.Executor[*http.Response]
	logger    *zap.Logger

	mu       sync.Mutex
	onExec   func(domain.ExecutionEvent)
	interval string
}

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL, klineInterval string, logger *zap.Logger) *BybitAdapter {
	if klineInterval == "" {
		klineInterval = "5"
	}
	retry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(8), 10),
		pipeline:  failsafe.With[*http.Response](retry),
		logger:    logger,
		interval:  klineInterval,
	}
}

// --- REST plumbing ---

func (b *BybitAdapter) sign(params string, timestamp int64) string {
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) sendRequest(ctx context.Context, op, method, path string, payload map[string]interface{}) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &domain.ExchangeError{Op: op, Transient: true, Err: err}
	}

	var body []byte
	var paramsStr string
	if payload != nil {
		body, _ = json.Marshal(payload)
		paramsStr = string(body)
	} else if method == http.MethodGet {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	resp, err := b.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		timestamp := time.Now().UnixMilli()
		req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
		req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp))
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
		req.Header.Set("Content-Type", "application/json")
		return b.client.Do(req)
	})
	if err != nil {
		return nil, &domain.ExchangeError{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.ExchangeError{Op: op, Transient: true, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &domain.ExchangeError{
			Op:        op,
			Transient: resp.StatusCode >= 500 || resp.StatusCode == 429,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)),
		}
	}
	return respBody, nil
}

// apiCall sends the request and unmarshals the V5 envelope, mapping retCodes
// onto the error taxonomy.
func (b *BybitAdapter) apiCall(ctx context.Context, op, method, path string, payload map[string]interface{}, result interface{}) error {
	respBody, err := b.sendRequest(ctx, op, method, path, payload)
	if err != nil {
		return err
	}

	var envelope struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return &domain.ExchangeError{Op: op, Err: fmt.Errorf("bad response: %w", err)}
	}
	switch envelope.RetCode {
	case retOK:
	case retUnknownOrder:
		return fmt.Errorf("%s: %s: %w", op, envelope.RetMsg, domain.ErrUnknownOrder)
	case retRateLimited, retServerBusy, retTimeout:
		return &domain.ExchangeError{Op: op, Transient: true, Err: fmt.Errorf("retCode %d: %s", envelope.RetCode, envelope.RetMsg)}
	default:
		return &domain.ExchangeError{Op: op, Err: fmt.Errorf("retCode %d: %s", envelope.RetCode, envelope.RetMsg)}
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return &domain.ExchangeError{Op: op, Err: fmt.Errorf("bad result: %w", err)}
		}
	}
	return nil
}

// --- Exchange implementation ---

func (b *BybitAdapter) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.WorkingOrder, error) {
	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        bybitSide(req.Side),
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(req.Qty, 'f', -1, 64),
		"timeInForce": "GTC",
	}
	if req.Price > 0 {
		payload["orderType"] = "Limit"
		payload["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		if req.PostOnly {
			payload["timeInForce"] = "PostOnly"
		}
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}
	if req.StopLoss > 0 {
		payload["stopLoss"] = strconv.FormatFloat(req.StopLoss, 'f', -1, 64)
	}
	if req.ClientOrderID != "" {
		payload["orderLinkId"] = req.ClientOrderID
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.apiCall(ctx, "place_order", http.MethodPost, "/v5/order/create", payload, &result); err != nil {
		return nil, err
	}
	b.logger.Debug("order accepted",
		zap.String("symbol", req.Symbol),
		zap.String("order_id", result.OrderID))
	return &domain.WorkingOrder{
		OrderID:    result.OrderID,
		IntentID:   req.ClientOrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Qty:        req.Qty,
		Price:      req.Price,
		ReduceOnly: req.ReduceOnly,
		CreatedAt:  time.Now(),
	}, nil
}

func (b *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return b.apiCall(ctx, "cancel_order", http.MethodPost, "/v5/order/cancel", payload, nil)
}

func (b *BybitAdapter) OpenOrders(ctx context.Context) ([]*domain.WorkingOrder, error) {
	path := "/v5/order/realtime?category=linear&settleCoin=USDT&limit=50"
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Qty         string `json:"qty"`
			Price       string `json:"price"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			ReduceOnly  bool   `json:"reduceOnly"`
			CreatedTime string `json:"createdTime"`
		} `json:"list"`
	}
	if err := b.apiCall(ctx, "open_orders", http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	orders := make([]*domain.WorkingOrder, 0, len(result.List))
	for _, raw := range result.List {
		qty, _ := strconv.ParseFloat(raw.Qty, 64)
		price, _ := strconv.ParseFloat(raw.Price, 64)
		filled, _ := strconv.ParseFloat(raw.CumExecQty, 64)
		avg, _ := strconv.ParseFloat(raw.AvgPrice, 64)
		orders = append(orders, &domain.WorkingOrder{
			OrderID:      raw.OrderID,
			IntentID:     raw.OrderLinkID,
			Symbol:       raw.Symbol,
			Side:         sideFromBybit(raw.Side),
			Qty:          qty - filled,
			Price:        price,
			ReduceOnly:   raw.ReduceOnly,
			FilledQty:    filled,
			AvgFillPrice: avg,
			CreatedAt:    msTime(raw.CreatedTime),
		})
	}
	return orders, nil
}

func (b *BybitAdapter) Positions(ctx context.Context) ([]*domain.VenuePosition, error) {
	path := "/v5/position/list?category=linear&settleCoin=USDT&limit=50"
	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Size        string `json:"size"`
			AvgPrice    string `json:"avgPrice"`
			StopLoss    string `json:"stopLoss"`
			CreatedTime string `json:"createdTime"`
		} `json:"list"`
	}
	if err := b.apiCall(ctx, "positions", http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	positions := make([]*domain.VenuePosition, 0, len(result.List))
	for _, raw := range result.List {
		size, _ := strconv.ParseFloat(raw.Size, 64)
		if size == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(raw.AvgPrice, 64)
		sl, _ := strconv.ParseFloat(raw.StopLoss, 64)
		positions = append(positions, &domain.VenuePosition{
			Symbol:     raw.Symbol,
			Side:       sideFromBybit(raw.Side),
			Qty:        size,
			EntryPrice: entry,
			StopLoss:   sl,
			OpenedAt:   msTime(raw.CreatedTime),
		})
	}
	return positions, nil
}

func bybitSide(s domain.Side) string {
	if s == domain.SideShort {
		return "Sell"
	}
	return "Buy"
}

func sideFromBybit(s string) domain.Side {
	if s == "Sell" {
		return domain.SideShort
	}
	return domain.SideLong
}

func msTime(ms string) time.Time {
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
