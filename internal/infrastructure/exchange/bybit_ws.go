package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vitos/perp_engine/internal/domain"
	"go.uber.org/zap"
)

// OnExecution registers the single consumer of the private execution
// stream. Must be set before RunExecutionStream.
func (b *BybitAdapter) OnExecution(fn func(domain.ExecutionEvent)) {
	b.mu.Lock()
	b.onExec = fn
	b.mu.Unlock()
}

// RunExecutionStream keeps the private websocket alive until ctx is done,
// reconnecting with backoff. Fills, cancels and rejects reported while
// disconnected are recovered by reconciliation, not replayed here.
func (b *BybitAdapter) RunExecutionStream(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := b.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("execution stream disconnected",
			zap.Error(err),
			zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (b *BybitAdapter) streamOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := b.wsAuth(conn); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := conn.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"execution", "order"},
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.logger.Info("execution stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				_ = conn.WriteJSON(map[string]interface{}{"op": "ping"})
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		b.dispatch(message)
	}
}

func (b *BybitAdapter) wsAuth(conn *websocket.Conn) error {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	return conn.WriteJSON(map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{b.apiKey, expires, hex.EncodeToString(h.Sum(nil))},
	})
}

func (b *BybitAdapter) dispatch(message []byte) {
	var frame struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		return
	}
	b.mu.Lock()
	fn := b.onExec
	b.mu.Unlock()
	if fn == nil {
		return
	}

	switch frame.Topic {
	case "execution":
		var data []struct {
			Symbol   string `json:"symbol"`
			OrderID  string `json:"orderId"`
			ExecQty  string `json:"execQty"`
			ExecPrice string `json:"execPrice"`
			ExecTime string `json:"execTime"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			b.logger.Warn("bad execution frame", zap.Error(err))
			return
		}
		for _, raw := range data {
			qty, _ := strconv.ParseFloat(raw.ExecQty, 64)
			price, _ := strconv.ParseFloat(raw.ExecPrice, 64)
			if qty <= 0 {
				continue
			}
			fn(domain.ExecutionEvent{
				Type:      domain.EventFill,
				OrderID:   raw.OrderID,
				Symbol:    raw.Symbol,
				Qty:       qty,
				Price:     price,
				Timestamp: msTime(raw.ExecTime),
			})
		}
	case "order":
		var data []struct {
			Symbol       string `json:"symbol"`
			OrderID      string `json:"orderId"`
			OrderStatus  string `json:"orderStatus"`
			RejectReason string `json:"rejectReason"`
			UpdatedTime  string `json:"updatedTime"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			b.logger.Warn("bad order frame", zap.Error(err))
			return
		}
		for _, raw := range data {
			var typ domain.EventType
			switch raw.OrderStatus {
			case "Cancelled", "Deactivated":
				typ = domain.EventCancel
			case "Rejected":
				typ = domain.EventReject
			default:
				continue
			}
			fn(domain.ExecutionEvent{
				Type:      typ,
				OrderID:   raw.OrderID,
				Symbol:    raw.Symbol,
				Timestamp: msTime(raw.UpdatedTime),
				Reason:    raw.RejectReason,
			})
		}
	}
}
