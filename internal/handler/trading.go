package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"signaltrader/internal/domain"
	"signaltrader/internal/ledger"
	"signaltrader/internal/orchestrator"
	"signaltrader/internal/service"
)

// Trader is the orchestrator surface exposed to operators.
type Trader interface {
	Submit(ctx context.Context, raw domain.RawSignal) error
	SubmitParsed(ctx context.Context, sig domain.TradeSignal) error
	States() []orchestrator.LaneStatus
	Cancel(symbol string) int
	Resume(symbol string) bool
}

type TradingHandler struct {
	Trader Trader
	Ledger *ledger.Ledger
	Sync   *service.BalanceSync
}

func (h *TradingHandler) Register(r gin.IRouter) {
	r.GET("/ledger", h.ledger)
	r.GET("/ledger/trades", h.trades)
	r.POST("/ledger/sync", h.sync)
	r.GET("/symbols", h.symbols)
	r.POST("/symbols/:symbol/cancel", h.cancel)
	r.POST("/symbols/:symbol/resume", h.resume)
	r.POST("/symbols/:symbol/close", h.close)
	r.POST("/signals", h.submit)
}

func (h *TradingHandler) ledger(c *gin.Context) {
	if h.Ledger == nil {
		Error(c, http.StatusInternalServerError, "ledger unavailable", nil)
		return
	}
	st := h.Ledger.Snapshot()
	Ok(c, st, map[string]any{"margin_used": st.TotalMarginUsed()})
}

func (h *TradingHandler) trades(c *gin.Context) {
	if h.Ledger == nil {
		Error(c, http.StatusInternalServerError, "ledger unavailable", nil)
		return
	}
	trades := h.Ledger.ClosedTrades()
	if sym := strQueryPtr(c, "symbol"); sym != nil {
		want := strings.ToUpper(*sym)
		filtered := trades[:0]
		for _, t := range trades {
			if t.Symbol == want {
				filtered = append(filtered, t)
			}
		}
		trades = filtered
	}
	Ok(c, trades, map[string]any{"total": len(trades)})
}

func (h *TradingHandler) sync(c *gin.Context) {
	if h.Sync == nil {
		Error(c, http.StatusServiceUnavailable, "balance sync disabled", nil)
		return
	}
	rep, err := h.Sync.Check(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if apply := boolQueryPtr(c, "apply"); apply != nil && *apply && !rep.Clean() {
		if err := h.Sync.Run(c.Request.Context()); err != nil {
			Error(c, http.StatusBadGateway, err.Error(), nil)
			return
		}
		rep.Adopted = h.Sync.Adopt && rep.Drift.IsPositive()
	}
	Ok(c, rep, nil)
}

func (h *TradingHandler) symbols(c *gin.Context) {
	if h.Trader == nil {
		Error(c, http.StatusServiceUnavailable, "trader unavailable", nil)
		return
	}
	Ok(c, h.Trader.States(), nil)
}

func (h *TradingHandler) cancel(c *gin.Context) {
	symbol, ok := h.symbolParam(c)
	if !ok {
		return
	}
	dropped := h.Trader.Cancel(symbol)
	Ok(c, gin.H{"symbol": symbol, "dropped": dropped}, nil)
}

func (h *TradingHandler) resume(c *gin.Context) {
	symbol, ok := h.symbolParam(c)
	if !ok {
		return
	}
	if !h.Trader.Resume(symbol) {
		Error(c, http.StatusConflict, "symbol not halted", nil)
		return
	}
	Ok(c, gin.H{"symbol": symbol, "resumed": true}, nil)
}

type closeRequest struct {
	Price decimal.Decimal `json:"price"`
}

// close queues a close of the whole ledger position on the symbol. Without a
// price the entry price is the fill hint.
func (h *TradingHandler) close(c *gin.Context) {
	symbol, ok := h.symbolParam(c)
	if !ok {
		return
	}
	var req closeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil || req.Price.IsNegative() {
			Error(c, http.StatusBadRequest, "invalid body", nil)
			return
		}
	}
	if h.Ledger != nil {
		if _, open := h.Ledger.Snapshot().Position(symbol); !open {
			Error(c, http.StatusNotFound, "no open position", nil)
			return
		}
	}
	sig := domain.TradeSignal{
		SourceTimestamp: time.Now().UTC(),
		Symbol:          symbol,
		Direction:       domain.DirectionClose,
		Confidence:      1,
		ChannelID:       "manual",
		PriceHint:       req.Price,
	}
	if claims, ok := ClaimsFrom(c); ok && claims.Subject != "" {
		sig.ChannelID = "manual:" + claims.Subject
	}
	if err := h.Trader.SubmitParsed(c.Request.Context(), sig); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		Error(c, status, err.Error(), nil)
		return
	}
	Accepted(c, gin.H{"symbol": symbol, "direction": domain.DirectionClose})
}

func (h *TradingHandler) symbolParam(c *gin.Context) (string, bool) {
	if h.Trader == nil {
		Error(c, http.StatusServiceUnavailable, "trader unavailable", nil)
		return "", false
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		Error(c, http.StatusBadRequest, "invalid symbol", nil)
		return "", false
	}
	return symbol, true
}

type submitSignalRequest struct {
	Text      string     `json:"text" binding:"required"`
	ChannelID string     `json:"channel_id"`
	MessageID int64      `json:"message_id"`
	Timestamp *time.Time `json:"timestamp"`
}

// submit admits a manually entered signal as if it came from a channel.
func (h *TradingHandler) submit(c *gin.Context) {
	if h.Trader == nil {
		Error(c, http.StatusServiceUnavailable, "trader unavailable", nil)
		return
	}
	var req submitSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	raw := domain.RawSignal{
		Timestamp: time.Now().UTC(),
		Text:      req.Text,
		ChannelID: strings.TrimSpace(req.ChannelID),
		MessageID: req.MessageID,
	}
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		raw.Timestamp = req.Timestamp.UTC()
	}
	if raw.ChannelID == "" {
		raw.ChannelID = "manual"
		if claims, ok := ClaimsFrom(c); ok && claims.Subject != "" {
			raw.ChannelID = "manual:" + claims.Subject
		}
	}
	if err := h.Trader.Submit(c.Request.Context(), raw); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		Error(c, status, err.Error(), nil)
		return
	}
	Accepted(c, gin.H{"ref": raw.Ref()})
}
