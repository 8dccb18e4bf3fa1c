package bybit

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"signaltrader/internal/domain"
	"signaltrader/internal/exchange"
)

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type createOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	OrderLinkID string `json:"orderLinkId"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	TakeProfit  string `json:"takeProfit,omitempty"`
	StopLoss    string `json:"stopLoss,omitempty"`
}

type cancelOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderLinkID string `json:"orderLinkId"`
}

type createOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type orderListResult struct {
	List []orderRecord `json:"list"`
}

type orderRecord struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderStatus  string `json:"orderStatus"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	CumExecFee   string `json:"cumExecFee"`
	RejectReason string `json:"rejectReason"`
}

func (r orderRecord) toResult() exchange.OrderResult {
	filled := parseDecimal(r.CumExecQty)
	return exchange.OrderResult{
		OrderID:       r.OrderID,
		ClientOrderID: r.OrderLinkID,
		Symbol:        r.Symbol,
		Side:          parseSide(r.Side),
		Status:        mapStatus(r.OrderStatus, filled),
		Qty:           parseDecimal(r.Qty),
		FilledQty:     filled,
		AvgPrice:      parseDecimal(r.AvgPrice),
		Fee:           parseDecimal(r.CumExecFee),
		RejectReason:  r.RejectReason,
	}
}

// mapStatus folds Bybit order states into the venue-neutral set. Only New and
// PartiallyFilled are still working; cancelled states keep their executed
// quantity.
func mapStatus(status string, filled decimal.Decimal) exchange.OrderStatus {
	switch status {
	case "Filled":
		return exchange.OrderFilled
	case "PartiallyFilled":
		return exchange.OrderPartial
	case "PartiallyFilledCanceled":
		return exchange.OrderCancelled
	case "Cancelled", "Deactivated":
		if filled.IsPositive() {
			return exchange.OrderCancelled
		}
		return exchange.OrderRejected
	case "Rejected":
		return exchange.OrderRejected
	default:
		return exchange.OrderNew
	}
}

type walletBalanceResult struct {
	List []struct {
		AccountType           string `json:"accountType"`
		TotalEquity           string `json:"totalEquity"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
		TotalWalletBalance    string `json:"totalWalletBalance"`
	} `json:"list"`
}

type positionListResult struct {
	List []positionRecord `json:"list"`
}

type positionRecord struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	AvgPrice   string `json:"avgPrice"`
	PositionIM string `json:"positionIM"`
	Leverage   string `json:"leverage"`
	StopLoss   string `json:"stopLoss"`
	TakeProfit string `json:"takeProfit"`
}

func (p positionRecord) toPosition() *domain.Position {
	size := parseDecimal(p.Size)
	if !size.IsPositive() || p.Side == "" || p.Side == "None" {
		return nil
	}
	side := domain.PositionLong
	if p.Side == "Sell" {
		side = domain.PositionShort
	}
	return &domain.Position{
		Symbol:      p.Symbol,
		Side:        side,
		Size:        size,
		EntryPrice:  parseDecimal(p.AvgPrice),
		MarginUsed:  parseDecimal(p.PositionIM),
		Leverage:    parseDecimal(p.Leverage),
		StopPrice:   parseDecimal(p.StopLoss),
		TargetPrice: parseDecimal(p.TakeProfit),
	}
}

func sideString(s domain.Side) string {
	if s == domain.SideSell {
		return "Sell"
	}
	return "Buy"
}

func parseSide(v string) domain.Side {
	if strings.EqualFold(v, "Sell") {
		return domain.SideSell
	}
	return domain.SideBuy
}

func parseDecimal(v string) decimal.Decimal {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
