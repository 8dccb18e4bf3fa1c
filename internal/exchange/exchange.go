package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"signaltrader/internal/domain"
)

var (
	// ErrTransient marks failures worth retrying with the same client order id.
	ErrTransient = errors.New("exchange: transient failure")
	// ErrRejected marks a definitive refusal of the order.
	ErrRejected = errors.New("exchange: order rejected")
	// ErrDuplicateOrder reports that the client order id was already used.
	ErrDuplicateOrder = errors.New("exchange: duplicate client order id")
	ErrNotFound       = errors.New("exchange: not found")
)

type OrderStatus string

const (
	OrderNew       OrderStatus = "new"
	OrderFilled    OrderStatus = "filled"
	OrderPartial   OrderStatus = "partially_filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          domain.Side
	Qty           decimal.Decimal
	PriceHint     decimal.Decimal
	ReduceOnly    bool
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
}

type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          domain.Side
	Status        OrderStatus
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Fee           decimal.Decimal
	RejectReason  string
}

type Balance struct {
	Equity    decimal.Decimal
	Available decimal.Decimal
	Coin      string
}

// Client is the venue abstraction used by the execution gateway.
type Client interface {
	GetBalance(ctx context.Context) (Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// LookupOrder returns ErrNotFound when the client order id is unknown.
	LookupOrder(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)
	// CancelOrder cancels the unfilled rest of a working order. It returns
	// ErrNotFound when the order is unknown or no longer working.
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)
}

// RequestFor builds the venue request for a plan.
func RequestFor(plan domain.OrderPlan) OrderRequest {
	return OrderRequest{
		ClientOrderID: plan.IdempotencyToken,
		Symbol:        plan.Symbol,
		Side:          plan.Side,
		Qty:           plan.Size,
		PriceHint:     plan.PriceHint,
		ReduceOnly:    plan.Closing,
		StopLoss:      plan.StopPrice,
		TakeProfit:    plan.TargetPrice,
	}
}
