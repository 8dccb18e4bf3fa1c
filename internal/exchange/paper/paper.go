package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signaltrader/internal/domain"
	"signaltrader/internal/exchange"
)

// Exchange simulates a venue with immediate fills at the request's price
// hint (or the last price set for the symbol). Orders are idempotent by
// client order id. Used for backtests and dry runs.
type Exchange struct {
	Logger  *zap.Logger
	FeeRate decimal.Decimal
	// FillRatio below one fills only that share of each order.
	FillRatio decimal.Decimal
	// Fault is consulted before a placement; a non-nil error is returned
	// and nothing is recorded.
	Fault func(req exchange.OrderRequest, attempt int) error
	// DropAck records the order but reports a transient failure, like a
	// response lost on the wire.
	DropAck func(req exchange.OrderRequest, attempt int) bool

	mu        sync.Mutex
	equity    decimal.Decimal
	orders    map[string]exchange.OrderResult
	requests  map[string]exchange.OrderRequest
	attempts  map[string]int
	positions map[string]domain.Position
	prices    map[string]decimal.Decimal
	nextID    int
}

func New(equity decimal.Decimal) *Exchange {
	return &Exchange{
		equity:    equity,
		orders:    map[string]exchange.OrderResult{},
		requests:  map[string]exchange.OrderRequest{},
		attempts:  map[string]int{},
		positions: map[string]domain.Position{},
		prices:    map[string]decimal.Decimal{},
	}
}

func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
}

func (e *Exchange) GetBalance(ctx context.Context) (exchange.Balance, error) {
	if err := ctx.Err(); err != nil {
		return exchange.Balance{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	used := decimal.Zero
	for _, p := range e.positions {
		used = used.Add(p.Notional())
	}
	return exchange.Balance{Equity: e.equity, Available: e.equity.Sub(used), Coin: "USDT"}, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderResult{}, err
	}
	if req.ClientOrderID == "" {
		return exchange.OrderResult{}, fmt.Errorf("%w: missing client order id", exchange.ErrRejected)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.attempts[req.ClientOrderID]++
	attempt := e.attempts[req.ClientOrderID]
	if e.Fault != nil {
		if err := e.Fault(req, attempt); err != nil {
			return exchange.OrderResult{}, err
		}
	}
	if prev, ok := e.orders[req.ClientOrderID]; ok {
		orig := e.requests[req.ClientOrderID]
		if orig.Symbol != req.Symbol || orig.Side != req.Side || !orig.Qty.Equal(req.Qty) {
			return exchange.OrderResult{}, fmt.Errorf("%w: %s", exchange.ErrDuplicateOrder, req.ClientOrderID)
		}
		return prev, nil
	}

	res, err := e.fill(req)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	e.orders[req.ClientOrderID] = res
	e.requests[req.ClientOrderID] = req
	if e.Logger != nil {
		e.Logger.Debug("paper fill",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.String("qty", res.FilledQty.String()),
			zap.String("price", res.AvgPrice.String()),
		)
	}
	if e.DropAck != nil && e.DropAck(req, attempt) {
		return exchange.OrderResult{}, fmt.Errorf("%w: ack lost", exchange.ErrTransient)
	}
	return res, nil
}

func (e *Exchange) fill(req exchange.OrderRequest) (exchange.OrderResult, error) {
	if !req.Qty.IsPositive() {
		return exchange.OrderResult{}, fmt.Errorf("%w: qty must be positive", exchange.ErrRejected)
	}
	price := req.PriceHint
	if !price.IsPositive() {
		price = e.prices[req.Symbol]
	}
	if !price.IsPositive() {
		return exchange.OrderResult{}, fmt.Errorf("%w: no price for %s", exchange.ErrRejected, req.Symbol)
	}
	pos, open := e.positions[req.Symbol]
	if req.ReduceOnly && !open {
		return exchange.OrderResult{}, fmt.Errorf("%w: reduce-only without position on %s", exchange.ErrRejected, req.Symbol)
	}

	qty := req.Qty
	if e.FillRatio.IsPositive() && e.FillRatio.LessThan(decimal.NewFromInt(1)) {
		qty = req.Qty.Mul(e.FillRatio).Truncate(8)
	}
	if req.ReduceOnly {
		qty = decimal.Min(qty, pos.Size)
	}
	fee := qty.Mul(price).Mul(e.FeeRate)
	e.equity = e.equity.Sub(fee)

	if req.ReduceOnly {
		e.equity = e.equity.Add(pos.PnL(qty, price))
		pos.Size = pos.Size.Sub(qty)
		if pos.Size.IsPositive() {
			e.positions[req.Symbol] = pos
		} else {
			delete(e.positions, req.Symbol)
		}
	} else {
		side := domain.PositionLong
		if req.Side == domain.SideSell {
			side = domain.PositionShort
		}
		if !open {
			pos = domain.Position{Symbol: req.Symbol, Side: side, Size: decimal.Zero, EntryPrice: decimal.Zero}
		}
		total := pos.Size.Add(qty)
		pos.EntryPrice = pos.Notional().Add(qty.Mul(price)).Div(total)
		pos.Size = total
		e.positions[req.Symbol] = pos
	}

	e.nextID++
	status := exchange.OrderFilled
	if qty.LessThan(req.Qty) {
		// Market orders are immediate-or-cancel; the rest is dropped.
		status = exchange.OrderCancelled
	}
	return exchange.OrderResult{
		OrderID:       fmt.Sprintf("paper-%d", e.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        status,
		Qty:           req.Qty,
		FilledQty:     qty,
		AvgPrice:      price,
		Fee:           fee,
	}, nil
}

func (e *Exchange) LookupOrder(ctx context.Context, symbol, clientOrderID string) (exchange.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.orders[clientOrderID]
	if !ok || res.Symbol != symbol {
		return exchange.OrderResult{}, exchange.ErrNotFound
	}
	return res, nil
}

// CancelOrder has nothing to cancel: paper orders are immediate-or-cancel.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return exchange.ErrNotFound
}

func (e *Exchange) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

// Placements returns how many times a client order id was submitted.
func (e *Exchange) Placements(clientOrderID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[clientOrderID]
}

// Orders returns the number of distinct orders that reached the book.
func (e *Exchange) Orders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}
