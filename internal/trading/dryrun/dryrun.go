package dryrun

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/market"
	"github.com/songzhibin97/cycletrader/internal/models"
	"github.com/songzhibin97/cycletrader/internal/trading"
)

// IDPrefix marks synthetic order ids.
const IDPrefix = "dry-"

const qtyPrecision = 8

// Gateway simulates order execution against a virtual ledger. Every order
// fills immediately: market orders at the current price, limit orders at
// their limit price. Reads of unknown orders go to the inner gateway.
type Gateway struct {
	inner  trading.OrderGateway
	prices market.PriceSource
	seed   models.Balances
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	ledger models.Balances
	orders map[string]trading.Order
}

// NewGateway builds a dry-run gateway. inner may be nil; when set, the ledger
// is seeded from its balances, otherwise from seed.
func NewGateway(inner trading.OrderGateway, prices market.PriceSource, seed models.Balances, logger *slog.Logger) *Gateway {
	return &Gateway{
		inner:  inner,
		prices: prices,
		seed:   seed,
		logger: logger,
		now:    time.Now,
		orders: make(map[string]trading.Order),
	}
}

// IsSimulated reports whether orderID was issued by a dry-run gateway.
func IsSimulated(orderID string) bool {
	return len(orderID) > len(IDPrefix) && orderID[:len(IDPrefix)] == IDPrefix
}

func (g *Gateway) ensureLedger(ctx context.Context) {
	if g.ledger != nil {
		return
	}
	if g.inner != nil {
		balances, err := g.inner.GetBalances(ctx)
		if err == nil {
			g.ledger = clone(balances)
			return
		}
		g.logger.Warn("dry-run ledger falls back to seed balances", "error", err)
	}
	g.ledger = clone(g.seed)
}

func (g *Gateway) PlaceOrder(ctx context.Context, req *trading.OrderRequest) (*trading.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrOrderRejected, err)
	}
	base, quote, err := models.SplitSymbol(req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrOrderRejected, err)
	}

	price := req.Price
	if req.Type == trading.OrderTypeMarket {
		price, err = g.prices.GetCurrentPrice(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to price simulated order: %w", err)
		}
	}

	qty := req.Quantity
	if !qty.IsPositive() {
		qty = req.QuoteQuantity.Div(price).RoundFloor(qtyPrecision)
	}
	quoteQty := qty.Mul(price)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureLedger(ctx)

	switch req.Side {
	case trading.SideBuy:
		g.ledger = g.ledger.
			With(quote, nonNegative(g.ledger.Free(quote).Sub(quoteQty))).
			With(base, g.ledger.Free(base).Add(qty))
	case trading.SideSell:
		g.ledger = g.ledger.
			With(base, nonNegative(g.ledger.Free(base).Sub(qty))).
			With(quote, g.ledger.Free(quote).Add(quoteQty))
	}

	order := trading.Order{
		Symbol:      req.Symbol,
		OrderID:     IDPrefix + uuid.NewString(),
		Side:        req.Side,
		Type:        req.Type,
		Status:      trading.StatusFilled,
		Price:       price,
		OrigQty:     qty,
		ExecutedQty: qty,
		CumQuoteQty: quoteQty,
		Fills:       []trading.Fill{{Price: price, Quantity: qty}},
		Simulated:   true,
		UpdatedAt:   g.now(),
	}
	g.orders[order.OrderID] = order

	g.logger.Info("simulated order",
		"symbol", order.Symbol,
		"order_id", order.OrderID,
		"side", order.Side,
		"type", order.Type,
		"price", price.String(),
		"quantity", qty.String(),
	)
	return &order, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) (*trading.Order, error) {
	g.mu.Lock()
	order, ok := g.orders[orderID]
	g.mu.Unlock()
	if ok {
		return nil, fmt.Errorf("failed to cancel order: %s already %s", orderID, order.Status)
	}
	if g.inner == nil || IsSimulated(orderID) {
		return nil, fmt.Errorf("failed to cancel order: unknown order %s", orderID)
	}
	return g.inner.CancelOrder(ctx, symbol, orderID)
}

func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID string) (*trading.Order, error) {
	g.mu.Lock()
	order, ok := g.orders[orderID]
	g.mu.Unlock()
	if ok {
		return &order, nil
	}
	if g.inner == nil || IsSimulated(orderID) {
		return nil, fmt.Errorf("failed to get order status: unknown order %s", orderID)
	}
	return g.inner.GetOrder(ctx, symbol, orderID)
}

func (g *Gateway) GetBalances(ctx context.Context) (models.Balances, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureLedger(ctx)
	return clone(g.ledger), nil
}

func clone(b models.Balances) models.Balances {
	out := make(models.Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
