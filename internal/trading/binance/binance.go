package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/models"
	"github.com/songzhibin97/cycletrader/internal/trading"
)

// BinanceGateway implements trading.OrderGateway for Binance spot.
// It also manages user data stream listen keys.
type BinanceGateway struct {
	client    *binance.Client
	apiKey    string
	secretKey string
	mu        sync.RWMutex
}

// NewBinanceGateway creates a new BinanceGateway instance
func NewBinanceGateway(apiKey, secretKey string, testnet ...bool) *BinanceGateway {
	testnet = append(testnet, false)
	if testnet[0] {
		binance.UseTestnet = true
	}

	client := binance.NewClient(apiKey, secretKey)

	return &BinanceGateway{
		client:    client,
		apiKey:    apiKey,
		secretKey: secretKey,
	}
}

// PlaceOrder implements order placement for Binance
func (b *BinanceGateway) PlaceOrder(ctx context.Context, req *trading.OrderRequest) (*trading.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrOrderRejected, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var side binance.SideType
	switch req.Side {
	case trading.SideBuy:
		side = binance.SideTypeBuy
	case trading.SideSell:
		side = binance.SideTypeSell
	}

	service := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		NewOrderRespType(binance.NewOrderRespTypeFULL)

	switch req.Type {
	case trading.OrderTypeMarket:
		service.Type(binance.OrderTypeMarket)
		if req.QuoteQuantity.IsPositive() {
			service.QuoteOrderQty(req.QuoteQuantity.String())
		} else {
			service.Quantity(req.Quantity.String())
		}
	case trading.OrderTypeLimit:
		service.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(req.Quantity.String()).
			Price(req.Price.String())
	}

	result, err := service.Do(ctx)
	if err != nil {
		return nil, placeError(err)
	}

	order := &trading.Order{
		Symbol:      result.Symbol,
		OrderID:     strconv.FormatInt(result.OrderID, 10),
		Side:        trading.Side(result.Side),
		Type:        trading.OrderType(result.Type),
		Status:      trading.OrderStatus(result.Status),
		Price:       parseDecimal(result.Price),
		OrigQty:     parseDecimal(result.OrigQuantity),
		ExecutedQty: parseDecimal(result.ExecutedQuantity),
		CumQuoteQty: parseDecimal(result.CummulativeQuoteQuantity),
		UpdatedAt:   msToTime(result.TransactTime),
	}
	for _, f := range result.Fills {
		order.Fills = append(order.Fills, trading.Fill{
			Price:           parseDecimal(f.Price),
			Quantity:        parseDecimal(f.Quantity),
			Commission:      parseDecimal(f.Commission),
			CommissionAsset: f.CommissionAsset,
		})
	}
	return order, nil
}

// placeError marks exchange refusals as rejections. Transport failures are
// wrapped as they are, the order may still have reached the book.
func placeError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("failed to place order: %w: %v", models.ErrOrderRejected, apiErr)
	}
	return fmt.Errorf("failed to place order: %w", err)
}

// CancelOrder implements order cancellation for Binance
func (b *BinanceGateway) CancelOrder(ctx context.Context, symbol, orderID string) (*trading.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid order ID: %w", err)
	}

	result, err := b.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	return &trading.Order{
		Symbol:      result.Symbol,
		OrderID:     strconv.FormatInt(result.OrderID, 10),
		Side:        trading.Side(result.Side),
		Type:        trading.OrderType(result.Type),
		Status:      trading.OrderStatus(result.Status),
		Price:       parseDecimal(result.Price),
		OrigQty:     parseDecimal(result.OrigQuantity),
		ExecutedQty: parseDecimal(result.ExecutedQuantity),
		CumQuoteQty: parseDecimal(result.CummulativeQuoteQuantity),
		UpdatedAt:   msToTime(result.TransactTime),
	}, nil
}

// GetOrder implements order status retrieval for Binance
func (b *BinanceGateway) GetOrder(ctx context.Context, symbol, orderID string) (*trading.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid order ID: %w", err)
	}

	result, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get order status: %w", err)
	}

	return &trading.Order{
		Symbol:      result.Symbol,
		OrderID:     strconv.FormatInt(result.OrderID, 10),
		Side:        trading.Side(result.Side),
		Type:        trading.OrderType(result.Type),
		Status:      trading.OrderStatus(result.Status),
		Price:       parseDecimal(result.Price),
		OrigQty:     parseDecimal(result.OrigQuantity),
		ExecutedQty: parseDecimal(result.ExecutedQuantity),
		CumQuoteQty: parseDecimal(result.CummulativeQuoteQuantity),
		UpdatedAt:   msToTime(result.UpdateTime),
	}, nil
}

// GetBalances implements balance retrieval for Binance
func (b *BinanceGateway) GetBalances(ctx context.Context) (models.Balances, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account info: %w", err)
	}

	balances := make(models.Balances, len(account.Balances))
	for _, balance := range account.Balances {
		free, err := decimal.NewFromString(balance.Free)
		if err != nil {
			return nil, fmt.Errorf("failed to parse balance: %w", err)
		}
		locked, err := decimal.NewFromString(balance.Locked)
		if err != nil {
			return nil, fmt.Errorf("failed to parse balance: %w", err)
		}
		balances[balance.Asset] = models.AssetBalance{Asset: balance.Asset, Free: free, Locked: locked}
	}
	return balances, nil
}

// StartUserStream creates a listen key for the user data stream.
func (b *BinanceGateway) StartUserStream(ctx context.Context) (string, error) {
	key, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to start user stream: %w", err)
	}
	return key, nil
}

// KeepaliveUserStream extends the validity of a listen key.
func (b *BinanceGateway) KeepaliveUserStream(ctx context.Context, listenKey string) error {
	if err := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return fmt.Errorf("failed to keep user stream alive: %w", err)
	}
	return nil
}

// CloseUserStream invalidates a listen key.
func (b *BinanceGateway) CloseUserStream(ctx context.Context, listenKey string) error {
	if err := b.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return fmt.Errorf("failed to close user stream: %w", err)
	}
	return nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
