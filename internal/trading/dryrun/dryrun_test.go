package dryrun

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/cycletrader/internal/models"
	"github.com/songzhibin97/cycletrader/internal/trading"
)

type staticPrice struct {
	price decimal.Decimal
	err   error
}

func (s staticPrice) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return s.price, s.err
}

type stubGateway struct {
	balances    models.Balances
	balancesErr error
	getCalls    int
}

func (s *stubGateway) PlaceOrder(ctx context.Context, req *trading.OrderRequest) (*trading.Order, error) {
	return nil, errors.New("live order in dry run")
}

func (s *stubGateway) CancelOrder(ctx context.Context, symbol, orderID string) (*trading.Order, error) {
	return &trading.Order{OrderID: orderID, Status: trading.StatusCanceled}, nil
}

func (s *stubGateway) GetOrder(ctx context.Context, symbol, orderID string) (*trading.Order, error) {
	s.getCalls++
	return &trading.Order{OrderID: orderID, Status: trading.StatusNew}, nil
}

func (s *stubGateway) GetBalances(ctx context.Context) (models.Balances, error) {
	return s.balances, s.balancesErr
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGateway_MarketBuyAndLimitSell(t *testing.T) {
	seed := models.Balances{}.With("USDT", d("100"))
	gw := NewGateway(nil, staticPrice{price: d("80000")}, seed, discard())
	ctx := context.Background()

	buy, err := gw.PlaceOrder(ctx, &trading.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          trading.SideBuy,
		Type:          trading.OrderTypeMarket,
		QuoteQuantity: d("10"),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(buy.OrderID, IDPrefix))
	assert.True(t, IsSimulated(buy.OrderID))
	assert.Equal(t, trading.StatusFilled, buy.Status)
	assert.True(t, buy.Simulated)
	assert.Equal(t, "0.000125", buy.ExecutedQty.String())
	assert.Equal(t, "80000", buy.AvgPrice().String())

	balances, err := gw.GetBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, "90", balances.Free("USDT").String())
	assert.Equal(t, "0.000125", balances.Free("BTC").String())

	sell, err := gw.PlaceOrder(ctx, &trading.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     trading.SideSell,
		Type:     trading.OrderTypeLimit,
		Quantity: d("0.000125"),
		Price:    d("81200"),
	})
	require.NoError(t, err)
	assert.Equal(t, trading.StatusFilled, sell.Status)
	assert.NotEqual(t, buy.OrderID, sell.OrderID)

	balances, err = gw.GetBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100.15", balances.Free("USDT").String())
	assert.True(t, balances.Free("BTC").IsZero())

	got, err := gw.GetOrder(ctx, "BTCUSDT", sell.OrderID)
	require.NoError(t, err)
	assert.Equal(t, sell.OrderID, got.OrderID)

	_, err = gw.CancelOrder(ctx, "BTCUSDT", sell.OrderID)
	assert.Error(t, err)
}

func TestGateway_SeedsFromInner(t *testing.T) {
	inner := &stubGateway{balances: models.Balances{}.With("USDT", d("0.69")).With("BTC", d("0.00073"))}
	gw := NewGateway(inner, staticPrice{price: d("83000")}, nil, discard())

	balances, err := gw.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.00073", balances.Free("BTC").String())

	// 余额不足时不会出现负数
	_, err = gw.PlaceOrder(context.Background(), &trading.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          trading.SideBuy,
		Type:          trading.OrderTypeMarket,
		QuoteQuantity: d("10.1"),
	})
	require.NoError(t, err)
	balances, err = gw.GetBalances(context.Background())
	require.NoError(t, err)
	assert.True(t, balances.Free("USDT").IsZero())
}

func TestGateway_SeedFallbackOnInnerError(t *testing.T) {
	inner := &stubGateway{balancesErr: errors.New("unauthorized")}
	gw := NewGateway(inner, staticPrice{price: d("83000")}, models.Balances{}.With("USDT", d("100")), discard())

	balances, err := gw.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100", balances.Free("USDT").String())
}

func TestGateway_DelegatesUnknownOrders(t *testing.T) {
	inner := &stubGateway{}
	gw := NewGateway(inner, staticPrice{price: d("83000")}, nil, discard())

	order, err := gw.GetOrder(context.Background(), "BTCUSDT", "123456")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusNew, order.Status)
	assert.Equal(t, 1, inner.getCalls)

	_, err = gw.GetOrder(context.Background(), "BTCUSDT", IDPrefix+"missing")
	assert.Error(t, err)
	assert.Equal(t, 1, inner.getCalls)

	canceled, err := gw.CancelOrder(context.Background(), "BTCUSDT", "123456")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusCanceled, canceled.Status)
}

func TestGateway_Rejects(t *testing.T) {
	gw := NewGateway(nil, staticPrice{err: errors.New("no price")}, nil, discard())

	_, err := gw.PlaceOrder(context.Background(), &trading.OrderRequest{Symbol: "BTCUSDT", Side: trading.SideBuy, Type: trading.OrderTypeLimit})
	assert.ErrorIs(t, err, models.ErrOrderRejected)

	_, err = gw.PlaceOrder(context.Background(), &trading.OrderRequest{
		Symbol: "BTCUSDT", Side: trading.SideBuy, Type: trading.OrderTypeMarket, QuoteQuantity: d("10"),
	})
	assert.Error(t, err)
}
