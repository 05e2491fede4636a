package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/cycletrader/internal/models"
	"github.com/songzhibin97/cycletrader/internal/trading"
)

func TestParseDecimal(t *testing.T) {
	assert.Equal(t, "82822.75", parseDecimal("82822.75000000").String())
	assert.True(t, parseDecimal("").IsZero())
	assert.True(t, parseDecimal("bogus").IsZero())
}

func TestMsToTime(t *testing.T) {
	assert.Equal(t, int64(1700000000000), msToTime(1700000000000).UnixMilli())
	assert.WithinDuration(t, time.Now(), msToTime(0), 2*time.Second)
}

func TestPlaceOrder_RejectsInvalidRequest(t *testing.T) {
	gw := NewBinanceGateway("", "")
	_, err := gw.PlaceOrder(context.Background(), &trading.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   trading.SideSell,
		Type:   trading.OrderTypeLimit,
	})
	assert.Error(t, err)
}

func TestPlaceError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		rejected bool
	}{
		{"api error", &common.APIError{Code: -1013, Message: "Filter failure: LOT_SIZE"}, true},
		{"wrapped api error", fmt.Errorf("do: %w", &common.APIError{Code: -2010, Message: "insufficient balance"}), true},
		{"transport", errors.New("dial tcp: i/o timeout"), false},
		{"deadline", context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := placeError(tt.err)
			assert.Equal(t, tt.rejected, errors.Is(err, models.ErrOrderRejected))
			if !tt.rejected {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestPlaceOrder_ErrorKinds(t *testing.T) {
	limit := &trading.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     trading.SideSell,
		Type:     trading.OrderTypeLimit,
		Quantity: decimal.RequireFromString("0.00012"),
		Price:    decimal.RequireFromString("84245"),
	}

	t.Run("exchange refusal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1013,"msg":"Filter failure: PRICE_FILTER"}`))
		}))
		defer srv.Close()

		gw := NewBinanceGateway("key", "secret")
		gw.client.BaseURL = srv.URL
		_, err := gw.PlaceOrder(context.Background(), limit)
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrOrderRejected)
		assert.Contains(t, err.Error(), "PRICE_FILTER")
	})

	t.Run("unreachable exchange", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		gw := NewBinanceGateway("key", "secret")
		gw.client.BaseURL = url
		_, err := gw.PlaceOrder(context.Background(), limit)
		require.Error(t, err)
		assert.NotErrorIs(t, err, models.ErrOrderRejected)
	})
}

func TestBinanceGateway_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	const (
		SYMBOL = "BTCUSDT"
	)

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		t.Skip("BINANCE_API_KEY / BINANCE_SECRET_KEY not set")
	}

	gateway := NewBinanceGateway(apiKey, secretKey, true)
	ctx := context.Background()

	// 获取价格精度
	exchangeInfo, err := gateway.client.NewExchangeInfoService().Symbol(SYMBOL).Do(ctx)
	require.NoError(t, err)

	tickSize := decimal.RequireFromString("0.01")
	for _, symbol := range exchangeInfo.Symbols {
		if symbol.Symbol != SYMBOL {
			continue
		}
		for _, filter := range symbol.Filters {
			if filter["filterType"].(string) == "PRICE_FILTER" {
				tickSize = decimal.RequireFromString(filter["tickSize"].(string))
			}
		}
	}

	t.Run("Test Get Balances", func(t *testing.T) {
		balances, err := gateway.GetBalances(ctx)
		require.NoError(t, err)
		require.False(t, balances.Free("USDT").IsNegative())
	})

	t.Run("Test Market Buy By Quote", func(t *testing.T) {
		order, err := gateway.PlaceOrder(ctx, &trading.OrderRequest{
			Symbol:        SYMBOL,
			Side:          trading.SideBuy,
			Type:          trading.OrderTypeMarket,
			QuoteQuantity: decimal.NewFromInt(15),
		})
		require.NoError(t, err)
		require.NotEmpty(t, order.OrderID)
		require.Equal(t, trading.StatusFilled, order.Status)
		require.True(t, order.AvgPrice().IsPositive())
	})

	t.Run("Test Place and Cancel Limit Order", func(t *testing.T) {
		ticker, err := gateway.client.NewListPricesService().Symbol(SYMBOL).Do(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, ticker)

		current := decimal.RequireFromString(ticker[0].Price)
		// 远高于市价的卖单，不会成交
		limit := current.Mul(decimal.RequireFromString("1.05")).Div(tickSize).Floor().Mul(tickSize)

		order, err := gateway.PlaceOrder(ctx, &trading.OrderRequest{
			Symbol:   SYMBOL,
			Side:     trading.SideSell,
			Type:     trading.OrderTypeLimit,
			Quantity: decimal.RequireFromString("0.0002"),
			Price:    limit,
		})
		require.NoError(t, err)
		require.NotEmpty(t, order.OrderID)

		time.Sleep(2 * time.Second)

		status, err := gateway.GetOrder(ctx, SYMBOL, order.OrderID)
		require.NoError(t, err)
		require.Equal(t, trading.StatusNew, status.Status)

		canceled, err := gateway.CancelOrder(ctx, SYMBOL, order.OrderID)
		require.NoError(t, err)
		require.Equal(t, trading.StatusCanceled, canceled.Status)
	})

	t.Run("Test User Stream Key Lifecycle", func(t *testing.T) {
		key, err := gateway.StartUserStream(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, key)
		require.NoError(t, gateway.KeepaliveUserStream(ctx, key))
		require.NoError(t, gateway.CloseUserStream(ctx, key))
	})
}
