package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/cycletrader/internal/models"
)

type fakeSource struct {
	name      string
	price     decimal.Decimal
	priceErr  error
	book      *models.OrderBook
	bookErr   error
	klines    []models.Kline
	klinesErr error
	pair      *models.TradingPair
	pairErr   error
	pairCalls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, f.priceErr
}

func (f *fakeSource) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	return f.book, f.bookErr
}

func (f *fakeSource) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	return f.klines, f.klinesErr
}

func (f *fakeSource) GetTradingPair(ctx context.Context, symbol string) (*models.TradingPair, error) {
	f.pairCalls++
	return f.pair, f.pairErr
}

var errDown = errors.New("down")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestMultiSourceCollector_GetCurrentPrice(t *testing.T) {
	book := &models.OrderBook{
		Bids: []models.PriceLevel{{Price: d("99"), Quantity: d("1")}},
		Asks: []models.PriceLevel{{Price: d("101"), Quantity: d("1")}},
	}
	klines := []models.Kline{{Close: d("98")}, {Close: d("97.5")}}

	tests := []struct {
		name    string
		sources []DataSource
		want    string
		wantErr bool
	}{
		{
			name:    "ticker",
			sources: []DataSource{&fakeSource{name: "a", price: d("100")}},
			want:    "100",
		},
		{
			name:    "order book mid",
			sources: []DataSource{&fakeSource{name: "a", priceErr: errDown, book: book}},
			want:    "100",
		},
		{
			name: "last kline close",
			sources: []DataSource{&fakeSource{
				name: "a", priceErr: errDown, bookErr: errDown, klines: klines,
			}},
			want: "97.5",
		},
		{
			name: "second source",
			sources: []DataSource{
				&fakeSource{name: "a", priceErr: errDown, bookErr: errDown, klinesErr: errDown},
				&fakeSource{name: "b", price: d("42")},
			},
			want: "42",
		},
		{
			name: "all down",
			sources: []DataSource{
				&fakeSource{name: "a", priceErr: errDown, bookErr: errDown, klinesErr: errDown},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewMultiSourceCollector(tt.sources, testLogger())
			price, err := c.GetCurrentPrice(context.Background(), "BTCUSDT")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, models.ErrPriceUnavailable))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, price.String())
		})
	}
}

func TestMultiSourceCollector_CachedPrice(t *testing.T) {
	src := &fakeSource{name: "a", price: d("100")}
	c := NewMultiSourceCollector([]DataSource{src}, testLogger())

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.GetCurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	src.priceErr, src.bookErr, src.klinesErr = errDown, errDown, errDown

	now = now.Add(4 * time.Minute)
	price, err := c.GetCurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "100", price.String())

	now = now.Add(2 * time.Minute)
	_, err = c.GetCurrentPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, models.ErrPriceUnavailable)
}

func TestMultiSourceCollector_GetTradingPairCached(t *testing.T) {
	src := &fakeSource{name: "a", pair: &models.TradingPair{Symbol: "BTCUSDT", MinNotional: d("10")}}
	c := NewMultiSourceCollector([]DataSource{src}, testLogger())

	for i := 0; i < 3; i++ {
		pair, err := c.GetTradingPair(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, "BTCUSDT", pair.Symbol)
	}
	assert.Equal(t, 1, src.pairCalls)

	src.pairErr = errDown
	_, err := c.GetTradingPair(context.Background(), "ETHUSDT")
	assert.Error(t, err)
}
