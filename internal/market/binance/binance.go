package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/models"
	"github.com/songzhibin97/cycletrader/internal/utils/request"
)

const (
	MainnetURL = "https://api.binance.com"
	TestnetURL = "https://testnet.binance.vision"
)

// BinanceDataSource reads public market data over REST.
type BinanceDataSource struct {
	baseURL    string
	httpClient *resty.Client
}

func NewBinanceDataSource(testnet bool) *BinanceDataSource {
	baseURL := MainnetURL
	if testnet {
		baseURL = TestnetURL
	}
	return &BinanceDataSource{
		baseURL:    baseURL,
		httpClient: request.Request,
	}
}

func (b *BinanceDataSource) Name() string {
	return "binance"
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (b *BinanceDataSource) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	resp, err := b.httpClient.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(b.baseURL + path)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Msg != "" {
			return fmt.Errorf("unexpected status code: %d: %s (%d)", resp.StatusCode(), apiErr.Msg, apiErr.Code)
		}
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (b *BinanceDataSource) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var ticker struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := b.get(ctx, "/api/v3/ticker/price", map[string]string{"symbol": symbol}, &ticker); err != nil {
		return decimal.Zero, err
	}

	price, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse price: %w", err)
	}
	return price, nil
}

func (b *BinanceDataSource) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	var result struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	params := map[string]string{"symbol": symbol, "limit": strconv.Itoa(depth)}
	if err := b.get(ctx, "/api/v3/depth", params, &result); err != nil {
		return nil, err
	}

	bids, err := parseLevels(result.Bids)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bids: %w", err)
	}
	asks, err := parseLevels(result.Asks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse asks: %w", err)
	}

	return &models.OrderBook{Symbol: symbol, Bids: bids, Asks: asks}, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		if len(lv) < 2 {
			return nil, fmt.Errorf("malformed level: %v", lv)
		}
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(lv[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func (b *BinanceDataSource) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	var rows [][]json.RawMessage
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if err := b.get(ctx, "/api/v3/klines", params, &rows); err != nil {
		return nil, err
	}

	klines := make([]models.Kline, 0, len(rows))
	for _, row := range rows {
		// [openTime, open, high, low, close, volume, closeTime, ...]
		if len(row) < 6 {
			return nil, fmt.Errorf("malformed kline: %d fields", len(row))
		}

		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("failed to parse kline open time: %w", err)
		}

		values := make([]decimal.Decimal, 5)
		for i := range values {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, fmt.Errorf("failed to parse kline field %d: %w", i+1, err)
			}
			v, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("failed to parse kline field %d: %w", i+1, err)
			}
			values[i] = v
		}

		klines = append(klines, models.Kline{
			OpenTime: time.UnixMilli(openTime).UTC(),
			Open:     values[0],
			High:     values[1],
			Low:      values[2],
			Close:    values[3],
			Volume:   values[4],
		})
	}
	return klines, nil
}

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
}

func (b *BinanceDataSource) GetTradingPair(ctx context.Context, symbol string) (*models.TradingPair, error) {
	var result struct {
		Symbols []struct {
			Symbol     string         `json:"symbol"`
			Status     string         `json:"status"`
			BaseAsset  string         `json:"baseAsset"`
			QuoteAsset string         `json:"quoteAsset"`
			Filters    []symbolFilter `json:"filters"`
		} `json:"symbols"`
	}
	if err := b.get(ctx, "/api/v3/exchangeInfo", map[string]string{"symbol": symbol}, &result); err != nil {
		return nil, err
	}

	if len(result.Symbols) == 0 {
		return nil, fmt.Errorf("symbol not found: %s", symbol)
	}
	info := result.Symbols[0]

	pair := &models.TradingPair{
		Symbol:     info.Symbol,
		BaseAsset:  info.BaseAsset,
		QuoteAsset: info.QuoteAsset,
	}
	if pair.BaseAsset == "" || pair.QuoteAsset == "" {
		base, quote, err := models.SplitSymbol(symbol)
		if err != nil {
			return nil, err
		}
		pair.BaseAsset, pair.QuoteAsset = base, quote
	}

	for _, f := range info.Filters {
		var err error
		switch strings.ToUpper(f.FilterType) {
		case "PRICE_FILTER":
			pair.TickSize, err = decimal.NewFromString(f.TickSize)
		case "LOT_SIZE":
			pair.StepSize, err = decimal.NewFromString(f.StepSize)
		case "NOTIONAL", "MIN_NOTIONAL":
			pair.MinNotional, err = decimal.NewFromString(f.MinNotional)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s filter: %w", f.FilterType, err)
		}
	}
	pair.PricePrecision = models.DecimalPlaces(pair.TickSize)

	return pair, nil
}
