package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/models"
)

const (
	// DefaultPriceCacheTTL is how long a cached price may stand in for live data.
	DefaultPriceCacheTTL = 5 * time.Minute

	bookDepth     = 5
	klineInterval = "1m"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Error(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
}

type cachedPrice struct {
	price     decimal.Decimal
	timestamp time.Time
}

// MultiSourceCollector aggregates data sources. Prices fall back per source
// from ticker to order book mid to last kline close, then across sources,
// then to a recent cached price. Pair metadata is cached for the run.
type MultiSourceCollector struct {
	sources []DataSource
	logger  Logger

	mu       sync.Mutex
	prices   map[string]cachedPrice
	pairs    map[string]models.TradingPair
	cacheTTL time.Duration
	now      func() time.Time
}

func NewMultiSourceCollector(sources []DataSource, logger Logger) *MultiSourceCollector {
	return &MultiSourceCollector{
		sources:  sources,
		logger:   logger,
		prices:   make(map[string]cachedPrice),
		pairs:    make(map[string]models.TradingPair),
		cacheTTL: DefaultPriceCacheTTL,
		now:      time.Now,
	}
}

// GetCurrentPrice implements PriceSource
func (c *MultiSourceCollector) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	for _, source := range c.sources {
		price, method, err := c.priceFrom(ctx, source, symbol)
		if err == nil {
			if method != "ticker" {
				c.logger.Info("using fallback price", "source", source.Name(), "method", method, "symbol", symbol)
			}
			c.mu.Lock()
			c.prices[symbol] = cachedPrice{price: price, timestamp: c.now()}
			c.mu.Unlock()
			return price, nil
		}
		c.logger.Error("failed to get price", "source", source.Name(), "symbol", symbol, "error", err)
	}

	// 所有数据源失败，使用缓存
	c.mu.Lock()
	cached, ok := c.prices[symbol]
	c.mu.Unlock()
	if ok {
		if age := c.now().Sub(cached.timestamp); age <= c.cacheTTL {
			c.logger.Info("using cached price", "symbol", symbol, "age", age.String())
			return cached.price, nil
		}
	}

	return decimal.Zero, fmt.Errorf("%w: %s", models.ErrPriceUnavailable, symbol)
}

func (c *MultiSourceCollector) priceFrom(ctx context.Context, source DataSource, symbol string) (decimal.Decimal, string, error) {
	price, err := source.GetCurrentPrice(ctx, symbol)
	if err == nil && price.IsPositive() {
		return price, "ticker", nil
	}
	firstErr := err
	if firstErr == nil {
		firstErr = fmt.Errorf("non-positive ticker price: %s", price)
	}

	book, err := source.GetOrderBook(ctx, symbol, bookDepth)
	if err == nil {
		if mid, ok := book.MidPrice(); ok && mid.IsPositive() {
			return mid, "orderbook", nil
		}
	}

	klines, err := source.GetKlines(ctx, symbol, klineInterval, 1)
	if err == nil && len(klines) > 0 {
		if last := klines[len(klines)-1].Close; last.IsPositive() {
			return last, "kline", nil
		}
	}

	return decimal.Zero, "", firstErr
}

// GetOrderBook returns the first successful order book.
func (c *MultiSourceCollector) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	for _, source := range c.sources {
		book, err := source.GetOrderBook(ctx, symbol, depth)
		if err == nil && book != nil {
			return book, nil
		}
		c.logger.Error("failed to get order book", "source", source.Name(), "symbol", symbol, "error", err)
	}
	return nil, fmt.Errorf("failed to get order book from all sources")
}

// GetTradingPair implements PairSource with a per-run cache.
func (c *MultiSourceCollector) GetTradingPair(ctx context.Context, symbol string) (*models.TradingPair, error) {
	c.mu.Lock()
	pair, ok := c.pairs[symbol]
	c.mu.Unlock()
	if ok {
		return &pair, nil
	}

	for _, source := range c.sources {
		result, err := source.GetTradingPair(ctx, symbol)
		if err == nil && result != nil {
			c.logger.Info("collected trading pair", "source", source.Name(), "symbol", symbol)
			c.mu.Lock()
			c.pairs[symbol] = *result
			c.mu.Unlock()
			out := *result
			return &out, nil
		}
		c.logger.Error("failed to get trading pair", "source", source.Name(), "symbol", symbol, "error", err)
	}

	return nil, fmt.Errorf("failed to get trading pair %s from all sources", symbol)
}
