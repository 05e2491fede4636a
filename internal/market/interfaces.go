package market

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/models"
)

// DataSource 行情数据源
type DataSource interface {
	Name() string

	// GetCurrentPrice returns the latest traded price
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// GetOrderBook returns the top depth levels of each side
	GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error)

	// GetKlines returns the most recent candles, oldest first
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error)

	// GetTradingPair returns pair metadata and exchange filters
	GetTradingPair(ctx context.Context, symbol string) (*models.TradingPair, error)
}

// PriceSource is the narrow view used by the supervisor and the orchestrator.
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PairSource resolves pair metadata.
type PairSource interface {
	GetTradingPair(ctx context.Context, symbol string) (*models.TradingPair, error)
}
