package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// knownQuoteAssets 已知计价资产，匹配时按长度优先
var knownQuoteAssets = []string{
	"FDUSD", "USDT", "USDC", "BUSD", "TUSD",
	"BTC", "ETH", "BNB", "EUR", "TRY",
}

func init() {
	sort.SliceStable(knownQuoteAssets, func(i, j int) bool {
		return len(knownQuoteAssets[i]) > len(knownQuoteAssets[j])
	})
}

// SplitSymbol derives base and quote assets by stripping a known quote suffix.
func SplitSymbol(symbol string) (base, quote string, err error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, q := range knownQuoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q, nil
		}
	}
	return "", "", fmt.Errorf("unknown quote asset in symbol: %s", symbol)
}

// TradingPair 交易对及交易所限制
type TradingPair struct {
	Symbol         string          `json:"symbol"`
	BaseAsset      string          `json:"base_asset"`
	QuoteAsset     string          `json:"quote_asset"`
	MinNotional    decimal.Decimal `json:"min_notional"`
	StepSize       decimal.Decimal `json:"step_size"` // lot step size
	TickSize       decimal.Decimal `json:"tick_size"`
	PricePrecision int32           `json:"price_precision"`
}

// AssetBalance 单个资产余额
type AssetBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Balances is keyed by asset.
type Balances map[string]AssetBalance

// Free returns the free balance of asset, zero when absent.
func (b Balances) Free(asset string) decimal.Decimal {
	if b == nil {
		return decimal.Zero
	}
	return b[asset].Free
}

// With returns a copy of b with the free balance of asset replaced.
func (b Balances) With(asset string, free decimal.Decimal) Balances {
	out := make(Balances, len(b)+1)
	for k, v := range b {
		out[k] = v
	}
	ab := out[asset]
	ab.Asset = asset
	ab.Free = free
	out[asset] = ab
	return out
}

// PriceLevel 盘口档位
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook 订单簿快照
type OrderBook struct {
	Symbol string       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

// MidPrice returns the midpoint of the best bid and ask.
func (b *OrderBook) MidPrice() (decimal.Decimal, bool) {
	if b == nil || len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price.Add(b.Asks[0].Price).Div(decimal.NewFromInt(2)), true
}

// Kline K线
type Kline struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// DecimalPlaces returns the number of significant fractional digits of d.
func DecimalPlaces(d decimal.Decimal) int32 {
	s := d.String()
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return int32(len(s) - idx - 1)
}
