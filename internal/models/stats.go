package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecentTradesCap bounds RunningStats.RecentTrades.
const RecentTradesCap = 100

// TradeSummary 最近交易摘要
type TradeSummary struct {
	Cycle     int             `json:"cycle"`
	Timestamp time.Time       `json:"timestamp"`
	OrderID   string          `json:"orderId"`
	Status    CycleStatus     `json:"status"`
	Profit    decimal.Decimal `json:"profit"`
}

// RunningStats 累计统计，按交易对保存
type RunningStats struct {
	Symbol           string          `json:"symbol"`
	TotalTrades      int             `json:"totalTrades"`
	SuccessfulTrades int             `json:"successfulTrades"`
	FailedTrades     int             `json:"failedTrades"`
	TotalProfit      decimal.Decimal `json:"totalProfit"`
	TotalLoss        decimal.Decimal `json:"totalLoss"`
	NetProfit        decimal.Decimal `json:"netProfit"`
	WinRate          decimal.Decimal `json:"winRate"`
	RecentTrades     []TradeSummary  `json:"recentTrades"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// NewRunningStats returns a zero aggregate for symbol.
func NewRunningStats(symbol string) *RunningStats {
	return &RunningStats{
		Symbol:       symbol,
		RecentTrades: make([]TradeSummary, 0),
	}
}

// Apply folds one history record into the aggregate.
func (s *RunningStats) Apply(rec HistoryRecord) {
	s.TotalTrades++

	switch {
	case rec.Profit.IsPositive():
		s.SuccessfulTrades++
		s.TotalProfit = s.TotalProfit.Add(rec.Profit)
	default:
		s.FailedTrades++
		if rec.Profit.IsNegative() {
			s.TotalLoss = s.TotalLoss.Add(rec.Profit.Neg())
		}
	}

	s.NetProfit = s.TotalProfit.Sub(s.TotalLoss)
	s.WinRate = decimal.NewFromInt(int64(s.SuccessfulTrades)).
		Div(decimal.NewFromInt(int64(s.TotalTrades))).
		Mul(hundred)

	// newest first
	recent := make([]TradeSummary, 0, len(s.RecentTrades)+1)
	recent = append(recent, TradeSummary{
		Cycle:     rec.Cycle,
		Timestamp: rec.Timestamp,
		OrderID:   rec.OrderID,
		Status:    rec.Status,
		Profit:    rec.Profit,
	})
	recent = append(recent, s.RecentTrades...)
	if len(recent) > RecentTradesCap {
		recent = recent[:RecentTradesCap]
	}
	s.RecentTrades = recent
	s.UpdatedAt = rec.Timestamp
}
