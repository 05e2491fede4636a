package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus 交易循环状态
type CycleStatus string

const (
	CyclePendingBuy  CycleStatus = "PENDING_BUY"
	CyclePendingSell CycleStatus = "PENDING_SELL"
	CycleMonitoring  CycleStatus = "MONITORING"
	CycleFilled      CycleStatus = "FILLED"
	CycleCanceled    CycleStatus = "CANCELED"
	CycleFailed      CycleStatus = "FAILED"
)

// IsTerminal reports whether no further transition is possible.
func (s CycleStatus) IsTerminal() bool {
	return s == CycleFilled || s == CycleCanceled || s == CycleFailed
}

var cycleTransitions = map[CycleStatus][]CycleStatus{
	CyclePendingBuy:  {CyclePendingSell, CycleFailed},
	CyclePendingSell: {CycleMonitoring, CycleFilled, CycleFailed},
	CycleMonitoring:  {CycleFilled, CycleCanceled, CycleFailed},
}

// ExitReason explains how a cycle ended.
type ExitReason string

const (
	ExitTakeProfit          ExitReason = "TAKE_PROFIT"
	ExitStopLoss            ExitReason = "STOP_LOSS"
	ExitTrailingStop        ExitReason = "TRAILING_STOP"
	ExitPriceDrop           ExitReason = "PRICE_DROP"
	ExitOrderCanceled       ExitReason = "ORDER_CANCELED"
	ExitSupervisionLost     ExitReason = "SUPERVISION_LOST"
	ExitOrderRejected       ExitReason = "ORDER_REJECTED"
	ExitBuyFailed           ExitReason = "BUY_FAILED"
	ExitInsufficientBalance ExitReason = "INSUFFICIENT_BALANCE"
	ExitError               ExitReason = "ERROR"
)

// CycleTimestamps 各阶段时间
type CycleTimestamps struct {
	Started    time.Time `json:"started"`
	Bought     time.Time `json:"bought,omitempty"`
	SellPlaced time.Time `json:"sell_placed,omitempty"`
	Finished   time.Time `json:"finished,omitempty"`
}

// Cycle is one buy -> sell iteration. It is created at cycle start, advanced
// by each stage and handed to the recorder once terminal.
type Cycle struct {
	Index       int              `json:"index"`
	Symbol      string           `json:"symbol"`
	BuyQuantity decimal.Decimal  `json:"buy_quantity"`
	BuyPrice    decimal.Decimal  `json:"buy_price"`
	Quantity    decimal.Decimal  `json:"quantity"` // sell order quantity
	SellPrice   decimal.Decimal  `json:"sell_price"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	OrderID     string           `json:"order_id,omitempty"`
	Status      CycleStatus      `json:"status"`
	ExitReason  ExitReason       `json:"exit_reason,omitempty"`
	ExecutedQty decimal.Decimal  `json:"executed_qty"`
	SoldQty     decimal.Decimal  `json:"sold_qty"`
	SoldPrice   decimal.Decimal  `json:"sold_price"` // average realised sell price
	Simulated   bool             `json:"simulated"`
	Error       string           `json:"error,omitempty"`
	Timestamps  CycleTimestamps  `json:"timestamps"`
}

// NewCycle starts a cycle in PENDING_BUY.
func NewCycle(index int, symbol string, now time.Time) Cycle {
	return Cycle{
		Index:      index,
		Symbol:     symbol,
		Status:     CyclePendingBuy,
		Timestamps: CycleTimestamps{Started: now},
	}
}

// Advance moves the cycle to next, rejecting transitions out of terminal states.
func (c Cycle) Advance(next CycleStatus, now time.Time) (Cycle, error) {
	for _, allowed := range cycleTransitions[c.Status] {
		if allowed == next {
			c.Status = next
			if next.IsTerminal() {
				c.Timestamps.Finished = now
			}
			return c, nil
		}
	}
	return c, fmt.Errorf("%w: cycle %d %s -> %s", ErrInvalidTransition, c.Index, c.Status, next)
}

// Fail moves any non-terminal cycle to FAILED.
func (c Cycle) Fail(reason ExitReason, err error, now time.Time) Cycle {
	if c.Status.IsTerminal() {
		return c
	}
	c.Status = CycleFailed
	c.ExitReason = reason
	if err != nil {
		c.Error = err.Error()
	}
	c.Timestamps.Finished = now
	return c
}

// Profit is (sell - buy) * quantity sold. Zero when nothing was sold.
func (c Cycle) Profit() decimal.Decimal {
	if !c.SoldQty.IsPositive() || !c.SoldPrice.IsPositive() {
		return decimal.Zero
	}
	return c.SoldPrice.Sub(c.BuyPrice).Mul(c.SoldQty)
}

// HistoryRecord is the persisted per-cycle record.
type HistoryRecord struct {
	Cycle      int             `json:"cycle"`
	Symbol     string          `json:"symbol"`
	Timestamp  time.Time       `json:"timestamp"`
	BuyPrice   decimal.Decimal `json:"buyPrice"`
	SellPrice  decimal.Decimal `json:"sellPrice"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderID    string          `json:"orderId"`
	Status     CycleStatus     `json:"status"`
	Profit     decimal.Decimal `json:"profit"`
	ExitReason ExitReason      `json:"exitReason,omitempty"`
	Simulated  bool            `json:"simulated,omitempty"`
}

// NewHistoryRecord flattens a finished cycle.
func NewHistoryRecord(c Cycle, now time.Time) HistoryRecord {
	sellPrice := c.SoldPrice
	if sellPrice.IsZero() {
		sellPrice = c.SellPrice
	}
	qty := c.SoldQty
	if qty.IsZero() {
		qty = c.Quantity
	}
	return HistoryRecord{
		Cycle:      c.Index,
		Symbol:     c.Symbol,
		Timestamp:  now,
		BuyPrice:   c.BuyPrice,
		SellPrice:  sellPrice,
		Quantity:   qty,
		OrderID:    c.OrderID,
		Status:     c.Status,
		Profit:     c.Profit(),
		ExitReason: c.ExitReason,
		Simulated:  c.Simulated,
	}
}

// ErrorRecord is written before a run aborts.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Cycle     int       `json:"cycle"`
	Error     string    `json:"error"`
}
