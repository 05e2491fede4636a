package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/models"
)

// OrderState 卖单监控状态
type OrderState string

const (
	StateNew      OrderState = "NEW"
	StateResting  OrderState = "RESTING"
	StateFilled   OrderState = "FILLED"
	StateCanceled OrderState = "CANCELED"
	StateFailed   OrderState = "FAILED"
)

func (s OrderState) IsTerminal() bool {
	return s == StateFilled || s == StateCanceled || s == StateFailed
}

var stateTransitions = map[OrderState][]OrderState{
	StateNew:     {StateResting, StateFilled, StateCanceled, StateFailed},
	StateResting: {StateFilled, StateCanceled, StateFailed},
}

// Journal persists order snapshots keyed by symbol and order id.
type Journal interface {
	SaveOrder(ctx context.Context, symbol, orderID string, v interface{}) error
}

// Transition 状态变更记录
type Transition struct {
	From   OrderState `json:"from"`
	To     OrderState `json:"to"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

// Snapshot is what the journal stores.
type Snapshot struct {
	Symbol      string          `json:"symbol"`
	OrderID     string          `json:"order_id"`
	State       OrderState      `json:"state"`
	ExecutedQty decimal.Decimal `json:"executed_qty"`
	Transitions []Transition    `json:"transitions"`
}

// Tracker owns the state of one supervised order.
type Tracker struct {
	symbol  string
	orderID string
	logger  *slog.Logger
	journal Journal
	now     func() time.Time

	state       OrderState
	executedQty decimal.Decimal
	transitions []Transition
}

func NewTracker(symbol, orderID string, logger *slog.Logger, journal Journal, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		symbol:  symbol,
		orderID: orderID,
		logger:  logger.With("symbol", symbol, "order_id", orderID),
		journal: journal,
		now:     now,
		state:   StateNew,
	}
}

func (t *Tracker) State() OrderState { return t.state }

func (t *Tracker) ExecutedQty() decimal.Decimal { return t.executedQty }

// Transition moves to next. Terminal states accept nothing.
func (t *Tracker) Transition(ctx context.Context, next OrderState, reason string) error {
	allowed := false
	for _, s := range stateTransitions[t.state] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: order %s %s -> %s", models.ErrInvalidTransition, t.orderID, t.state, next)
	}

	tr := Transition{From: t.state, To: next, Reason: reason, At: t.now()}
	t.transitions = append(t.transitions, tr)
	t.state = next

	t.logger.Info("order state changed", "from", tr.From, "to", tr.To, "reason", reason)
	t.persist(ctx)
	return nil
}

// RaiseExecuted moves the executed watermark up. Reports whether it moved.
func (t *Tracker) RaiseExecuted(qty decimal.Decimal) bool {
	if !qty.GreaterThan(t.executedQty) {
		return false
	}
	t.executedQty = qty
	return true
}

func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		Symbol:      t.symbol,
		OrderID:     t.orderID,
		State:       t.state,
		ExecutedQty: t.executedQty,
		Transitions: append([]Transition(nil), t.transitions...),
	}
}

func (t *Tracker) persist(ctx context.Context) {
	if t.journal == nil {
		return
	}
	if err := t.journal.SaveOrder(ctx, t.symbol, t.orderID, t.Snapshot()); err != nil {
		t.logger.Warn("failed to save order snapshot", "error", err)
	}
}
