package stream

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/trading"
)

var (
	// ErrSessionClosed is reported after Close.
	ErrSessionClosed = errors.New("stream session closed")

	// ErrKeyExpired is reported when the exchange expires the subscription key.
	ErrKeyExpired = errors.New("subscription key expired")
)

// OrderEvent is an execution report for one order.
type OrderEvent struct {
	Symbol      string
	OrderID     string
	Side        trading.Side
	ExecType    string
	Status      trading.OrderStatus
	Price       decimal.Decimal
	OrigQty     decimal.Decimal
	LastQty     decimal.Decimal
	LastPrice   decimal.Decimal
	ExecutedQty decimal.Decimal
	CumQuoteQty decimal.Decimal
	EventTime   time.Time
}

// Session is one subscription key plus one socket. Events stops delivering
// once Done is closed; Err then explains why.
type Session interface {
	Events() <-chan OrderEvent
	Done() <-chan struct{}
	Err() error

	// Renew extends the subscription key.
	Renew(ctx context.Context) error

	// Close releases the socket and the key. Safe to call more than once.
	Close() error
}

// Feed opens order event sessions.
type Feed interface {
	Open(ctx context.Context) (Session, error)
}

// RetryPolicy bounds reconnect attempts.
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		MinDelay:    time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns a fresh delay generator for one recovery sequence.
func (p RetryPolicy) Backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    p.MinDelay,
		Max:    p.MaxDelay,
		Factor: 2,
		Jitter: true,
	}
}
