package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/market"
	"github.com/songzhibin97/cycletrader/internal/models"
	"github.com/songzhibin97/cycletrader/internal/stream"
	"github.com/songzhibin97/cycletrader/internal/trading"
)

// Strategy selects how a resting sell is watched.
type Strategy string

const (
	StrategyGuard  Strategy = "guard"
	StrategyEvents Strategy = "events"
)

const (
	DefaultInterval          = 10 * time.Second
	DefaultMaxStatusErrors   = 30
	DefaultHeartbeatInterval = 30 * time.Minute
)

// Job is one resting sell order to watch.
type Job struct {
	Order *trading.Order
	// StopPrice enables the fixed stop loss when set.
	StopPrice *decimal.Decimal
}

// Outcome 监控结果
type Outcome struct {
	Status models.CycleStatus
	Reason models.ExitReason
	// Order is the last exchange view of the sell order.
	Order *trading.Order
	// LastStatus is the order status observed before any cancel was sent.
	LastStatus trading.OrderStatus
	SoldQty    decimal.Decimal
	SoldPrice  decimal.Decimal
	Err        error
}

// Supervisor watches a resting sell until it reaches a terminal outcome.
type Supervisor interface {
	Supervise(ctx context.Context, job Job) (*Outcome, error)
}

// Config 监控配置
type Config struct {
	Strategy          Strategy
	Interval          time.Duration
	MaxStatusErrors   int
	HeartbeatInterval time.Duration
	Retry             stream.RetryPolicy
	TrailingStop      models.TrailingStopSpec
	PriceDrop         models.PriceDropGuardSpec
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyGuard
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxStatusErrors <= 0 {
		c.MaxStatusErrors = DefaultMaxStatusErrors
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = stream.DefaultRetryPolicy()
	}
	return c
}

// Deps are the collaborators a supervisor needs. Prices is required by the
// guard strategy, Feed by the events strategy.
type Deps struct {
	Gateway trading.OrderGateway
	Prices  market.PriceSource
	Feed    stream.Feed
	Journal Journal
	Clock   Clock
	Logger  *slog.Logger
}

// New builds the supervisor for cfg.Strategy.
func New(cfg Config, deps Deps) (Supervisor, error) {
	cfg = cfg.withDefaults()
	if deps.Gateway == nil {
		return nil, fmt.Errorf("supervisor needs an order gateway")
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	switch cfg.Strategy {
	case StrategyGuard:
		if deps.Prices == nil {
			return nil, fmt.Errorf("guard strategy needs a price source")
		}
		return &GuardLoop{cfg: cfg, deps: deps}, nil
	case StrategyEvents:
		if deps.Feed == nil {
			return nil, fmt.Errorf("events strategy needs an order event feed")
		}
		if cfg.TrailingStop.Enabled || cfg.PriceDrop.Enabled() {
			deps.Logger.Warn("events strategy ignores trailing stop and price drop guard")
		}
		return &EventMonitor{cfg: cfg, deps: deps}, nil
	default:
		return nil, fmt.Errorf("unknown supervision strategy: %s", cfg.Strategy)
	}
}

// Clock is injectable for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// sleep waits d or until ctx ends.
func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

func validateJob(job Job) error {
	if job.Order == nil || job.Order.OrderID == "" {
		return fmt.Errorf("job has no order to supervise")
	}
	return nil
}

// soldAt returns executed quantity and its average price.
func soldAt(o *trading.Order) (decimal.Decimal, decimal.Decimal) {
	if o == nil || !o.ExecutedQty.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	return o.ExecutedQty, o.AvgPrice()
}

func finalOutcome(order *trading.Order) *Outcome {
	qty, price := soldAt(order)
	out := &Outcome{Order: order, LastStatus: order.Status, SoldQty: qty, SoldPrice: price}
	if order.Status == trading.StatusFilled {
		out.Status = models.CycleFilled
		out.Reason = models.ExitTakeProfit
	} else {
		out.Status = models.CycleCanceled
		out.Reason = models.ExitOrderCanceled
	}
	return out
}

func failedOutcome(order *trading.Order, reason models.ExitReason, err error) *Outcome {
	qty, price := soldAt(order)
	out := &Outcome{
		Status:    models.CycleFailed,
		Reason:    reason,
		Order:     order,
		SoldQty:   qty,
		SoldPrice: price,
		Err:       err,
	}
	if order != nil {
		out.LastStatus = order.Status
	}
	return out
}

func trackerStateFor(status models.CycleStatus) OrderState {
	switch status {
	case models.CycleFilled:
		return StateFilled
	case models.CycleCanceled:
		return StateCanceled
	default:
		return StateFailed
	}
}

// finish moves the tracker to the outcome state and returns the pair expected
// by Supervise.
func finish(ctx context.Context, tracker *Tracker, out *Outcome) (*Outcome, error) {
	if err := tracker.Transition(ctx, trackerStateFor(out.Status), string(out.Reason)); err != nil {
		tracker.logger.Warn("unexpected order transition", "error", err)
	}
	if out.Status == models.CycleFailed {
		return out, out.Err
	}
	return out, nil
}
