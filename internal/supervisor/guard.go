package supervisor

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/models"
	"github.com/songzhibin97/cycletrader/internal/trading"
)

// GuardLoop polls the order and the price on a fixed interval. It exits on a
// final order status, on a protective stop, or on the price drop guard.
type GuardLoop struct {
	cfg  Config
	deps Deps
}

type guardRun struct {
	*GuardLoop
	job     Job
	tracker *Tracker
	last    *trading.Order

	peak         decimal.Decimal
	trailingStop decimal.Decimal
}

func (g *GuardLoop) Supervise(ctx context.Context, job Job) (*Outcome, error) {
	if err := validateJob(job); err != nil {
		return nil, err
	}

	order := job.Order
	r := &guardRun{
		GuardLoop: g,
		job:       job,
		tracker:   NewTracker(order.Symbol, order.OrderID, g.deps.Logger, g.deps.Journal, g.deps.Clock.Now),
		last:      order,
	}
	if err := r.tracker.Transition(ctx, StateResting, "sell placed"); err != nil {
		return nil, err
	}
	return r.loop(ctx)
}

func (r *guardRun) loop(ctx context.Context) (*Outcome, error) {
	symbol, orderID := r.job.Order.Symbol, r.job.Order.OrderID
	logger := r.tracker.logger
	statusErrors := 0

	for {
		order, err := r.deps.Gateway.GetOrder(ctx, symbol, orderID)
		if err != nil {
			statusErrors++
			logger.Warn("failed to get order status", "error", err, "consecutive", statusErrors)
			if statusErrors >= r.cfg.MaxStatusErrors {
				return finish(ctx, r.tracker, failedOutcome(r.last, models.ExitError,
					fmt.Errorf("order status unavailable after %d attempts: %w", statusErrors, err)))
			}
		} else {
			statusErrors = 0
			r.last = order
			if r.tracker.RaiseExecuted(order.ExecutedQty) && !order.Status.IsFinal() {
				logger.Info("sell partially filled", "executed_qty", order.ExecutedQty.String(), "orig_qty", order.OrigQty.String())
			}
			if order.Status.IsFinal() {
				return finish(ctx, r.tracker, finalOutcome(order))
			}
		}

		price, err := r.deps.Prices.GetCurrentPrice(ctx, symbol)
		if err != nil {
			logger.Warn("failed to get price", "error", err)
		} else if out := r.checkPrice(ctx, price); out != nil {
			return finish(ctx, r.tracker, out)
		}

		if err := sleep(ctx, r.deps.Clock, r.cfg.Interval); err != nil {
			return finish(ctx, r.tracker, failedOutcome(r.last, models.ExitError, err))
		}
	}
}

// checkPrice evaluates the protective rules against one price sample.
func (r *guardRun) checkPrice(ctx context.Context, price decimal.Decimal) *Outcome {
	if price.GreaterThan(r.peak) {
		r.peak = price
	}
	logger := r.tracker.logger

	if stop := r.job.StopPrice; stop != nil && price.LessThanOrEqual(*stop) {
		logger.Warn("stop loss triggered", "price", price.String(), "stop", stop.String())
		return r.exitAtMarket(ctx, models.ExitStopLoss)
	}

	if ts := r.cfg.TrailingStop; ts.Enabled {
		candidate := ts.StopFor(r.peak)
		if r.job.StopPrice != nil && candidate.LessThan(*r.job.StopPrice) {
			candidate = *r.job.StopPrice
		}
		// 只上移
		if candidate.GreaterThan(r.trailingStop) {
			r.trailingStop = candidate
			logger.Debug("trailing stop moved", "stop", candidate.String(), "peak", r.peak.String())
		}
		if price.LessThanOrEqual(r.trailingStop) {
			logger.Warn("trailing stop triggered", "price", price.String(), "stop", r.trailingStop.String())
			return r.exitAtMarket(ctx, models.ExitTrailingStop)
		}
	}

	if guard := r.cfg.PriceDrop; guard.Enabled() {
		triggered, drop, dropPct := guard.Triggered(r.peak, price)
		if triggered {
			logger.Warn("price drop guard triggered",
				"peak", r.peak.String(),
				"price", price.String(),
				"drop", drop.String(),
				"drop_pct", dropPct.StringFixed(4),
			)
			return r.cancelOnDrop(ctx)
		}
	}
	return nil
}

// cancelOnDrop cancels the resting sell. A failed cancel keeps the loop going.
func (r *guardRun) cancelOnDrop(ctx context.Context) *Outcome {
	lastStatus := r.last.Status
	canceled, err := r.deps.Gateway.CancelOrder(ctx, r.job.Order.Symbol, r.job.Order.OrderID)
	if err != nil {
		r.tracker.logger.Error("failed to cancel order on price drop", "error", err)
		return nil
	}

	qty, price := soldAt(canceled)
	return &Outcome{
		Status:     models.CycleCanceled,
		Reason:     models.ExitPriceDrop,
		Order:      canceled,
		LastStatus: lastStatus,
		SoldQty:    qty,
		SoldPrice:  price,
	}
}

// exitAtMarket cancels the resting sell and market sells what is left.
func (r *guardRun) exitAtMarket(ctx context.Context, reason models.ExitReason) *Outcome {
	symbol, orderID := r.job.Order.Symbol, r.job.Order.OrderID
	logger := r.tracker.logger
	lastStatus := r.last.Status

	canceled, err := r.deps.Gateway.CancelOrder(ctx, symbol, orderID)
	if err != nil {
		logger.Error("failed to cancel order for stop", "error", err, "reason", reason)
		// 可能已成交
		if order, getErr := r.deps.Gateway.GetOrder(ctx, symbol, orderID); getErr == nil && order.Status.IsFinal() {
			r.last = order
			return finalOutcome(order)
		}
		return nil
	}
	r.last = canceled

	soldQty, soldPrice := soldAt(canceled)
	out := &Outcome{
		Status:     models.CycleCanceled,
		Reason:     reason,
		Order:      canceled,
		LastStatus: lastStatus,
		SoldQty:    soldQty,
		SoldPrice:  soldPrice,
	}

	remaining := canceled.Remaining()
	if !remaining.IsPositive() {
		return out
	}

	market, err := r.deps.Gateway.PlaceOrder(ctx, &trading.OrderRequest{
		Symbol:   symbol,
		Side:     trading.SideSell,
		Type:     trading.OrderTypeMarket,
		Quantity: remaining,
	})
	if err != nil {
		logger.Error("failed to market sell remainder", "error", err, "quantity", remaining.String())
		out.Err = fmt.Errorf("failed to market sell remainder: %w", err)
		return out
	}

	marketQty, marketPrice := soldAt(market)
	totalQty := soldQty.Add(marketQty)
	if totalQty.IsPositive() {
		quote := soldQty.Mul(soldPrice).Add(marketQty.Mul(marketPrice))
		out.SoldQty = totalQty
		out.SoldPrice = quote.Div(totalQty)
	}
	logger.Info("protective exit filled", "reason", reason, "quantity", totalQty.String(), "price", out.SoldPrice.String())
	return out
}
