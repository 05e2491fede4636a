package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/market"
	"github.com/songzhibin97/cycletrader/internal/models"
	"github.com/songzhibin97/cycletrader/internal/notify"
	"github.com/songzhibin97/cycletrader/internal/pricing"
	"github.com/songzhibin97/cycletrader/internal/recorder"
	"github.com/songzhibin97/cycletrader/internal/sizing"
	"github.com/songzhibin97/cycletrader/internal/supervisor"
	"github.com/songzhibin97/cycletrader/internal/trading"
	"github.com/songzhibin97/cycletrader/internal/trading/dryrun"
)

// Params 交易循环参数
type Params struct {
	Symbol    string
	BuyAmount decimal.Decimal // quote currency
	Profit    models.ProfitSpec
	StopLoss  models.StopLossSpec
	Fees      pricing.Fees
	// MaxCycles 0 runs until interrupted.
	MaxCycles           int
	Delay               time.Duration
	SimulateOnShortfall bool
	SkipBalanceCheck    bool
}

func (p Params) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if p.BuyAmount.IsNegative() {
		return fmt.Errorf("buy amount must be >= 0, got %s", p.BuyAmount)
	}
	if err := p.Profit.Validate(); err != nil {
		return fmt.Errorf("profit: %w", err)
	}
	if p.StopLoss.Enabled {
		if err := p.StopLoss.Limit.Validate(); err != nil {
			return fmt.Errorf("stop loss: %w", err)
		}
	}
	if p.MaxCycles < 0 {
		return fmt.Errorf("cycles must be >= 0, got %d", p.MaxCycles)
	}
	if p.Delay < 0 {
		return fmt.Errorf("delay must be >= 0, got %s", p.Delay)
	}
	return p.Fees.Validate()
}

// MarketData is what the orchestrator reads from the market.
type MarketData interface {
	market.PriceSource
	market.PairSource
}

// Deps 依赖组件
type Deps struct {
	Gateway trading.OrderGateway
	// Simulator executes simulated cycles. Defaults to a dry-run gateway
	// over Gateway.
	Simulator  trading.OrderGateway
	Market     MarketData
	Supervisor supervisor.Supervisor
	Recorder   recorder.Recorder
	Notifier   notify.Notifier
	Clock      supervisor.Clock
	Logger     *slog.Logger
}

// Trader runs buy -> sell cycles one at a time.
type Trader struct {
	params Params
	deps   Deps
	logger *slog.Logger
}

func NewTrader(params Params, deps Deps) (*Trader, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trading parameters: %w", err)
	}
	if deps.Gateway == nil || deps.Market == nil || deps.Supervisor == nil || deps.Recorder == nil {
		return nil, fmt.Errorf("trader needs a gateway, market data, a supervisor and a recorder")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = supervisor.RealClock{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Simulator == nil {
		deps.Simulator = dryrun.NewGateway(deps.Gateway, deps.Market, nil, deps.Logger)
	}
	return &Trader{
		params: params,
		deps:   deps,
		logger: deps.Logger.With("symbol", params.Symbol),
	}, nil
}

// Run executes cycles until MaxCycles is reached, ctx is canceled or a fatal
// error occurs. Cancellation is observed between cycles only; a cycle that has
// started always runs to its terminal status.
func (t *Trader) Run(ctx context.Context) error {
	symbol := t.params.Symbol

	pair, err := t.deps.Market.GetTradingPair(ctx, symbol)
	if err != nil {
		err = fmt.Errorf("failed to load trading pair %s: %w", symbol, err)
		t.abort(ctx, 0, err)
		return err
	}
	t.logger.Info("starting trading cycles",
		"cycles", t.params.MaxCycles,
		"buy_amount", t.params.BuyAmount.String(),
		"profit", t.params.Profit.String(),
		"min_notional", pair.MinNotional.String(),
		"step_size", pair.StepSize.String(),
		"tick_size", pair.TickSize.String(),
	)

	var balances models.Balances
	for i := 1; t.params.MaxCycles == 0 || i <= t.params.MaxCycles; i++ {
		if ctx.Err() != nil {
			t.logger.Info("interrupted, stopping before cycle", "cycle", i)
			return nil
		}

		cc, err := t.runCycle(context.WithoutCancel(ctx), i, *pair, balances)
		if err != nil {
			t.abort(ctx, i, err)
			return err
		}
		balances = cc.Balances

		if t.params.MaxCycles != 0 && i == t.params.MaxCycles {
			break
		}
		select {
		case <-ctx.Done():
			t.logger.Info("interrupted, stopping after cycle", "cycle", i)
			return nil
		case <-t.deps.Clock.After(t.params.Delay):
		}
	}

	t.logger.Info("all cycles completed", "cycles", t.params.MaxCycles)
	return nil
}

type stage func(ctx context.Context, cc CycleContext) (CycleContext, error)

// runCycle threads one CycleContext through every stage. A stage ends the
// cycle early by moving it to a terminal status; a returned error aborts the run.
func (t *Trader) runCycle(ctx context.Context, index int, pair models.TradingPair, balances models.Balances) (CycleContext, error) {
	cc := CycleContext{
		Cycle:    models.NewCycle(index, pair.Symbol, t.now()),
		Pair:     pair,
		Balances: balances,
	}
	t.logger.Info("cycle started", "cycle", index)

	stages := []stage{
		t.refreshBalances,
		t.fetchPrice,
		t.buy,
		t.priceSell,
		t.sizeSell,
		t.placeSell,
		t.supervise,
	}
	for _, run := range stages {
		var err error
		cc, err = run(ctx, cc)
		if err != nil {
			return cc, err
		}
		if cc.Cycle.Status.IsTerminal() {
			break
		}
	}

	t.record(ctx, cc)
	return cc, nil
}

func (t *Trader) now() time.Time {
	return t.deps.Clock.Now()
}

// fail ends the cycle without aborting the run.
func (t *Trader) fail(cc CycleContext, reason models.ExitReason, err error) CycleContext {
	t.logger.Error("cycle failed", "cycle", cc.Cycle.Index, "reason", reason, "error", err)
	cc.Cycle = cc.Cycle.Fail(reason, err, t.now())
	return cc
}

// insufficient handles ErrInsufficientBalance. It is fatal unless the balance
// snapshot is stale.
func (t *Trader) insufficient(cc CycleContext, err error) (CycleContext, error) {
	if cc.BalancesStale {
		return t.fail(cc, models.ExitError, fmt.Errorf("balance snapshot is stale: %w", err)), nil
	}
	cc = t.fail(cc, models.ExitInsufficientBalance, err)
	return cc, err
}

func (t *Trader) gatewayFor(cc CycleContext) trading.OrderGateway {
	if cc.Cycle.Simulated {
		return t.deps.Simulator
	}
	return t.deps.Gateway
}

func (t *Trader) advance(cc CycleContext, next models.CycleStatus) CycleContext {
	c, err := cc.Cycle.Advance(next, t.now())
	if err != nil {
		return t.fail(cc, models.ExitError, err)
	}
	cc.Cycle = c
	return cc
}

func (t *Trader) refreshBalances(ctx context.Context, cc CycleContext) (CycleContext, error) {
	if t.params.SkipBalanceCheck {
		// 跳过余额检查时假定计价资产足够
		quote := cc.Pair.QuoteAsset
		enough := decimal.Max(
			cc.Balances.Free(quote),
			t.params.BuyAmount,
			cc.Pair.MinNotional.Mul(sizing.NotionalBuffer),
		)
		cc.Balances = cc.Balances.With(quote, enough)
		return cc, nil
	}

	balances, err := t.deps.Gateway.GetBalances(ctx)
	if err != nil {
		t.logger.Warn("failed to refresh balances, using last snapshot", "error", err)
		cc.BalancesStale = true
		return cc, nil
	}
	cc.Balances = balances
	cc.BalancesStale = false
	t.logger.Debug("balances refreshed",
		cc.Pair.BaseAsset, balances.Free(cc.Pair.BaseAsset).String(),
		cc.Pair.QuoteAsset, balances.Free(cc.Pair.QuoteAsset).String(),
	)
	return cc, nil
}

func (t *Trader) fetchPrice(ctx context.Context, cc CycleContext) (CycleContext, error) {
	price, err := t.deps.Market.GetCurrentPrice(ctx, cc.Pair.Symbol)
	if err != nil {
		return t.fail(cc, models.ExitError, fmt.Errorf("failed to get price: %w", err)), nil
	}
	cc.Price = price
	return cc, nil
}

func (t *Trader) buy(ctx context.Context, cc CycleContext) (CycleContext, error) {
	decision, err := sizing.ResolveBuy(sizing.BuyInput{
		Pair:                cc.Pair,
		Balances:            cc.Balances,
		Price:               cc.Price,
		RequestedAmount:     t.params.BuyAmount,
		SimulateOnShortfall: t.params.SimulateOnShortfall,
	})
	if err != nil {
		if errors.Is(err, models.ErrInsufficientBalance) {
			return t.insufficient(cc, err)
		}
		return t.fail(cc, models.ExitError, err), nil
	}
	cc.Buy = decision

	if decision.SkipBuy {
		held := sizing.FloorToStep(cc.Balances.Free(cc.Pair.BaseAsset), cc.Pair.StepSize)
		t.logger.Info("reusing held base, skipping buy",
			"cycle", cc.Cycle.Index,
			"held", held.String(),
			"min_viable_qty", decision.MinViableQty.String(),
		)
		cc.Cycle.BuyQuantity = held
		cc.Cycle.BuyPrice = cc.Price
		cc.Cycle.Timestamps.Bought = t.now()
		return t.advance(cc, models.CyclePendingSell), nil
	}

	if decision.Simulate {
		t.logger.Warn("insufficient balance, simulating buy", "cycle", cc.Cycle.Index, "amount", decision.EffectiveBuyAmount.String())
		cc.Cycle.Simulated = true
	}

	order, err := t.marketBuy(ctx, cc, decision.EffectiveBuyAmount)
	if err != nil {
		return t.fail(cc, models.ExitBuyFailed, err), nil
	}
	cc = t.applyBuy(cc, order)
	t.logger.Info("bought",
		"cycle", cc.Cycle.Index,
		"order_id", order.OrderID,
		"quantity", cc.Cycle.BuyQuantity.String(),
		"price", cc.Cycle.BuyPrice.String(),
		"simulated", cc.Cycle.Simulated,
	)
	return t.advance(cc, models.CyclePendingSell), nil
}

func (t *Trader) marketBuy(ctx context.Context, cc CycleContext, quoteAmount decimal.Decimal) (*trading.Order, error) {
	order, err := t.gatewayFor(cc).PlaceOrder(ctx, &trading.OrderRequest{
		Symbol:        cc.Pair.Symbol,
		Side:          trading.SideBuy,
		Type:          trading.OrderTypeMarket,
		QuoteQuantity: quoteAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place market buy: %w", err)
	}
	if !order.ExecutedQty.IsPositive() {
		return nil, fmt.Errorf("market buy %s not executed, status %s", order.OrderID, order.Status)
	}
	return order, nil
}

// applyBuy adds a buy fill to the cycle. Repeated buys average the price by
// quantity.
func (t *Trader) applyBuy(cc CycleContext, order *trading.Order) CycleContext {
	base, quote := cc.Pair.BaseAsset, cc.Pair.QuoteAsset

	qty := order.ExecutedQty.Sub(order.CommissionIn(base))
	price := order.AvgPrice()
	if !price.IsPositive() {
		price = cc.Price
	}

	prevQty := cc.Cycle.BuyQuantity
	total := prevQty.Add(qty)
	if prevQty.IsPositive() && total.IsPositive() {
		cc.Cycle.BuyPrice = cc.Cycle.BuyPrice.Mul(prevQty).Add(price.Mul(qty)).Div(total)
	} else {
		cc.Cycle.BuyPrice = price
	}
	cc.Cycle.BuyQuantity = total
	cc.Cycle.Timestamps.Bought = t.now()
	if order.Simulated {
		cc.Cycle.Simulated = true
	}

	spent := order.CumQuoteQty
	if !spent.IsPositive() {
		spent = order.ExecutedQty.Mul(price)
	}
	cc.Balances = cc.Balances.
		With(base, cc.Balances.Free(base).Add(qty)).
		With(quote, decimal.Max(cc.Balances.Free(quote).Sub(spent), decimal.Zero))
	return cc
}

// priceSell sets the aligned sell price and the optional stop.
func (t *Trader) priceSell(ctx context.Context, cc CycleContext) (CycleContext, error) {
	qty := sizing.FloorToStep(cc.Balances.Free(cc.Pair.BaseAsset), cc.Pair.StepSize)
	if !qty.IsPositive() {
		qty = cc.Buy.MinViableQty
	}
	if !qty.IsPositive() {
		qty = cc.Pair.StepSize
	}

	sell, err := pricing.ComputeSellPrice(cc.Cycle.BuyPrice, qty, t.params.Profit, t.params.Fees)
	if err != nil {
		return t.fail(cc, models.ExitError, fmt.Errorf("failed to compute sell price: %w", err)), nil
	}
	cc.Cycle.SellPrice = pricing.AlignPrice(sell, cc.Cycle.BuyPrice, cc.Pair.TickSize)

	cc.Cycle.StopPrice = nil
	if stop, ok := pricing.ComputeStopLossPrice(cc.Cycle.BuyPrice, t.params.StopLoss); ok {
		stop = pricing.FloorToTick(stop, cc.Pair.TickSize)
		cc.Cycle.StopPrice = &stop
	}

	t.logger.Info("sell price computed",
		"cycle", cc.Cycle.Index,
		"buy_price", cc.Cycle.BuyPrice.String(),
		"sell_price", cc.Cycle.SellPrice.String(),
		"expected_net_profit", pricing.NetProfit(cc.Cycle.BuyPrice, cc.Cycle.SellPrice, qty, t.params.Fees).StringFixed(8),
	)
	return cc, nil
}

// sizeSell resolves the sell quantity, buying once more when holdings cannot
// reach the minimum notional.
func (t *Trader) sizeSell(ctx context.Context, cc CycleContext) (CycleContext, error) {
	plan, err := t.resolveQuantity(cc, false)
	if err != nil {
		return t.fail(cc, models.ExitError, err), nil
	}

	if plan.NeedsTopUp() {
		cc = t.topUp(ctx, cc, plan.TopUpQuote)
		if cc, err = t.priceSell(ctx, cc); err != nil || cc.Cycle.Status.IsTerminal() {
			return cc, err
		}
		plan, err = t.resolveQuantity(cc, true)
		if err != nil {
			if errors.Is(err, models.ErrInsufficientBalance) {
				return t.insufficient(cc, err)
			}
			return t.fail(cc, models.ExitError, err), nil
		}
	}

	if plan.Simulate {
		t.logger.Warn("holdings below minimum notional, simulating sell", "cycle", cc.Cycle.Index, "quantity", plan.Quantity.String())
		cc.Cycle.Simulated = true
	}
	cc.Plan = plan
	cc.Cycle.Quantity = plan.Quantity
	return cc, nil
}

func (t *Trader) resolveQuantity(cc CycleContext, afterTopUp bool) (sizing.QuantityPlan, error) {
	return sizing.ResolveQuantity(sizing.QuantityInput{
		Pair:                cc.Pair,
		Balances:            cc.Balances,
		SellPrice:           cc.Cycle.SellPrice,
		CurrentPrice:        cc.Price,
		BuyFee:              t.params.Fees.BuyRate,
		AfterTopUp:          afterTopUp,
		SimulateOnShortfall: t.params.SimulateOnShortfall,
	})
}

// topUp makes the single supplementary purchase. Failures are logged and the
// quantity is resolved again with whatever is held.
func (t *Trader) topUp(ctx context.Context, cc CycleContext, amount decimal.Decimal) CycleContext {
	quoteFree := cc.Balances.Free(cc.Pair.QuoteAsset)
	if !cc.Cycle.Simulated && amount.GreaterThan(quoteFree) {
		if quoteFree.LessThan(cc.Pair.MinNotional) {
			t.logger.Warn("quote balance too small for top-up",
				"cycle", cc.Cycle.Index,
				"needed", amount.String(),
				"available", quoteFree.String(),
			)
			return cc
		}
		amount = quoteFree.RoundFloor(8)
	}

	t.logger.Info("topping up holdings", "cycle", cc.Cycle.Index, "amount", amount.String())
	order, err := t.marketBuy(ctx, cc, amount)
	if err != nil {
		t.logger.Error("top-up purchase failed", "cycle", cc.Cycle.Index, "error", err)
		return cc
	}
	return t.applyBuy(cc, order)
}

func (t *Trader) placeSell(ctx context.Context, cc CycleContext) (CycleContext, error) {
	order, err := t.gatewayFor(cc).PlaceOrder(ctx, &trading.OrderRequest{
		Symbol:   cc.Pair.Symbol,
		Side:     trading.SideSell,
		Type:     trading.OrderTypeLimit,
		Quantity: cc.Plan.Quantity,
		Price:    cc.Cycle.SellPrice,
	})
	if err != nil {
		reason := models.ExitError
		if errors.Is(err, models.ErrOrderRejected) {
			reason = models.ExitOrderRejected
		}
		return t.fail(cc, reason, fmt.Errorf("failed to place limit sell: %w", err)), nil
	}

	cc.SellOrder = order
	cc.Cycle.OrderID = order.OrderID
	cc.Cycle.Timestamps.SellPlaced = t.now()
	if order.Simulated {
		cc.Cycle.Simulated = true
	}
	base := cc.Pair.BaseAsset
	cc.Balances = cc.Balances.With(base, decimal.Max(cc.Balances.Free(base).Sub(cc.Plan.Quantity), decimal.Zero))

	t.logger.Info("sell placed",
		"cycle", cc.Cycle.Index,
		"order_id", order.OrderID,
		"quantity", cc.Plan.Quantity.String(),
		"price", cc.Cycle.SellPrice.String(),
		"status", order.Status,
	)

	switch {
	case order.Status == trading.StatusFilled:
		qty := order.ExecutedQty
		return t.settle(cc, &supervisor.Outcome{
			Status:     models.CycleFilled,
			Reason:     models.ExitTakeProfit,
			Order:      order,
			LastStatus: order.Status,
			SoldQty:    qty,
			SoldPrice:  order.AvgPrice(),
		}), nil
	case order.Status.IsFinal():
		return t.fail(cc, models.ExitOrderRejected, fmt.Errorf("%w: sell %s ended %s at placement", models.ErrOrderRejected, order.OrderID, order.Status)), nil
	}
	return t.advance(cc, models.CycleMonitoring), nil
}

func (t *Trader) supervise(ctx context.Context, cc CycleContext) (CycleContext, error) {
	out, err := t.deps.Supervisor.Supervise(ctx, supervisor.Job{
		Order:     cc.SellOrder,
		StopPrice: cc.Cycle.StopPrice,
	})
	if out == nil {
		if err == nil {
			err = fmt.Errorf("supervisor returned no outcome")
		}
		return t.fail(cc, models.ExitError, err), nil
	}
	return t.settle(cc, out), nil
}

// settle applies a terminal supervision outcome.
func (t *Trader) settle(cc CycleContext, out *supervisor.Outcome) CycleContext {
	if out.Order != nil {
		cc.Cycle.ExecutedQty = out.Order.ExecutedQty
	}
	cc.Cycle.SoldQty = out.SoldQty
	cc.Cycle.SoldPrice = out.SoldPrice
	if out.Status == models.CycleFailed {
		return t.fail(cc, out.Reason, out.Err)
	}

	cc.Cycle.ExitReason = out.Reason
	if out.Err != nil {
		cc.Cycle.Error = out.Err.Error()
	}
	if out.Reason == models.ExitPriceDrop {
		t.logger.Info("sell canceled on price drop",
			"cycle", cc.Cycle.Index,
			"order_id", cc.Cycle.OrderID,
			"last_status", out.LastStatus,
			"sold_qty", out.SoldQty.String(),
		)
	}
	cc = t.advance(cc, out.Status)

	base, quote := cc.Pair.BaseAsset, cc.Pair.QuoteAsset
	cc.Balances = cc.Balances.With(quote, cc.Balances.Free(quote).Add(out.SoldQty.Mul(out.SoldPrice)))
	if out.Status == models.CycleCanceled {
		// 撤单后未成交部分回到可用余额
		unsold := decimal.Max(cc.Plan.Quantity.Sub(out.SoldQty), decimal.Zero)
		cc.Balances = cc.Balances.With(base, cc.Balances.Free(base).Add(unsold))
	}
	return cc
}

func (t *Trader) record(ctx context.Context, cc CycleContext) {
	c := cc.Cycle
	t.logger.Info("cycle finished",
		"cycle", c.Index,
		"status", c.Status,
		"exit_reason", c.ExitReason,
		"order_id", c.OrderID,
		"profit", c.Profit().StringFixed(8),
		"simulated", c.Simulated,
	)

	if err := t.deps.Recorder.RecordCycle(ctx, &c); err != nil {
		t.logger.Error("failed to record cycle", "cycle", c.Index, "error", err)
	}
	if stats, err := t.deps.Recorder.LoadStats(ctx, c.Symbol); err == nil {
		t.logger.Info("running stats",
			"total_trades", stats.TotalTrades,
			"win_rate", stats.WinRate.StringFixed(2),
			"net_profit", stats.NetProfit.StringFixed(8),
		)
	}
	if err := t.deps.Notifier.NotifyCycle(ctx, &c); err != nil {
		t.logger.Warn("failed to notify cycle", "cycle", c.Index, "error", err)
	}
}

// abort persists the fatal error before Run returns it.
func (t *Trader) abort(ctx context.Context, index int, cause error) {
	ctx = context.WithoutCancel(ctx)
	rec := models.ErrorRecord{
		Timestamp: t.now(),
		Symbol:    t.params.Symbol,
		Cycle:     index,
		Error:     cause.Error(),
	}
	t.logger.Error("run aborted", "cycle", index, "error", cause)
	if err := t.deps.Recorder.RecordError(ctx, rec); err != nil {
		t.logger.Error("failed to record error", "error", err)
	}
	if err := t.deps.Notifier.NotifyError(ctx, rec); err != nil {
		t.logger.Warn("failed to notify error", "error", err)
	}
}
