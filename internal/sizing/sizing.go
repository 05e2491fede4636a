package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/models"
)

// quotePrecision 计价资产金额保留位数
const quotePrecision = 8

var (
	one = decimal.NewFromInt(1)

	// NotionalBuffer keeps orders a little above the exchange minimum.
	NotionalBuffer = decimal.RequireFromString("1.01")
)

// BuyInput 买入决策输入
type BuyInput struct {
	Pair            models.TradingPair
	Balances        models.Balances
	Price           decimal.Decimal // current market price
	RequestedAmount decimal.Decimal // quote currency
	// SimulateOnShortfall degrades to a simulated buy instead of failing.
	SimulateOnShortfall bool
}

// BuyDecision 买入决策
type BuyDecision struct {
	SkipBuy            bool
	EffectiveBuyAmount decimal.Decimal
	MinViableQty       decimal.Decimal
	Simulate           bool
}

// ResolveBuy decides whether held base can be reused and how much quote to spend.
func ResolveBuy(in BuyInput) (BuyDecision, error) {
	if !in.Price.IsPositive() {
		return BuyDecision{}, fmt.Errorf("price must be > 0, got %s", in.Price)
	}

	target := in.Pair.MinNotional.Mul(NotionalBuffer)
	minViable := CeilToStep(target.Div(in.Price), in.Pair.StepSize)

	held := FloorToStep(in.Balances.Free(in.Pair.BaseAsset), in.Pair.StepSize)
	if held.GreaterThan(minViable) {
		return BuyDecision{
			SkipBuy:            true,
			EffectiveBuyAmount: decimal.Zero,
			MinViableQty:       minViable,
		}, nil
	}

	amount := in.RequestedAmount
	quoteFree := in.Balances.Free(in.Pair.QuoteAsset)

	// 低于最小下单额时上调
	if amount.LessThan(target) && quoteFree.GreaterThanOrEqual(in.Pair.MinNotional) {
		amount = target
	}
	if amount.GreaterThan(quoteFree) {
		amount = quoteFree
	}
	amount = amount.RoundFloor(quotePrecision)

	decision := BuyDecision{
		EffectiveBuyAmount: amount,
		MinViableQty:       minViable,
	}
	if amount.IsPositive() && amount.GreaterThanOrEqual(in.Pair.MinNotional) {
		return decision, nil
	}

	if !in.SimulateOnShortfall {
		return BuyDecision{}, fmt.Errorf("%w: need %s %s, have %s",
			models.ErrInsufficientBalance, in.Pair.MinNotional, in.Pair.QuoteAsset, quoteFree)
	}
	decision.Simulate = true
	decision.EffectiveBuyAmount = decimal.Max(in.RequestedAmount, target).RoundCeil(quotePrecision)
	return decision, nil
}

// QuantityInput 卖出数量决策输入
type QuantityInput struct {
	Pair         models.TradingPair
	Balances     models.Balances
	SellPrice    decimal.Decimal
	CurrentPrice decimal.Decimal
	BuyFee       decimal.Decimal
	// AfterTopUp is set once the supplementary purchase has been attempted.
	AfterTopUp          bool
	SimulateOnShortfall bool
}

// QuantityPlan 卖出数量计划
type QuantityPlan struct {
	Quantity    decimal.Decimal
	MinQuantity decimal.Decimal
	// TopUpQuote > 0 asks the caller to buy that much quote worth of base
	// and resolve again with AfterTopUp.
	TopUpQuote decimal.Decimal
	Simulate   bool
}

// NeedsTopUp reports whether a supplementary purchase is requested.
func (p QuantityPlan) NeedsTopUp() bool {
	return p.TopUpQuote.IsPositive()
}

// ResolveQuantity sizes the sell order from held base.
func ResolveQuantity(in QuantityInput) (QuantityPlan, error) {
	if !in.SellPrice.IsPositive() {
		return QuantityPlan{}, fmt.Errorf("sell price must be > 0, got %s", in.SellPrice)
	}
	if in.BuyFee.IsNegative() || in.BuyFee.GreaterThanOrEqual(one) {
		return QuantityPlan{}, fmt.Errorf("invalid buy fee rate: %s", in.BuyFee)
	}

	target := in.Pair.MinNotional.Mul(NotionalBuffer)
	minQty := CeilToStep(target.Div(in.SellPrice), in.Pair.StepSize)
	held := FloorToStep(in.Balances.Free(in.Pair.BaseAsset), in.Pair.StepSize)

	plan := QuantityPlan{Quantity: held, MinQuantity: minQty}
	if held.IsPositive() && held.Mul(in.SellPrice).GreaterThanOrEqual(in.Pair.MinNotional) {
		return plan, nil
	}

	if !in.AfterTopUp {
		price := in.CurrentPrice
		if !price.IsPositive() {
			price = in.SellPrice
		}
		shortfall := minQty.Sub(held)
		topUp := shortfall.Mul(price).Mul(NotionalBuffer).Div(one.Sub(in.BuyFee))
		plan.TopUpQuote = decimal.Max(topUp, target).RoundCeil(quotePrecision)
		return plan, nil
	}

	if !in.SimulateOnShortfall {
		return QuantityPlan{}, fmt.Errorf("%w: hold %s %s, need %s",
			models.ErrInsufficientBalance, held, in.Pair.BaseAsset, minQty)
	}
	plan.Quantity = minQty
	plan.Simulate = true
	return plan, nil
}

// FloorToStep rounds q down to a multiple of step.
func FloorToStep(q, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return q
	}
	return q.Div(step).Floor().Mul(step)
}

// CeilToStep rounds q up to a multiple of step.
func CeilToStep(q, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return q
	}
	return q.Div(step).Ceil().Mul(step)
}
