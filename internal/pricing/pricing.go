package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/models"
)

var (
	one = decimal.NewFromInt(1)

	// FloorMultiplier keeps the target at least 1.5% above the buy price.
	FloorMultiplier = decimal.RequireFromString("1.015")
	// CeilingMultiplier keeps the ask fillable.
	CeilingMultiplier = decimal.RequireFromString("1.05")
)

// Fees 买卖手续费率
type Fees struct {
	BuyRate  decimal.Decimal `json:"buy" yaml:"buy"`
	SellRate decimal.Decimal `json:"sell" yaml:"sell"`
}

// DefaultFees is the spot taker fee on both legs.
func DefaultFees() Fees {
	return Fees{
		BuyRate:  decimal.RequireFromString("0.001"),
		SellRate: decimal.RequireFromString("0.001"),
	}
}

// Validate checks both rates lie in [0, 1).
func (f Fees) Validate() error {
	for name, r := range map[string]decimal.Decimal{"buy": f.BuyRate, "sell": f.SellRate} {
		if r.IsNegative() || r.GreaterThanOrEqual(one) {
			return fmt.Errorf("invalid %s fee rate: %s", name, r)
		}
	}
	return nil
}

// Bounds returns the clamp range for a buy price.
func Bounds(buyPrice decimal.Decimal) (lower, upper decimal.Decimal) {
	return buyPrice.Mul(FloorMultiplier), buyPrice.Mul(CeilingMultiplier)
}

// ComputeSellPrice derives the target sell price from a profit spec.
//
// Fixed(amount) solves (p*q)*(1-sellFee) - (buy*q)*(1+buyFee) = amount for p.
// Percent(rate) uses buy*(1+rate+buyFee)/(1-sellFee).
// The result is clamped into [buy*1.015, buy*1.05], so it is a best-effort
// target rather than an exact profit.
func ComputeSellPrice(buyPrice, quantity decimal.Decimal, spec models.ProfitSpec, fees Fees) (decimal.Decimal, error) {
	if !buyPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("buy price must be > 0, got %s", buyPrice)
	}
	if err := spec.Validate(); err != nil {
		return decimal.Zero, err
	}
	if err := fees.Validate(); err != nil {
		return decimal.Zero, err
	}

	keep := one.Sub(fees.SellRate)

	var raw decimal.Decimal
	switch spec.Kind {
	case models.SpecFixed:
		if !quantity.IsPositive() {
			return decimal.Zero, fmt.Errorf("quantity must be > 0 for a fixed profit, got %s", quantity)
		}
		cost := buyPrice.Mul(quantity).Mul(one.Add(fees.BuyRate))
		raw = cost.Add(spec.Value).Div(quantity.Mul(keep))
	case models.SpecPercent:
		raw = buyPrice.Mul(one.Add(spec.Value).Add(fees.BuyRate)).Div(keep)
	}

	lower, upper := Bounds(buyPrice)
	switch {
	case raw.LessThan(lower):
		return lower, nil
	case raw.GreaterThan(upper):
		return upper, nil
	}
	return raw, nil
}

// ComputeStopLossPrice returns the stop price, or false when disabled.
func ComputeStopLossPrice(buyPrice decimal.Decimal, spec models.StopLossSpec) (decimal.Decimal, bool) {
	if !spec.Enabled || spec.Limit.Validate() != nil {
		return decimal.Zero, false
	}

	var stop decimal.Decimal
	switch spec.Limit.Kind {
	case models.SpecFixed:
		stop = buyPrice.Sub(spec.Limit.Value)
	case models.SpecPercent:
		stop = buyPrice.Mul(one.Sub(spec.Limit.Value))
	}
	if !stop.IsPositive() {
		return decimal.Zero, false
	}
	return stop, true
}

// AlignPrice snaps a clamped sell price to the tick size without leaving the
// clamp range. The floor wins when the tick is wider than the range.
func AlignPrice(price, buyPrice, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}

	lower, upper := Bounds(buyPrice)
	aligned := price.Div(tick).Round(0).Mul(tick)
	if aligned.GreaterThan(upper) {
		aligned = upper.Div(tick).Floor().Mul(tick)
	}
	if aligned.LessThan(lower) {
		aligned = lower.Div(tick).Ceil().Mul(tick)
	}
	return aligned
}

// FloorToTick rounds a stop price down to the tick size.
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// NetProfit is the quote profit of a round trip after both fees.
func NetProfit(buyPrice, sellPrice, quantity decimal.Decimal, fees Fees) decimal.Decimal {
	proceeds := sellPrice.Mul(quantity).Mul(one.Sub(fees.SellRate))
	cost := buyPrice.Mul(quantity).Mul(one.Add(fees.BuyRate))
	return proceeds.Sub(cost)
}
