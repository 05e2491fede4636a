package sizing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/cycletrader/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func btcusdt() models.TradingPair {
	return models.TradingPair{
		Symbol:      "BTCUSDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		MinNotional: d("10"),
		StepSize:    d("0.00001"),
		TickSize:    d("0.01"),
	}
}

func balances(usdt, btc string) models.Balances {
	return models.Balances{}.With("USDT", d(usdt)).With("BTC", d(btc))
}

func TestResolveBuy_SkipWithHeldBase(t *testing.T) {
	in := BuyInput{
		Pair:            btcusdt(),
		Balances:        balances("0.69", "0.00073"),
		Price:           d("83000"),
		RequestedAmount: d("0.0069"),
	}

	decision, err := ResolveBuy(in)
	require.NoError(t, err)
	assert.True(t, decision.SkipBuy)
	assert.True(t, decision.EffectiveBuyAmount.IsZero())
	assert.Equal(t, "0.00013", decision.MinViableQty.String())
	assert.False(t, decision.Simulate)
}

func TestResolveBuy(t *testing.T) {
	tests := []struct {
		name       string
		usdt       string
		btc        string
		requested  string
		simulate   bool
		wantAmount string
		wantSim    bool
		wantErr    error
	}{
		{name: "requested as is", usdt: "100", btc: "0", requested: "20", wantAmount: "20"},
		{name: "bumped to floor", usdt: "100", btc: "0", requested: "5", wantAmount: "10.1"},
		{name: "shrunk to balance", usdt: "15", btc: "0", requested: "20", wantAmount: "15"},
		{name: "balance between min and floor", usdt: "10.05", btc: "0", requested: "5", wantAmount: "10.05"},
		{name: "insufficient", usdt: "0.69", btc: "0", requested: "0.0069", wantErr: models.ErrInsufficientBalance},
		{name: "simulate fallback", usdt: "0.69", btc: "0", requested: "0.0069", simulate: true, wantAmount: "10.1", wantSim: true},
		{name: "held base too small", usdt: "50", btc: "0.0001", requested: "20", wantAmount: "20"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := ResolveBuy(BuyInput{
				Pair:                btcusdt(),
				Balances:            balances(tt.usdt, tt.btc),
				Price:               d("83000"),
				RequestedAmount:     d(tt.requested),
				SimulateOnShortfall: tt.simulate,
			})
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.False(t, decision.SkipBuy)
			assert.Equal(t, tt.wantAmount, decision.EffectiveBuyAmount.String())
			assert.Equal(t, tt.wantSim, decision.Simulate)
		})
	}
}

func TestResolveBuy_NeverRaisesAboveBalance(t *testing.T) {
	for _, usdt := range []string{"10", "10.1", "12.5", "999"} {
		decision, err := ResolveBuy(BuyInput{
			Pair:            btcusdt(),
			Balances:        balances(usdt, "0"),
			Price:           d("83000"),
			RequestedAmount: d("50"),
		})
		require.NoError(t, err)
		assert.True(t, decision.EffectiveBuyAmount.LessThanOrEqual(d(usdt)), usdt)
	}
}

func TestResolveQuantity(t *testing.T) {
	tests := []struct {
		name       string
		btc        string
		afterTopUp bool
		simulate   bool
		wantQty    string
		wantTopUp  string
		wantSim    bool
		wantErr    error
	}{
		{name: "held is enough", btc: "0.000734", wantQty: "0.00073"},
		{name: "needs top up", btc: "0.0001", wantQty: "0.0001", wantTopUp: "10.1"},
		{name: "nothing held", btc: "0", wantQty: "0", wantTopUp: "10.90880881"},
		{name: "still short after top up", btc: "0.0001", afterTopUp: true, wantErr: models.ErrInsufficientBalance},
		{name: "simulate after top up", btc: "0.0001", afterTopUp: true, simulate: true, wantQty: "0.00013", wantSim: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := ResolveQuantity(QuantityInput{
				Pair:                btcusdt(),
				Balances:            balances("0", tt.btc),
				SellPrice:           d("84065.1"),
				CurrentPrice:        d("83000"),
				BuyFee:              d("0.001"),
				AfterTopUp:          tt.afterTopUp,
				SimulateOnShortfall: tt.simulate,
			})
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantQty, plan.Quantity.String())
			assert.Equal(t, "0.00013", plan.MinQuantity.String())
			assert.Equal(t, tt.wantSim, plan.Simulate)
			if tt.wantTopUp == "" {
				assert.False(t, plan.NeedsTopUp())
			} else {
				assert.True(t, plan.NeedsTopUp())
				assert.Equal(t, tt.wantTopUp, plan.TopUpQuote.String())
			}
		})
	}
}

func TestResolve_Idempotent(t *testing.T) {
	buyIn := BuyInput{
		Pair:            btcusdt(),
		Balances:        balances("42.5", "0.00002"),
		Price:           d("83000"),
		RequestedAmount: d("12"),
	}
	first, err := ResolveBuy(buyIn)
	require.NoError(t, err)
	second, err := ResolveBuy(buyIn)
	require.NoError(t, err)
	assert.Equal(t, first.SkipBuy, second.SkipBuy)
	assert.True(t, first.EffectiveBuyAmount.Equal(second.EffectiveBuyAmount))

	qtyIn := QuantityInput{
		Pair:         btcusdt(),
		Balances:     balances("0", "0.000734"),
		SellPrice:    d("84065.1"),
		CurrentPrice: d("83000"),
		BuyFee:       d("0.001"),
	}
	p1, err := ResolveQuantity(qtyIn)
	require.NoError(t, err)
	p2, err := ResolveQuantity(qtyIn)
	require.NoError(t, err)
	assert.True(t, p1.Quantity.Equal(p2.Quantity))
	assert.True(t, p1.TopUpQuote.Equal(p2.TopUpQuote))
}

func TestResolveQuantity_StepAndNotionalCompliance(t *testing.T) {
	pair := btcusdt()
	sellPrices := []string{"84065.1", "100.37", "2.5", "61000"}
	holdings := []string{"0.000734", "1.234567891", "0.5", "42"}

	for _, sp := range sellPrices {
		for _, h := range holdings {
			plan, err := ResolveQuantity(QuantityInput{
				Pair:                pair,
				Balances:            balances("0", h),
				SellPrice:           d(sp),
				CurrentPrice:        d(sp),
				BuyFee:              d("0.001"),
				AfterTopUp:          true,
				SimulateOnShortfall: true,
			})
			require.NoError(t, err)

			steps := plan.Quantity.Div(pair.StepSize)
			assert.True(t, steps.Equal(steps.Floor()), "qty %s not a step multiple", plan.Quantity)
			assert.True(t, plan.Quantity.Mul(d(sp)).GreaterThanOrEqual(pair.MinNotional),
				"qty %s at %s below min notional", plan.Quantity, sp)
		}
	}
}

func TestStepHelpers(t *testing.T) {
	assert.Equal(t, "0.00073", FloorToStep(d("0.000739"), d("0.00001")).String())
	assert.Equal(t, "0.00074", CeilToStep(d("0.000731"), d("0.00001")).String())
	assert.Equal(t, "0.00073", CeilToStep(d("0.00073"), d("0.00001")).String())
	assert.Equal(t, "1.23", FloorToStep(d("1.23"), decimal.Zero).String())
}
