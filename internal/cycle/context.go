package cycle

import (
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/models"
	"github.com/songzhibin97/cycletrader/internal/sizing"
	"github.com/songzhibin97/cycletrader/internal/trading"
)

// CycleContext is the state handed from stage to stage. Stages receive it by
// value and return the updated copy; Balances is never mutated in place.
type CycleContext struct {
	Cycle    models.Cycle
	Pair     models.TradingPair
	Balances models.Balances
	// BalancesStale is set when the last refresh failed.
	BalancesStale bool
	Price         decimal.Decimal // market price at cycle start

	Buy       sizing.BuyDecision
	Plan      sizing.QuantityPlan
	SellOrder *trading.Order
}
