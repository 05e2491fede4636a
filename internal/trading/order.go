package trading

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus mirrors the exchange order states.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusExpiredInMatch  OrderStatus = "EXPIRED_IN_MATCH"
)

// IsFinal reports whether the exchange will not change the order again.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusExpiredInMatch:
		return true
	}
	return false
}

// OrderRequest 下单请求
// Market buys may set QuoteQuantity instead of Quantity.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	QuoteQuantity decimal.Decimal
	Price         decimal.Decimal // limit only
}

// Validate checks the request is well formed before it reaches the exchange.
func (r *OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	switch r.Side {
	case SideBuy, SideSell:
	default:
		return fmt.Errorf("invalid side: %s", r.Side)
	}
	switch r.Type {
	case OrderTypeMarket:
		if !r.Quantity.IsPositive() && !r.QuoteQuantity.IsPositive() {
			return fmt.Errorf("market order needs quantity or quote quantity")
		}
	case OrderTypeLimit:
		if !r.Quantity.IsPositive() || !r.Price.IsPositive() {
			return fmt.Errorf("limit order needs positive quantity and price")
		}
	default:
		return fmt.Errorf("unsupported order type: %s", r.Type)
	}
	return nil
}

// Fill 成交明细
type Fill struct {
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
}

// Order 订单结构
type Order struct {
	Symbol      string          `json:"symbol"`
	OrderID     string          `json:"order_id"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	Status      OrderStatus     `json:"status"`
	Price       decimal.Decimal `json:"price"`
	OrigQty     decimal.Decimal `json:"orig_qty"`
	ExecutedQty decimal.Decimal `json:"executed_qty"`
	CumQuoteQty decimal.Decimal `json:"cum_quote_qty"`
	Fills       []Fill          `json:"fills,omitempty"`
	Simulated   bool            `json:"simulated,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AvgPrice is the volume weighted fill price, falling back to the order price.
func (o *Order) AvgPrice() decimal.Decimal {
	if o.ExecutedQty.IsPositive() && o.CumQuoteQty.IsPositive() {
		return o.CumQuoteQty.Div(o.ExecutedQty)
	}

	qty, quote := decimal.Zero, decimal.Zero
	for _, f := range o.Fills {
		qty = qty.Add(f.Quantity)
		quote = quote.Add(f.Price.Mul(f.Quantity))
	}
	if qty.IsPositive() {
		return quote.Div(qty)
	}
	return o.Price
}

// Remaining is the unfilled part of the order.
func (o *Order) Remaining() decimal.Decimal {
	rest := o.OrigQty.Sub(o.ExecutedQty)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// CommissionIn sums the commission charged in asset.
func (o *Order) CommissionIn(asset string) decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		if f.CommissionAsset == asset {
			total = total.Add(f.Commission)
		}
	}
	return total
}
