package trading

import (
	"context"

	"github.com/songzhibin97/cycletrader/internal/models"
)

// OrderGateway defines methods for executing trades
type OrderGateway interface {
	// PlaceOrder places a new order and returns the exchange's view of it
	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)

	// CancelOrder cancels an existing order
	CancelOrder(ctx context.Context, symbol, orderID string) (*Order, error)

	// GetOrder retrieves the current state of an order
	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)

	// GetBalances retrieves free and locked balances of every asset
	GetBalances(ctx context.Context) (models.Balances, error)
}
