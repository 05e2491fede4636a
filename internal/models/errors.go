package models

import "errors"

var (
	// ErrInsufficientBalance is returned when balances cannot reach the minimum notional.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidSpec is returned for malformed profit / stop-loss specifications.
	ErrInvalidSpec = errors.New("invalid spec")

	// ErrOrderRejected is returned when the gateway refuses an order.
	ErrOrderRejected = errors.New("order rejected")

	// ErrSupervisionLost is returned when the order event subscription cannot be recovered.
	ErrSupervisionLost = errors.New("supervision lost")

	// ErrPriceUnavailable is returned when no price source (nor the cache) can answer.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrInvalidTransition is returned when a cycle or order state change is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
)
