package recorder

import (
	"context"
	"errors"
	"log/slog"

	"github.com/songzhibin97/cycletrader/internal/models"
)

// OrderJournal persists the latest view of an order, keyed {symbol}-{orderId}.
type OrderJournal interface {
	SaveOrder(ctx context.Context, symbol, orderID string, v interface{}) error
}

// Recorder persists finished cycles and keeps running statistics per symbol.
type Recorder interface {
	OrderJournal
	// RecordCycle appends the history record of a terminal cycle and folds it
	// into the symbol's running statistics.
	RecordCycle(ctx context.Context, c *models.Cycle) error
	RecordError(ctx context.Context, rec models.ErrorRecord) error
	// LoadStats returns the latest statistics, or a zero aggregate if none exist.
	LoadStats(ctx context.Context, symbol string) (*models.RunningStats, error)
	Close() error
}

// Safe logs persistence failures instead of returning them.
type Safe struct {
	inner  Recorder
	logger *slog.Logger
}

func NewSafe(inner Recorder, logger *slog.Logger) *Safe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Safe{inner: inner, logger: logger}
}

func (s *Safe) RecordCycle(ctx context.Context, c *models.Cycle) error {
	if err := s.inner.RecordCycle(ctx, c); err != nil {
		s.logger.Error("failed to record cycle", "symbol", c.Symbol, "cycle", c.Index, "error", err)
	}
	return nil
}

func (s *Safe) RecordError(ctx context.Context, rec models.ErrorRecord) error {
	if err := s.inner.RecordError(ctx, rec); err != nil {
		s.logger.Error("failed to record error", "symbol", rec.Symbol, "error", err)
	}
	return nil
}

func (s *Safe) SaveOrder(ctx context.Context, symbol, orderID string, v interface{}) error {
	if err := s.inner.SaveOrder(ctx, symbol, orderID, v); err != nil {
		s.logger.Warn("failed to save order snapshot", "symbol", symbol, "order_id", orderID, "error", err)
	}
	return nil
}

// LoadStats falls back to a zero aggregate when the store cannot be read.
func (s *Safe) LoadStats(ctx context.Context, symbol string) (*models.RunningStats, error) {
	stats, err := s.inner.LoadStats(ctx, symbol)
	if err != nil {
		s.logger.Error("failed to load stats", "symbol", symbol, "error", err)
		return models.NewRunningStats(symbol), nil
	}
	return stats, nil
}

func (s *Safe) Close() error {
	if err := s.inner.Close(); err != nil {
		s.logger.Warn("failed to close recorder", "error", err)
	}
	return nil
}

// Multi fans every write out to all recorders. Reads come from the first
// recorder that answers.
type Multi []Recorder

func (m Multi) RecordCycle(ctx context.Context, c *models.Cycle) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordCycle(ctx, c))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordError(ctx context.Context, rec models.ErrorRecord) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordError(ctx, rec))
	}
	return errors.Join(errs...)
}

func (m Multi) SaveOrder(ctx context.Context, symbol, orderID string, v interface{}) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.SaveOrder(ctx, symbol, orderID, v))
	}
	return errors.Join(errs...)
}

func (m Multi) LoadStats(ctx context.Context, symbol string) (*models.RunningStats, error) {
	var errs []error
	for _, r := range m {
		stats, err := r.LoadStats(ctx, symbol)
		if err == nil {
			return stats, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return models.NewRunningStats(symbol), nil
	}
	return nil, errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
