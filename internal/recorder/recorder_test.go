package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/cycletrader/internal/models"
)

type failingRecorder struct {
	err   error
	calls int
}

func (f *failingRecorder) RecordCycle(ctx context.Context, c *models.Cycle) error {
	f.calls++
	return f.err
}

func (f *failingRecorder) RecordError(ctx context.Context, rec models.ErrorRecord) error {
	f.calls++
	return f.err
}

func (f *failingRecorder) SaveOrder(ctx context.Context, symbol, orderID string, v interface{}) error {
	f.calls++
	return f.err
}

func (f *failingRecorder) LoadStats(ctx context.Context, symbol string) (*models.RunningStats, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	stats := models.NewRunningStats(symbol)
	stats.TotalTrades = 7
	return stats, nil
}

func (f *failingRecorder) Close() error { return f.err }

func TestSafe_NeverReturnsErrors(t *testing.T) {
	inner := &failingRecorder{err: errors.New("disk full")}
	safe := NewSafe(inner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	c := models.NewCycle(1, "BTCUSDT", time.Now())
	assert.NoError(t, safe.RecordCycle(ctx, &c))
	assert.NoError(t, safe.RecordError(ctx, models.ErrorRecord{Symbol: "BTCUSDT"}))
	assert.NoError(t, safe.SaveOrder(ctx, "BTCUSDT", "1", map[string]string{}))
	assert.NoError(t, safe.Close())

	stats, err := safe.LoadStats(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", stats.Symbol)
	assert.Equal(t, 0, stats.TotalTrades)
	assert.Equal(t, 4, inner.calls)
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	broken := &failingRecorder{err: errors.New("connection refused")}
	healthy := &failingRecorder{}
	m := Multi{broken, healthy}

	c := models.NewCycle(1, "BTCUSDT", time.Now())
	err := m.RecordCycle(ctx, &c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, healthy.calls)

	stats, err := m.LoadStats(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 7, stats.TotalTrades)

	_, err = Multi{broken}.LoadStats(ctx, "BTCUSDT")
	assert.Error(t, err)

	stats, err = Multi{}.LoadStats(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", stats.Symbol)
}
