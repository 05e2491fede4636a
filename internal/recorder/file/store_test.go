package file

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/cycletrader/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func finishedCycle(index int, buy, sold, qty string) *models.Cycle {
	c := models.NewCycle(index, "BTCUSDT", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c.BuyPrice = d(buy)
	c.SellPrice = d(sold)
	c.Quantity = d(qty)
	c.SoldPrice = d(sold)
	c.SoldQty = d(qty)
	c.OrderID = "4293153"
	c.Status = models.CycleFilled
	c.ExitReason = models.ExitTakeProfit
	return &c
}

func readLines(t *testing.T, path string) []models.HistoryRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []models.HistoryRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec models.HistoryRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestStore_StatsAccumulate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cycles := []*models.Cycle{
		finishedCycle(1, "83000", "84245", "0.0002"), // +0.249
		finishedCycle(2, "83000", "82000", "0.0002"), // -0.2
		finishedCycle(3, "83000", "84660", "0.0001"), // +0.166
		finishedCycle(4, "83000", "83000", "0.0001"), // 0
	}
	for _, c := range cycles {
		require.NoError(t, s.RecordCycle(ctx, c))
	}

	stats, err := s.LoadStats(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, len(cycles), stats.TotalTrades)
	assert.Equal(t, 2, stats.SuccessfulTrades)
	assert.Equal(t, 2, stats.FailedTrades)
	assert.Equal(t, "0.415", stats.TotalProfit.String())
	assert.Equal(t, "0.2", stats.TotalLoss.String())
	assert.True(t, stats.NetProfit.Equal(stats.TotalProfit.Sub(stats.TotalLoss)))
	assert.Equal(t, "50", stats.WinRate.String())
	require.Len(t, stats.RecentTrades, 4)
	assert.Equal(t, 4, stats.RecentTrades[0].Cycle)

	history := readLines(t, filepath.Join(s.dir, historyDir, "BTCUSDT.jsonl"))
	require.Len(t, history, 4)
	assert.Equal(t, 1, history[0].Cycle)
	assert.Equal(t, "0.249", history[0].Profit.String())
	assert.Equal(t, "4293153", history[0].OrderID)
}

func TestStore_NewStatsFilePerUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.RecordCycle(ctx, finishedCycle(i, "100", "101", "1")))
	}

	files, err := filepath.Glob(filepath.Join(s.dir, statsDir, "BTCUSDT_stats_*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 3)

	// 其他交易对互不影响
	other, err := s.LoadStats(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0, other.TotalTrades)
	assert.NotNil(t, other.RecentTrades)
}

func TestStore_HistoryAppends(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	path := filepath.Join(dir, historyDir, "BTCUSDT.jsonl")

	first, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.RecordCycle(ctx, finishedCycle(1, "100", "101", "1")))
	require.NoError(t, first.Close())

	// a restarted process keeps appending to the same file
	second, err := NewStore(dir)
	require.NoError(t, err)
	defer second.Close()

	var wg sync.WaitGroup
	for i := 2; i <= 9; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, second.appendHistory("BTCUSDT", models.NewHistoryRecord(*finishedCycle(index, "100", "101", "1"), time.Now())))
		}(i)
	}
	wg.Wait()

	history := readLines(t, path)
	require.Len(t, history, 9)
	assert.Equal(t, 1, history[0].Cycle)
	seen := make(map[int]bool)
	for _, rec := range history {
		seen[rec.Cycle] = true
	}
	assert.Len(t, seen, 9)
}

func TestStore_CorruptStatsStartOver(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := filepath.Join(s.dir, statsDir, "BTCUSDT_stats_20260101T000000.000000000.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	_, err := s.LoadStats(ctx, "BTCUSDT")
	require.Error(t, err)

	// the history line and a fresh stats file are still written
	err = s.RecordCycle(ctx, finishedCycle(1, "100", "101", "1"))
	require.Error(t, err)

	stats, err := s.LoadStats(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTrades)
}

func TestStore_RecentTradesCapped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= models.RecentTradesCap+5; i++ {
		require.NoError(t, s.RecordCycle(ctx, finishedCycle(i, "100", "101", "1")))
	}
	stats, err := s.LoadStats(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.RecentTradesCap+5, stats.TotalTrades)
	assert.Len(t, stats.RecentTrades, models.RecentTradesCap)
	assert.Equal(t, models.RecentTradesCap+5, stats.RecentTrades[0].Cycle)
}

func TestStore_RecordErrorAndSaveOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordError(ctx, models.ErrorRecord{
		Symbol: "BTCUSDT",
		Cycle:  3,
		Error:  "insufficient balance",
	}))
	files, err := filepath.Glob(filepath.Join(s.dir, errorsDir, "error_*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	var rec models.ErrorRecord
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, 3, rec.Cycle)
	assert.False(t, rec.Timestamp.IsZero())

	type snapshot struct {
		State string `json:"state"`
	}
	require.NoError(t, s.SaveOrder(ctx, "BTCUSDT", "4293153", snapshot{State: "RESTING"}))
	require.NoError(t, s.SaveOrder(ctx, "BTCUSDT", "4293153", snapshot{State: "FILLED"}))

	data, err = os.ReadFile(filepath.Join(s.dir, ordersDir, "BTCUSDT-4293153.json"))
	require.NoError(t, err)
	var got snapshot
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "FILLED", got.State)
}

func TestNewStore_EmptyDir(t *testing.T) {
	_, err := NewStore(" ")
	assert.Error(t, err)
}
