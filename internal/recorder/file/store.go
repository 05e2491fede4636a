package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/cycletrader/internal/models"
)

const (
	historyDir = "history"
	statsDir   = "stats"
	errorsDir  = "errors"
	ordersDir  = "orders"

	// fileTimeLayout sorts lexically in time order.
	fileTimeLayout = "20060102T150405.000000000"
)

// Store keeps every artifact as plain files under one data directory:
//
//	history/{symbol}.jsonl
//	stats/{symbol}_stats_{timestamp}.json
//	errors/error_{timestamp}.json
//	orders/{symbol}-{orderId}.json
//
// Stats are read-modify-written without locking; one process per symbol is
// assumed.
type Store struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	history map[string]*os.File
}

func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("data directory is empty")
	}
	for _, sub := range []string{historyDir, statsDir, errorsDir, ordersDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}
	return &Store{
		dir:     dir,
		now:     time.Now,
		history: make(map[string]*os.File),
	}, nil
}

func (s *Store) RecordCycle(ctx context.Context, c *models.Cycle) error {
	if c == nil {
		return fmt.Errorf("nil cycle")
	}
	rec := models.NewHistoryRecord(*c, s.now())

	var errs []error
	if err := s.appendHistory(c.Symbol, rec); err != nil {
		errs = append(errs, fmt.Errorf("failed to append history: %w", err))
	}

	stats, err := s.LoadStats(ctx, c.Symbol)
	if err != nil {
		// 统计文件损坏时从零开始
		errs = append(errs, err)
		stats = models.NewRunningStats(c.Symbol)
	}
	stats.Apply(rec)
	if err := s.writeStats(stats); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// appendHistory writes rec as one line of history/{symbol}.jsonl. The line
// goes out in a single write so concurrent tailers never see half a record.
func (s *Store) appendHistory(symbol string, rec models.HistoryRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.history[symbol]
	if !ok {
		path := filepath.Join(s.dir, historyDir, symbol+".jsonl")
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		s.history[symbol] = f
	}
	_, err = f.Write(line)
	return err
}

// LoadStats reads the most recently modified stats file of symbol. Equal
// modification times fall back to the file name, which embeds the write time.
func (s *Store) LoadStats(ctx context.Context, symbol string) (*models.RunningStats, error) {
	pattern := filepath.Join(s.dir, statsDir, symbol+"_stats_*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list stats files: %w", err)
	}

	var (
		latest    string
		latestMod time.Time
	)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if latest == "" || mod.After(latestMod) || (mod.Equal(latestMod) && path > latest) {
			latest, latestMod = path, mod
		}
	}
	if latest == "" {
		return models.NewRunningStats(symbol), nil
	}

	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats file: %w", err)
	}
	stats := models.NewRunningStats(symbol)
	if err := json.Unmarshal(data, stats); err != nil {
		return nil, fmt.Errorf("failed to parse stats file %s: %w", filepath.Base(latest), err)
	}
	if stats.RecentTrades == nil {
		stats.RecentTrades = make([]models.TradeSummary, 0)
	}
	return stats, nil
}

// writeStats always creates a new snapshot file.
func (s *Store) writeStats(stats *models.RunningStats) error {
	name := fmt.Sprintf("%s_stats_%s.json", stats.Symbol, s.now().UTC().Format(fileTimeLayout))
	if err := writeJSON(filepath.Join(s.dir, statsDir, name), stats); err != nil {
		return fmt.Errorf("failed to write stats: %w", err)
	}
	return nil
}

func (s *Store) RecordError(ctx context.Context, rec models.ErrorRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	name := fmt.Sprintf("error_%s.json", rec.Timestamp.UTC().Format(fileTimeLayout))
	if err := writeJSON(filepath.Join(s.dir, errorsDir, name), rec); err != nil {
		return fmt.Errorf("failed to write error record: %w", err)
	}
	return nil
}

func (s *Store) SaveOrder(ctx context.Context, symbol, orderID string, v interface{}) error {
	name := fmt.Sprintf("%s-%s.json", symbol, orderID)
	if err := writeJSON(filepath.Join(s.dir, ordersDir, name), v); err != nil {
		return fmt.Errorf("failed to save order %s: %w", orderID, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for symbol, f := range s.history {
		errs = append(errs, f.Close())
		delete(s.history, symbol)
	}
	return errors.Join(errs...)
}

// writeJSON writes through a temp file and a rename so readers never see a
// partial document.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
