package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// BarRecord is the on-disk schema of one cached daily bar.
type BarRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// ParquetCache is a read-through cache in front of another Provider. Bars
// are stored per symbol and calendar year at <dir>/<SYMBOL>/<YYYY>.parquet.
// Only finished years are written, so a cached file never goes stale.
type ParquetCache struct {
	dir      string
	upstream Provider
	now      func() time.Time
	logger   *zap.Logger
}

var _ Provider = (*ParquetCache)(nil)

// NewParquetCache wraps upstream with a cache rooted at dir.
func NewParquetCache(dir string, upstream Provider, logger *zap.Logger) *ParquetCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParquetCache{
		dir:      dir,
		upstream: upstream,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "bar_cache")),
	}
}

// DailyBars implements Provider. When every year of the range is on disk
// the upstream is not called.
func (c *ParquetCache) DailyBars(ctx context.Context, symbol string, start, end time.Time) (domain.PriceSeries, error) {
	symbol = strings.ToUpper(symbol)

	if bars, ok := c.readRange(symbol, start, end); ok {
		c.logger.Debug("Cache hit", zap.String("symbol", symbol))
		return domain.PriceSeries{Symbol: symbol, Bars: clip(bars, start, end)}, nil
	}

	// Fetch whole years so they can be cached as complete files.
	fetchStart := time.Date(start.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	fetchEnd := time.Date(end.Year(), 12, 31, 0, 0, 0, 0, time.UTC)
	series, err := c.upstream.DailyBars(ctx, symbol, fetchStart, fetchEnd)
	if err != nil {
		return domain.PriceSeries{}, err
	}

	if err := c.writeYears(symbol, series.Bars); err != nil {
		c.logger.Warn("Failed to write bar cache", zap.String("symbol", symbol), zap.Error(err))
	}
	return domain.PriceSeries{Symbol: symbol, Bars: clip(series.Bars, start, end)}, nil
}

func (c *ParquetCache) readRange(symbol string, start, end time.Time) ([]domain.Bar, bool) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := parquet.ReadFile[BarRecord](c.path(symbol, year))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				c.logger.Warn("Unreadable cache file", zap.String("symbol", symbol), zap.Int("year", year), zap.Error(err))
			}
			return nil, false
		}
		for _, r := range records {
			bars = append(bars, domain.Bar{
				Date:   time.UnixMilli(r.Timestamp).UTC(),
				Open:   r.Open,
				High:   r.High,
				Low:    r.Low,
				Close:  r.Close,
				Volume: r.Volume,
			})
		}
	}
	return bars, true
}

func (c *ParquetCache) writeYears(symbol string, bars []domain.Bar) error {
	current := c.now().Year()
	byYear := make(map[int][]BarRecord)
	for _, b := range bars {
		y := b.Date.Year()
		if y >= current {
			continue
		}
		byYear[y] = append(byYear[y], BarRecord{
			Timestamp: day(b.Date).UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for y, records := range byYear {
		path := c.path(symbol, y)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		// Write to a temp file first so readers never see a partial year.
		tmp := path + ".tmp"
		if err := parquet.WriteFile(tmp, records); err != nil {
			return fmt.Errorf("write %s/%d: %w", symbol, y, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return err
		}
	}
	return nil
}

func (c *ParquetCache) path(symbol string, year int) string {
	return filepath.Join(c.dir, symbol, strconv.Itoa(year)+".parquet")
}
