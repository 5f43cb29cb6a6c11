package viewer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/daqstream/internal/processing"
)

const DefaultPollInterval = 2000 * time.Millisecond

// Series is one data column plotted against SYSTEM_TIME.
type Series struct {
	Name string    `json:"name"`
	X    []float64 `json:"x"`
	Y    []float64 `json:"y"`
}

// Renderer receives the full set of series on every update and replaces
// whatever it showed before.
type Renderer interface {
	Update(ctx context.Context, series []Series) error
}

type TickResult int

const (
	TickUpdated TickResult = iota
	TickSkipped
)

// LiveViewer polls the snapshot file and redraws every data column. It only
// ever reads the file, never the in-memory buffer.
type LiveViewer struct {
	path     string
	interval time.Duration
	renderer Renderer
	logger   *zap.Logger
}

func NewLiveViewer(path string, interval time.Duration, renderer Renderer, logger *zap.Logger) *LiveViewer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &LiveViewer{
		path:     path,
		interval: interval,
		renderer: renderer,
		logger:   logger,
	}
}

func (v *LiveViewer) Interval() time.Duration {
	return v.interval
}

// Run polls once immediately and then every interval until ctx is done.
func (v *LiveViewer) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	v.logger.Info("[viewer] watching snapshot file",
		zap.String("path", v.path),
		zap.Duration("interval", v.interval),
	)

	v.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			v.logger.Info("[viewer] received shutdown signal")
			return nil
		case <-ticker.C:
			v.Tick(ctx)
		}
	}
}

// Tick does one poll. Any failure skips the tick; the next one retries.
func (v *LiveViewer) Tick(ctx context.Context) (result TickResult) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("[viewer] recovered from panic", zap.Any("panic", r))
			result = TickSkipped
		}
	}()

	table, err := processing.ReadSnapshotFile(v.path)
	if err != nil {
		v.logger.Debug("[viewer] snapshot not readable, skipping", zap.String("path", v.path), zap.Error(err))
		return TickSkipped
	}

	series, err := SeriesFromTable(table)
	if err != nil {
		v.logger.Debug("[viewer] snapshot has no data yet, skipping", zap.String("path", v.path), zap.Error(err))
		return TickSkipped
	}

	if err := v.renderer.Update(ctx, series); err != nil {
		v.logger.Warn("[viewer] renderer update failed", zap.Error(err))
		return TickSkipped
	}

	return TickUpdated
}

// SeriesFromTable builds one series per data column with SYSTEM_TIME as x.
func SeriesFromTable(table processing.Table) ([]Series, error) {
	if !table.HasData() {
		return nil, fmt.Errorf("table has %d columns and %d rows", len(table.Columns()), table.Len())
	}

	x, _ := table.Column(processing.SystemTimeColumn)

	series := make([]Series, len(table.Channels))
	for idx, channel := range table.Channels {
		y, _ := table.Column(channel)
		series[idx] = Series{Name: channel, X: x, Y: y}
	}

	return series, nil
}
