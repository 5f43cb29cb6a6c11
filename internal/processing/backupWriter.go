package processing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBackupInterval = time.Second
	MaxBackupInterval     = 60 * time.Second
)

type Snapshotter interface {
	Snapshot() (Table, error)
}

type BackupStats struct {
	Ticks        int
	Writes       int
	Skips        int
	Failures     int
	LastRowCount int
}

// BackupWriter periodically dumps the whole buffer to a CSV file, overwriting
// whatever was there. It never blocks the sampler; each tick works on
// whichever prefix of rows the buffer has committed at that instant.
type BackupWriter struct {
	interval  time.Duration
	threshold *Threshold
	logger    *zap.Logger

	statsMutex sync.Mutex
	stats      BackupStats
}

// threshold may be nil when no post-processing is configured.
func NewBackupWriter(interval time.Duration, threshold *Threshold, logger *zap.Logger) *BackupWriter {
	if interval <= 0 {
		interval = DefaultBackupInterval
	}
	if interval > MaxBackupInterval {
		interval = MaxBackupInterval
	}

	return &BackupWriter{
		interval:  interval,
		threshold: threshold,
		logger:    logger,
	}
}

func (b *BackupWriter) Interval() time.Duration {
	return b.interval
}

func (b *BackupWriter) Stats() BackupStats {
	b.statsMutex.Lock()
	defer b.statsMutex.Unlock()
	return b.stats
}

// Run ticks until duration has elapsed or ctx is cancelled. It does not write
// a final snapshot on exit, that is left to whoever owns the run.
func (b *BackupWriter) Run(ctx context.Context, buffer Snapshotter, destinationPath string, duration time.Duration) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	b.logger.Info("[backup] starting backup loop",
		zap.String("destination", destinationPath),
		zap.Duration("interval", b.interval),
		zap.Duration("duration", duration),
	)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("[backup] received shutdown signal", zap.String("destination", destinationPath))
			return nil
		case <-deadline.C:
			b.logger.Info("[backup] run duration elapsed", zap.String("destination", destinationPath))
			return nil
		case <-ticker.C:
			if _, err := b.Tick(buffer, destinationPath); err != nil {
				b.logger.Error("[backup] snapshot write failed", zap.Error(err), zap.String("destination", destinationPath))
			}
		}
	}
}

// Tick performs one backup cycle and reports whether the file was written.
// A buffer that has no readings yet is skipped, so a valid file from an
// earlier run is never replaced by an empty one.
func (b *BackupWriter) Tick(buffer Snapshotter, destinationPath string) (bool, error) {
	table, err := buffer.Snapshot()
	if err != nil {
		b.record(func(s *BackupStats) { s.Ticks++; s.Failures++ })
		return false, err
	}

	if !table.HasData() {
		b.record(func(s *BackupStats) { s.Ticks++; s.Skips++ })
		b.logger.Info("[backup] input not set up yet", zap.Int("columns", len(table.Columns())))
		return false, nil
	}

	if b.threshold != nil {
		table = b.threshold.Apply(table)
	}

	if err := WriteSnapshotFile(destinationPath, table); err != nil {
		b.record(func(s *BackupStats) { s.Ticks++; s.Failures++ })
		return false, err
	}

	rows := table.Len()
	b.record(func(s *BackupStats) {
		s.Ticks++
		s.Writes++
		s.LastRowCount = rows
	})
	b.logger.Info("[backup] updated snapshot", zap.String("destination", destinationPath), zap.Int("rows", rows))

	return true, nil
}

func (b *BackupWriter) record(update func(*BackupStats)) {
	b.statsMutex.Lock()
	defer b.statsMutex.Unlock()
	update(&b.stats)
}
