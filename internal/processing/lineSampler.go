package processing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultMeasurement = "daqvals"

// Tailer serves the newest rows of a buffer.
type Tailer interface {
	Last(n int) (Table, error)
}

// LineSampler periodically sends the newest row of the buffer as an influx
// line to a telegraf socket listener.
type LineSampler struct {
	samplingInterval time.Duration
	conn             io.Writer
	measurement      string
	logger           *zap.Logger
}

func NewLineSampler(samplingInterval time.Duration, conn io.Writer, measurement string, logger *zap.Logger) *LineSampler {
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	return &LineSampler{
		samplingInterval: samplingInterval,
		conn:             conn,
		measurement:      measurement,
		logger:           logger,
	}
}

func (s *LineSampler) Run(ctx context.Context, buffer Tailer) error {
	ticker := time.NewTicker(s.samplingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			table, err := buffer.Last(1)
			var rangeErr *RowRangeError
			switch {
			case errors.As(err, &rangeErr):
				// nothing committed yet
				continue
			case err != nil:
				s.logger.Info("[sampler] buffer closed, stopping", zap.Error(err))
				return nil
			}
			if _, err := s.SampleAndSend(table, time.Now()); err != nil {
				s.logger.Warn("[sampler] error writing data to UDP connection", zap.Error(err))
			}
		}
	}
}

// SampleAndSend writes the last row of table. It reports false when the
// table has no rows yet.
func (s *LineSampler) SampleAndSend(table Table, now time.Time) (bool, error) {
	if !table.HasData() {
		return false, nil
	}

	line := FormatLine(s.measurement, table.Channels, table.Rows[len(table.Rows)-1], now)
	if err := s.send(line); err != nil {
		return false, err
	}

	s.logger.Debug("[sampler] collected sample", zap.String("influxString", line))
	return true, nil
}

// FormatLine renders one row in influx line protocol.
func FormatLine(measurement string, channels []string, row Row, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(measurement)
	sb.WriteByte(' ')
	for idx, channel := range channels {
		if idx > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%.4f", strings.ToLower(channel), row.Values[idx])
	}
	fmt.Fprintf(&sb, ",device_time=%.6f %d\n", row.DeviceTime, now.UnixNano())
	return sb.String()
}

func (s *LineSampler) send(line string) error {
	data := []byte(line)
	totalWritten := 0
	for totalWritten < len(data) {
		n, err := s.conn.Write(data[totalWritten:])
		if err != nil {
			return err
		}
		totalWritten += n
	}
	return nil
}
