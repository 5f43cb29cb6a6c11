package device

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/daqstream/internal/processing"
)

const (
	simulatedSignalHz  = 0.5
	simulatedAmplitude = 0.8
	simulatedDigitalHz = 0.25

	// resolution index 1 gives a 12 bit converter, each step adds a bit
	simulatedBaseBits = 11
)

// SimulatedSampler stands in for a device with no hardware attached. Analog
// channels carry a sine inside their voltage range, digital channels a 0/1
// square wave.
type SimulatedSampler struct {
	// ReadyDelay is how long the device takes before the first scan.
	ReadyDelay time.Duration

	logger *zap.Logger
	closed atomic.Bool
}

func NewSimulatedSampler(readyDelay time.Duration, logger *zap.Logger) *SimulatedSampler {
	return &SimulatedSampler{ReadyDelay: readyDelay, logger: logger}
}

func (s *SimulatedSampler) Collect(ctx context.Context, writer *processing.RowWriter, opts CollectOptions) error {
	if s.closed.Load() {
		return ErrSamplerClosed
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	start := time.Now()
	ctx, cancel := context.WithDeadline(ctx, start.Add(opts.Duration))
	defer cancel()

	if s.ReadyDelay > 0 {
		s.logger.Info("[device] waiting for simulated device", zap.Duration("readyDelay", s.ReadyDelay))
		select {
		case <-time.After(s.ReadyDelay):
		case <-ctx.Done():
			return nil
		}
	}

	scansPerRead := opts.ScansPerRead
	if scansPerRead < 1 {
		scansPerRead = 1
	}

	period := time.Duration(float64(time.Second) / opts.Frequency)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	s.logger.Info("[device] simulated collection started",
		zap.Strings("channels", opts.Channels),
		zap.Float64("frequency", opts.Frequency),
		zap.Duration("duration", opts.Duration),
	)

	batch := make([]processing.Row, 0, scansPerRead)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := writer.Append(batch...); err != nil {
			return err
		}
		if opts.OnRow != nil {
			for _, row := range batch {
				opts.OnRow(row)
			}
		}
		batch = batch[:0]
		return nil
	}

	scan := 0
	for {
		select {
		case <-ctx.Done():
			return flush()
		case <-ticker.C:
			if s.closed.Load() {
				return ErrSamplerClosed
			}
			scan++
			deviceTime := float64(scan) / opts.Frequency
			systemTime := time.Since(start).Seconds()
			batch = append(batch, s.scanRow(opts, deviceTime, systemTime))
			if len(batch) == scansPerRead {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

func (s *SimulatedSampler) scanRow(opts CollectOptions, deviceTime, systemTime float64) processing.Row {
	values := make([]float64, len(opts.Channels))
	for i, channel := range opts.Channels {
		if processing.IsAnalogChannel(channel) {
			phase := float64(i) * math.Pi / 4
			voltageRange := opts.rangeFor(i)
			v := simulatedAmplitude * voltageRange * math.Sin(2*math.Pi*simulatedSignalHz*deviceTime+phase)
			values[i] = quantize(v, voltageRange, opts.Resolution)
			continue
		}
		if math.Mod(deviceTime*simulatedDigitalHz*2, 2) >= 1 {
			values[i] = 1
		}
	}
	return processing.Row{Values: values, DeviceTime: deviceTime, SystemTime: systemTime}
}

// quantize rounds v to the step of a converter spanning +/- voltageRange.
// A resolution below 1 leaves v as it is.
func quantize(v, voltageRange float64, resolution int) float64 {
	if resolution < 1 || voltageRange <= 0 {
		return v
	}
	bits := simulatedBaseBits + min(resolution, 12)
	step := 2 * voltageRange / float64(uint64(1)<<bits)
	return math.Round(v/step) * step
}

func (s *SimulatedSampler) Close() error {
	s.closed.Store(true)
	return nil
}
