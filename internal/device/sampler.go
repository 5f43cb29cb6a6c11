// Package device holds the Sampler contract and the devices that satisfy it.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/daqstream/internal/config"
	"sleepywoodpecker/daqstream/internal/processing"
)

var ErrSamplerClosed = errors.New("sampler is closed")

// Sampler drives the hardware and appends rows to the buffer until
// Duration elapses or ctx is cancelled. A device that is not ready yet simply
// produces no rows. Connection failures are returned, never retried.
type Sampler interface {
	Collect(ctx context.Context, writer *processing.RowWriter, opts CollectOptions) error
	Close() error
}

type CollectOptions struct {
	Channels      []string
	VoltageRanges []float64
	Duration      time.Duration
	Frequency     float64
	Resolution    int
	ScansPerRead  int

	// OnRow runs synchronously after each row is committed.
	OnRow func(processing.Row)
}

func OptionsFromConfig(cfg *config.Config) CollectOptions {
	return CollectOptions{
		Channels:      cfg.Run.Channels,
		VoltageRanges: cfg.Run.VoltageRanges,
		Duration:      cfg.Run.Duration,
		Frequency:     cfg.Run.Frequency,
		Resolution:    cfg.Run.Resolution,
		ScansPerRead:  cfg.Run.ScansPerRead,
	}
}

func (o CollectOptions) Validate() error {
	if len(o.Channels) == 0 {
		return errors.New("no channels to collect")
	}
	if o.Duration <= 0 {
		return fmt.Errorf("duration must be > 0, got %v", o.Duration)
	}
	if o.Frequency <= 0 {
		return fmt.Errorf("frequency must be > 0, got %v", o.Frequency)
	}
	return nil
}

// rangeFor returns the voltage range of an analog channel, ranges line up
// with the analog channels only.
func (o CollectOptions) rangeFor(channelIdx int) float64 {
	analogIdx := 0
	for i := 0; i < channelIdx; i++ {
		if processing.IsAnalogChannel(o.Channels[i]) {
			analogIdx++
		}
	}
	if analogIdx < len(o.VoltageRanges) {
		return o.VoltageRanges[analogIdx]
	}
	return 0
}

// Open picks the sampler for the configured connection type.
func Open(cfg *config.Config, logger *zap.Logger) (Sampler, error) {
	logger.Info("[device] opening device",
		zap.String("type", cfg.Device.Type),
		zap.String("connection", cfg.Device.Connection),
		zap.String("identifier", cfg.Device.Identifier),
	)
	logger = logger.With(zap.String("identifier", cfg.Device.Identifier))

	switch cfg.Device.Connection {
	case config.ConnectionSimulated:
		return NewSimulatedSampler(0, logger), nil
	case config.ConnectionUSB, config.ConnectionSerial:
		if cfg.Device.Port == "" {
			return nil, fmt.Errorf("[device] no port configured for %s device %s", cfg.Device.Connection, cfg.Device.Type)
		}
		return NewSerialSampler(cfg.Device.Port, cfg.Device.BaudRate, cfg.Device.RawLogPath, logger), nil
	default:
		return nil, fmt.Errorf("[device] unsupported connection type %q", cfg.Device.Connection)
	}
}
