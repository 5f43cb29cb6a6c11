package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"sleepywoodpecker/daqstream/internal/processing"
	rserial "sleepywoodpecker/daqstream/internal/rSerial"
)

var ErrDeviceDisconnected = errors.New("[device] device disconnected before the run ended")

// PortOpener opens the named serial port.
type PortOpener func(portName string, baudRate int) (serial.Port, error)

func openSerialPort(portName string, baudRate int) (serial.Port, error) {
	return serial.Open(portName, &serial.Mode{BaudRate: baudRate})
}

// SerialSampler reads fixed size packets from a board streaming over a USB
// serial port. The board decides its own sample rate.
type SerialSampler struct {
	portName   string
	baudRate   int
	rawLogPath string
	logger     *zap.Logger

	// OpenPort, if set before Collect, replaces the system serial port.
	OpenPort PortOpener

	portMutex sync.Mutex
	port      *rserial.RSerial
	closed    bool
}

func NewSerialSampler(portName string, baudRate int, rawLogPath string, logger *zap.Logger) *SerialSampler {
	return &SerialSampler{
		portName:   portName,
		baudRate:   baudRate,
		rawLogPath: rawLogPath,
		logger:     logger,
		OpenPort:   openSerialPort,
	}
}

func (s *SerialSampler) Collect(ctx context.Context, writer *processing.RowWriter, opts CollectOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if len(opts.Channels) > processing.NumReadingsPerPacket {
		return fmt.Errorf("[device] %d channels requested, packets carry %d", len(opts.Channels), processing.NumReadingsPerPacket)
	}

	messageQueue := make(chan []byte, processing.DEFAULT_QUEUE_SIZE)

	s.portMutex.Lock()
	if s.closed {
		s.portMutex.Unlock()
		return ErrSamplerClosed
	}
	rawPort, err := s.OpenPort(s.portName, s.baudRate)
	if err != nil {
		s.portMutex.Unlock()
		return fmt.Errorf("[device] opening serial port %s: %w", s.portName, err)
	}
	port := rserial.NewRSerial(rawPort, s.portName, messageQueue, s.logger, processing.FrameSize, processing.StopSequence)
	s.port = port
	s.portMutex.Unlock()

	s.logger.Info("[device] collecting from serial port",
		zap.String("portName", s.portName),
		zap.Strings("channels", opts.Channels),
		zap.Duration("duration", opts.Duration),
	)

	ctx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	readerErr := make(chan error, 1)
	go func() {
		readerErr <- port.Run(ctx)
	}()

	processor := processing.NewProcessor(s.rawLogPath, messageQueue, writer, len(opts.Channels), opts.OnRow, s.logger)
	err = processor.Run(ctx)
	// the queue only closes early when the reader gave up on the port
	endedEarly := ctx.Err() == nil

	cancel()
	portErr := <-readerErr

	if skipped := processor.SkippedSamples(); skipped > 0 {
		s.logger.Warn("[device] device reported skipped samples", zap.Int("skippedSamples", skipped))
	}

	if err != nil {
		return err
	}
	if portErr != nil {
		return fmt.Errorf("%w: %w", ErrDeviceDisconnected, portErr)
	}
	if endedEarly {
		return ErrDeviceDisconnected
	}
	return nil
}

func (s *SerialSampler) Close() error {
	s.portMutex.Lock()
	defer s.portMutex.Unlock()

	s.closed = true
	if s.port == nil {
		return nil
	}

	err := s.port.Close()
	s.port = nil
	return err
}
