// r in rserial stands for "robust"
package rserial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const readTimeout = 5 * time.Millisecond

var ErrPortLost = errors.New("[rserial] serial port lost")

type RSerial struct {
	serial.Port
	MessageQueue  chan<- []byte // closed when Run returns
	tempBuff      []byte
	logger        *zap.Logger
	portName      string
	stopSequence  []byte
	rawPacketSize int
}

type OutOfSyncError struct {
	ByteSequence []byte
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("[rserial] incorrect stop sequence detected: %v", e.ByteSequence)
}

func NewRSerial(port serial.Port, portName string, messageQueue chan<- []byte, logger *zap.Logger, rawPacketSize int, stopSequence []byte) *RSerial {
	return &RSerial{
		Port:          port,
		MessageQueue:  messageQueue,
		tempBuff:      make([]byte, rawPacketSize),
		logger:        logger,
		portName:      portName,
		stopSequence:  stopSequence,
		rawPacketSize: rawPacketSize,
	}
}

func (r *RSerial) initialize(ctx context.Context) error {
	if err := r.SetReadTimeout(readTimeout); err != nil {
		return err
	}
	if err := r.ResetInputBuffer(); err != nil {
		return err
	}
	return r.sync(ctx)
}

// Run reads packets until ctx is done, then closes the message queue. It
// returns nil once ctx is done and ErrPortLost when the port failed to
// initialize or went away while ctx was still live.
func (r *RSerial) Run(ctx context.Context) error {
	defer close(r.MessageQueue)

	if err := r.initialize(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("[rserial] failed to initialize serial port", zap.Error(err), zap.String("portName", r.portName))
		return fmt.Errorf("%w: initializing %s: %v", ErrPortLost, r.portName, err)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("[rserial] exiting from rserial read loop", zap.String("portName", r.portName))
			return nil
		default:
			err := r.ReadPacket(ctx)
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if isClosed(err) {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn("[rserial] serial port closed", zap.Error(err), zap.String("portName", r.portName))
				return fmt.Errorf("%w: %s: %v", ErrPortLost, r.portName, err)
			}

			var oosError *OutOfSyncError
			if errors.As(err, &oosError) {
				r.logger.Warn("[rserial] error while attempting to read packet from serial", zap.Error(err), zap.String("portName", r.portName), zap.ByteString("payload", oosError.ByteSequence))
				if err := r.sync(ctx); err != nil {
					r.logger.Warn("[rserial] resync aborted", zap.Error(err), zap.String("portName", r.portName))
					if isClosed(err) && ctx.Err() == nil {
						return fmt.Errorf("%w: resyncing %s: %v", ErrPortLost, r.portName, err)
					}
				}
			} else {
				r.logger.Warn("[rserial] error while attempting to read packet from serial", zap.Error(err), zap.String("portName", r.portName))
			}
		}
	}
}

// ReadPacket reads one frame and hands a copy of it to the message queue.
func (r *RSerial) ReadPacket(ctx context.Context) error {
	count := 0
	for count < r.rawPacketSize {
		n, err := r.Read(r.tempBuff[count:])
		if err != nil {
			return err
		}
		if n == 0 {
			// read timed out, give cancellation a chance
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		count += n
	}

	packet := make([]byte, r.rawPacketSize)
	copy(packet, r.tempBuff)

	// validate that the packet is valid by checking the last characters of the packet
	if !bytes.Equal(packet[r.rawPacketSize-len(r.stopSequence):], r.stopSequence) {
		return &OutOfSyncError{
			ByteSequence: packet,
		}
	}

	select {
	case r.MessageQueue <- packet:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosed(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var portErr *serial.PortError
	return errors.As(err, &portErr) && portErr.Code() == serial.PortClosed
}

// sync discards bytes up to and including the next stop sequence terminator.
func (r *RSerial) sync(ctx context.Context) error {
	r.logger.Warn("[rserial] resyncing serial port", zap.String("portName", r.portName))
	onebyte := make([]byte, 1)
	last := r.stopSequence[len(r.stopSequence)-1]

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(onebyte)
		if err != nil {
			r.logger.Warn("[rserial] error while resyncing serial port", zap.Error(err), zap.String("portName", r.portName))
			return err
		}
		if n == 1 && onebyte[0] == last {
			return nil
		}
	}
}
