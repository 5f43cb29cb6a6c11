package processing

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

const DEFAULT_QUEUE_SIZE = 20

const NumReadingsPerPacket = 8

// devices report a reading they had to drop with this value
const SkippedSampleMarker = -9999.0

type DataPacket struct {
	PacketNumber uint32
	Timestamp    uint32 // microseconds on the device clock
	RawReadings  [NumReadingsPerPacket]float32
}

var PacketSize = binary.Size(DataPacket{})
var StopSequence = []byte{'\r', '\n'}

// FrameSize is a packet plus its stop sequence as it arrives on the wire.
var FrameSize = PacketSize + len(StopSequence)

// Processor turns raw packets from the serial reader into rows and commits them to the buffer.
type Processor struct {
	RawLogFile   string
	MessageQueue <-chan []byte
	logger       *zap.Logger
	writer       *RowWriter
	channelCount int
	onRow        func(Row)
	start        time.Time

	skippedSamples int
}

func NewProcessor(rawLogFile string, messageQueue <-chan []byte, writer *RowWriter, channelCount int, onRow func(Row), logger *zap.Logger) *Processor {
	return &Processor{
		RawLogFile:   rawLogFile,
		MessageQueue: messageQueue,
		logger:       logger,
		writer:       writer,
		channelCount: channelCount,
		onRow:        onRow,
	}
}

func (p *Processor) SkippedSamples() int {
	return p.skippedSamples
}

// Run drains the message queue until it is closed or ctx is done.
// Only a closed buffer is fatal; undecodable packets are logged and dropped.
func (p *Processor) Run(ctx context.Context) error {
	var rawLog io.Writer = io.Discard
	if p.RawLogFile != "" {
		file, err := os.OpenFile(p.RawLogFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("[processor] opening raw log %s: %w", p.RawLogFile, err)
		}
		defer file.Close()

		buffered := bufio.NewWriter(file)
		defer buffered.Flush()
		rawLog = buffered
	}

	p.start = time.Now()

	for {
		select {
		case packet, ok := <-p.MessageQueue:
			if !ok {
				p.logger.Info("[processor] message queue closed", zap.Int("skippedSamples", p.skippedSamples))
				return nil
			}

			row, err := p.ProcessPacket(packet, rawLog)
			if err != nil {
				p.logger.Warn(
					"[processor] error decoding byte packet",
					zap.Error(err),
					zap.Int("packetLength", len(packet)),
					zap.ByteString("rawBytes", packet),
				)
				continue
			}

			if err := p.writer.Append(row); err != nil {
				return fmt.Errorf("[processor] committing row: %w", err)
			}
			if p.onRow != nil {
				p.onRow(row)
			}
		case <-ctx.Done():
			p.logger.Info("[processor] received shutdown signal", zap.Int("skippedSamples", p.skippedSamples))
			return nil
		}
	}
}

// ProcessPacket decodes one packet into a row holding the first channelCount readings.
func (p *Processor) ProcessPacket(packet []byte, outStream io.Writer) (Row, error) {
	if len(packet) < PacketSize {
		return Row{}, fmt.Errorf("packet is %d bytes, need %d", len(packet), PacketSize)
	}
	if p.channelCount > NumReadingsPerPacket {
		return Row{}, fmt.Errorf("%d channels configured, packets carry %d", p.channelCount, NumReadingsPerPacket)
	}

	var decodedStruct DataPacket
	if err := binary.Read(bytes.NewReader(packet[:PacketSize]), binary.LittleEndian, &decodedStruct); err != nil {
		return Row{}, err
	}

	values := make([]float64, p.channelCount)
	for i := range values {
		values[i] = float64(decodedStruct.RawReadings[i])
		if values[i] == SkippedSampleMarker {
			p.skippedSamples++
		}
	}

	if p.start.IsZero() {
		p.start = time.Now()
	}
	deviceTime := float64(decodedStruct.Timestamp) / 1e6
	systemTime := time.Since(p.start).Seconds()

	// raw log keeps every reading of the packet, not just the configured channels
	fmt.Fprintf(outStream, "%d,%d,%.2f,%.2f,%.2f,%.2f,%.2f,%.2f,%.2f,%.2f\n",
		decodedStruct.PacketNumber,
		decodedStruct.Timestamp,
		decodedStruct.RawReadings[0],
		decodedStruct.RawReadings[1],
		decodedStruct.RawReadings[2],
		decodedStruct.RawReadings[3],
		decodedStruct.RawReadings[4],
		decodedStruct.RawReadings[5],
		decodedStruct.RawReadings[6],
		decodedStruct.RawReadings[7],
	)

	return Row{Values: values, DeviceTime: deviceTime, SystemTime: systemTime}, nil
}
