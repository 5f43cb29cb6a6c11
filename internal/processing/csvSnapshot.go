package processing

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// ErrShortTable is returned when a snapshot file has no usable header, which
// is what a reader sees while the file is being replaced.
var ErrShortTable = errors.New("snapshot has no channel columns")

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// EncodeCSV writes the header (channels, TIME, SYSTEM_TIME) and one record per row.
func EncodeCSV(w io.Writer, table Table) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(table.Columns()); err != nil {
		return err
	}

	record := make([]string, len(table.Channels)+timestampColumnCount)
	for _, row := range table.Rows {
		for i, v := range row.Values {
			record[i] = formatValue(v)
		}
		record[len(row.Values)] = formatValue(row.DeviceTime)
		record[len(row.Values)+1] = formatValue(row.SystemTime)

		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// DecodeCSV parses a snapshot. The trailing two columns are always taken as
// the device and system timestamps whatever their header says, so files
// written by other tools still load.
func DecodeCSV(r io.Reader) (Table, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Table{}, ErrShortTable
	}
	if err != nil {
		return Table{}, fmt.Errorf("reading header: %w", err)
	}
	if len(header) <= timestampColumnCount {
		return Table{}, ErrShortTable
	}

	width := len(header) - timestampColumnCount
	channels := make([]string, width)
	copy(channels, header[:width])

	table := Table{Channels: channels}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// a half written trailing record lands here as a field count error
			return Table{}, fmt.Errorf("reading row %d: %w", len(table.Rows)+1, err)
		}

		values := make([]float64, len(record))
		for i, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return Table{}, fmt.Errorf("row %d column %d: %w", len(table.Rows)+1, i, err)
			}
			values[i] = v
		}

		table.Rows = append(table.Rows, Row{
			Values:     values[:width],
			DeviceTime: values[width],
			SystemTime: values[width+1],
		})
	}

	return table, nil
}

// WriteSnapshotFile replaces path with the full table. The table is written to
// a temporary file next to path and renamed over it, so readers see either the
// previous snapshot or the new one.
func WriteSnapshotFile(path string, table Table) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	writer := bufio.NewWriter(tmp)
	if err := EncodeCSV(writer, table); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flushing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}

	return nil
}

func ReadSnapshotFile(path string) (Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return Table{}, err
	}
	defer file.Close()

	table, err := DecodeCSV(bufio.NewReader(file))
	if err != nil {
		return Table{}, fmt.Errorf("decoding %s: %w", path, err)
	}

	return table, nil
}
