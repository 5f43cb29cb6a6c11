package processing

import "strings"

const (
	DeviceTimeColumn = "TIME"
	SystemTimeColumn = "SYSTEM_TIME"

	// every table ends with the device time and system time columns
	timestampColumnCount = 2
)

// Row is one timestamped scan across all configured channels.
// DeviceTime is in seconds on the device clock, SystemTime is in seconds
// since collection started on the host clock.
type Row struct {
	Values     []float64
	DeviceTime float64
	SystemTime float64
}

// NewRow copies values so the caller can reuse its scan buffer.
func NewRow(values []float64, deviceTime, systemTime float64) Row {
	owned := make([]float64, len(values))
	copy(owned, values)

	return Row{
		Values:     owned,
		DeviceTime: deviceTime,
		SystemTime: systemTime,
	}
}

// Table is a read-only view of the rows collected so far.
type Table struct {
	Channels []string
	Rows     []Row
}

func (t Table) Columns() []string {
	columns := make([]string, 0, len(t.Channels)+timestampColumnCount)
	columns = append(columns, t.Channels...)
	return append(columns, DeviceTimeColumn, SystemTimeColumn)
}

func (t Table) Len() int {
	return len(t.Rows)
}

// HasData reports whether real readings have started arriving, i.e. the
// table carries more than the timestamp columns and at least one row.
func (t Table) HasData() bool {
	return len(t.Channels) > 0 && len(t.Rows) > 0
}

// Column returns the values of a channel or timestamp column by name.
func (t Table) Column(name string) ([]float64, bool) {
	switch name {
	case DeviceTimeColumn:
		out := make([]float64, len(t.Rows))
		for i, row := range t.Rows {
			out[i] = row.DeviceTime
		}
		return out, true
	case SystemTimeColumn:
		out := make([]float64, len(t.Rows))
		for i, row := range t.Rows {
			out[i] = row.SystemTime
		}
		return out, true
	}

	for idx, channel := range t.Channels {
		if channel != name {
			continue
		}
		out := make([]float64, len(t.Rows))
		for i, row := range t.Rows {
			out[i] = row.Values[idx]
		}
		return out, true
	}

	return nil, false
}

// Clone deep copies the table so post-processing never touches rows that
// are still shared with the buffer.
func (t Table) Clone() Table {
	channels := make([]string, len(t.Channels))
	copy(channels, t.Channels)

	rows := make([]Row, len(t.Rows))
	for i, row := range t.Rows {
		rows[i] = NewRow(row.Values, row.DeviceTime, row.SystemTime)
	}

	return Table{Channels: channels, Rows: rows}
}

// IsAnalogChannel reports whether a channel id names an analog input (AIN0, AIN1, ...).
func IsAnalogChannel(name string) bool {
	return strings.HasPrefix(strings.ToUpper(name), "AIN")
}
