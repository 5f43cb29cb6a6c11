package config

import (
	"fmt"
	"strings"
	"time"

	"sleepywoodpecker/daqstream/internal/processing"
)

// Config is built once at startup and treated as read-only by every worker.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Run       RunConfig       `yaml:"run"`
	Backup    BackupConfig    `yaml:"backup"`
	Viewer    ViewerConfig    `yaml:"viewer"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

type DeviceConfig struct {
	Type       string `yaml:"type"`
	Connection string `yaml:"connection"`
	Identifier string `yaml:"identifier"`
	Port       string `yaml:"port"`
	BaudRate   int    `yaml:"baud_rate"`
	RawLogPath string `yaml:"raw_log_path"`
}

type RunConfig struct {
	Channels      []string      `yaml:"channels"`
	VoltageRanges []float64     `yaml:"voltage_ranges"`
	Duration      time.Duration `yaml:"duration"`
	Frequency     float64       `yaml:"frequency"`
	Resolution    int           `yaml:"resolution"`
	ScansPerRead  int           `yaml:"scans_per_read"`
	JoinGrace     time.Duration `yaml:"join_grace"`
}

type BackupConfig struct {
	Path       string           `yaml:"path"`
	FinalPath  string           `yaml:"final_path"`
	Interval   time.Duration    `yaml:"interval"`
	Discretize DiscretizeConfig `yaml:"discretize"`
}

type DiscretizeConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold float64  `yaml:"threshold"`
	Channels  []string `yaml:"channels"`
}

type ViewerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	PollInterval time.Duration `yaml:"poll_interval"`
	OpenBrowser  bool          `yaml:"open_browser"`
}

// TelemetryConfig points at a telegraf socket_listener taking influx lines over UDP.
type TelemetryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Interval    time.Duration `yaml:"interval"`
	Measurement string        `yaml:"measurement"`
}

type LogConfig struct {
	Path string `yaml:"path"`
}

const (
	ConnectionUSB       = "USB"
	ConnectionSerial    = "SERIAL"
	ConnectionSimulated = "SIMULATED"
)

const (
	DefaultDeviceType    = "T7"
	DefaultConnection    = ConnectionUSB
	DefaultBaudRate      = 460800
	DefaultFrequency     = 100
	DefaultResolution    = 1
	DefaultScansPerRead  = 1
	DefaultJoinGrace     = 5 * time.Second
	DefaultBackupPath    = "STREAMING_CSV.csv"
	DefaultFinalPath     = "STREAMING_CSV_final.csv"
	DefaultViewerAddr    = ":8080"
	DefaultPollInterval  = 2000 * time.Millisecond
	DefaultTelegrafAddr  = "127.0.0.1:4020"
	DefaultTelemetryRate = 100 * time.Millisecond
)

func NewConfig() *Config {
	return &Config{}
}

// Default returns a processed config with no channels; callers still have to
// provide channels and a duration before it validates.
func Default() *Config {
	cfg := NewConfig()
	cfg.Process()
	return cfg
}

// Process fills in defaults for everything left empty.
func (c *Config) Process() {
	if c.Device.Type == "" {
		c.Device.Type = DefaultDeviceType
	}
	if c.Device.Connection == "" {
		c.Device.Connection = DefaultConnection
	}
	c.Device.Connection = strings.ToUpper(c.Device.Connection)
	if c.Device.BaudRate == 0 {
		c.Device.BaudRate = DefaultBaudRate
	}

	if c.Run.Frequency == 0 {
		c.Run.Frequency = DefaultFrequency
	}
	if c.Run.Resolution == 0 {
		c.Run.Resolution = DefaultResolution
	}
	if c.Run.ScansPerRead == 0 {
		c.Run.ScansPerRead = DefaultScansPerRead
	}
	if c.Run.JoinGrace == 0 {
		c.Run.JoinGrace = DefaultJoinGrace
	}

	if c.Backup.Path == "" {
		c.Backup.Path = DefaultBackupPath
	}
	if c.Backup.FinalPath == "" {
		c.Backup.FinalPath = DefaultFinalPath
	}
	if c.Backup.Interval == 0 {
		c.Backup.Interval = processing.DefaultBackupInterval
	}
	if c.Backup.Discretize.Threshold == 0 {
		c.Backup.Discretize.Threshold = processing.DefaultThresholdLevel
	}

	if c.Viewer.Addr == "" {
		c.Viewer.Addr = DefaultViewerAddr
	}
	if c.Viewer.PollInterval == 0 {
		c.Viewer.PollInterval = DefaultPollInterval
	}

	if c.Telemetry.Addr == "" {
		c.Telemetry.Addr = DefaultTelegrafAddr
	}
	if c.Telemetry.Interval == 0 {
		c.Telemetry.Interval = DefaultTelemetryRate
	}
	if c.Telemetry.Measurement == "" {
		c.Telemetry.Measurement = processing.DefaultMeasurement
	}
}

// AnalogChannels returns the channels that take a voltage range, in order.
func (c *Config) AnalogChannels() []string {
	var analog []string
	for _, channel := range c.Run.Channels {
		if processing.IsAnalogChannel(channel) {
			analog = append(analog, channel)
		}
	}
	return analog
}

// Threshold returns the configured post-processing step, or nil when disabled.
func (c *Config) Threshold() *processing.Threshold {
	if !c.Backup.Discretize.Enabled {
		return nil
	}
	return &processing.Threshold{
		Level:    c.Backup.Discretize.Threshold,
		Channels: c.Backup.Discretize.Channels,
	}
}

func (c *Config) Validate() error {
	if len(c.Run.Channels) == 0 {
		return ErrNoChannels
	}

	seen := make(map[string]bool, len(c.Run.Channels))
	for i, channel := range c.Run.Channels {
		if strings.TrimSpace(channel) == "" {
			return fmt.Errorf("%w: channel[%d] is empty", ErrInvalidChannel, i)
		}
		if seen[channel] {
			return fmt.Errorf("%w: channel %q listed twice", ErrInvalidChannel, channel)
		}
		if channel == processing.DeviceTimeColumn || channel == processing.SystemTimeColumn {
			return fmt.Errorf("%w: channel %q collides with a timestamp column", ErrInvalidChannel, channel)
		}
		seen[channel] = true
	}

	analog := c.AnalogChannels()
	if len(analog) != len(c.Run.VoltageRanges) {
		return fmt.Errorf("%w: %d analog channels %v, %d voltage ranges",
			ErrRangeMismatch, len(analog), analog, len(c.Run.VoltageRanges))
	}
	for i, r := range c.Run.VoltageRanges {
		if r <= 0 {
			return fmt.Errorf("%w: voltage range for %s must be > 0, got %v", ErrRangeMismatch, analog[i], r)
		}
	}

	if c.Run.Duration <= 0 {
		return fmt.Errorf("%w: duration must be > 0, got %v", ErrInvalidRun, c.Run.Duration)
	}
	if c.Run.Frequency <= 0 {
		return fmt.Errorf("%w: frequency must be > 0, got %v", ErrInvalidRun, c.Run.Frequency)
	}
	if c.Run.ScansPerRead < 0 {
		return fmt.Errorf("%w: scans_per_read must be >= 0, got %d", ErrInvalidRun, c.Run.ScansPerRead)
	}
	if c.Run.JoinGrace < 0 {
		return fmt.Errorf("%w: join_grace must be >= 0, got %v", ErrInvalidRun, c.Run.JoinGrace)
	}

	if c.Backup.Interval <= 0 || c.Backup.Interval > processing.MaxBackupInterval {
		return fmt.Errorf("%w: interval must be in (0, %v], got %v",
			ErrInvalidBackup, processing.MaxBackupInterval, c.Backup.Interval)
	}
	if c.Backup.Path == "" || c.Backup.FinalPath == "" {
		return fmt.Errorf("%w: backup and final paths are required", ErrInvalidBackup)
	}
	if c.Backup.Path == c.Backup.FinalPath {
		return fmt.Errorf("%w: final path must differ from the rolling backup path %q", ErrInvalidBackup, c.Backup.Path)
	}

	switch c.Device.Connection {
	case ConnectionSimulated:
	case ConnectionUSB, ConnectionSerial:
		if c.Device.Port == "" {
			return fmt.Errorf("%w: port is required for %s connections", ErrInvalidDevice, c.Device.Connection)
		}
		if len(c.Run.Channels) > processing.NumReadingsPerPacket {
			return fmt.Errorf("%w: %d channels requested, device packets carry %d",
				ErrInvalidDevice, len(c.Run.Channels), processing.NumReadingsPerPacket)
		}
	default:
		return fmt.Errorf("%w: unknown connection type %q", ErrInvalidDevice, c.Device.Connection)
	}

	if c.Viewer.Enabled && c.Viewer.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be > 0", ErrInvalidViewer)
	}
	if c.Telemetry.Enabled && c.Telemetry.Interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidTelemetry)
	}

	return nil
}
