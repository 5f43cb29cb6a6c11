package config

import (
	"errors"
	"fmt"
)

var (
	ErrNoChannels       = errors.New("no channels configured")
	ErrInvalidChannel   = errors.New("invalid channel")
	ErrRangeMismatch    = errors.New("analog channels and voltage ranges do not match")
	ErrInvalidRun       = errors.New("invalid run settings")
	ErrInvalidBackup    = errors.New("invalid backup settings")
	ErrInvalidDevice    = errors.New("invalid device settings")
	ErrInvalidViewer    = errors.New("invalid viewer settings")
	ErrInvalidTelemetry = errors.New("invalid telemetry settings")
)

func NewReadError(configPath string, err error) error {
	return fmt.Errorf("failed to read config file %q: %w", configPath, err)
}

func NewParseError(configPath string, err error) error {
	return fmt.Errorf("failed to parse config file %q: %w", configPath, err)
}
