package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Loader struct {
	configPath string
}

const DefaultConfigPath = "daqstream.yaml"

func NewLoader(configPath string) *Loader {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	return &Loader{configPath: configPath}
}

// Load reads and processes the file. Validation is left to the caller so that
// command line overrides can be applied first.
func (l *Loader) Load() (*Config, error) {
	c, err := os.ReadFile(l.configPath)
	if err != nil {
		return nil, NewReadError(l.configPath, err)
	}

	cfg := NewConfig()
	if err := yaml.Unmarshal(c, cfg); err != nil {
		return nil, NewParseError(l.configPath, err)
	}
	cfg.Process()

	return cfg, nil
}
