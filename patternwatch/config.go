package patternwatch

import (
	"github.com/hazyhaar/phl/patternwatch/internal/config"
)

// Config is the top-level patternwatch configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// PageConfig defines a document to run detection on.
type PageConfig = config.PageConfig

// EngineConfig tunes the detection engine of every page.
type EngineConfig = config.EngineConfig

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes a YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}
