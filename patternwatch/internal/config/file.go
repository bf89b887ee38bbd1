// CLAUDE:SUMMARY Defines patternwatch config structs and parses YAML configuration files with defaults.
// Package config handles patternwatch configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by LoadFile and Parse.
const (
	DefaultDelay     = 1536 * time.Millisecond
	DefaultSettle    = 2 * time.Second
	DefaultHighlight = 5 * time.Second
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the top-level patternwatch configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser"`
	Pages   []PageConfig  `yaml:"pages"`
	// PagesDB, when set, names an SQLite file whose watch_pages table
	// supplies pages in addition to Pages, reloaded on change.
	PagesDB string       `yaml:"pages_db"`
	Engine  EngineConfig `yaml:"engine"`
	Sinks   []SinkConfig `yaml:"sinks"`
	HTTP    HTTPConfig   `yaml:"http"`
	MCP     MCPConfig    `yaml:"mcp"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string   `yaml:"remote"`
	ResourceBlocking []string `yaml:"resource_blocking"`
	Stealth          string   `yaml:"stealth"` // plain | headless | headful
	XvfbDisplay      string   `yaml:"xvfb_display"`
	// Width and Height fix the tab viewport; visibility depends on it.
	Width  int `yaml:"viewport_width"`
	Height int `yaml:"viewport_height"`
}

// PageConfig defines a document to run detection on. Exactly one of URL
// (a Chrome tab) or File (an HTML file reloaded on change) is set.
type PageConfig struct {
	ID      string `yaml:"id"`
	URL     string `yaml:"url"`
	File    string `yaml:"file"`
	Enabled *bool  `yaml:"enabled"`
	Stealth string `yaml:"stealth"`
}

// IsEnabled reports whether detection runs on the page. Default true.
func (p PageConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// EngineConfig tunes the detection engine of every page.
type EngineConfig struct {
	Delay            time.Duration `yaml:"delay"`
	Settle           time.Duration `yaml:"settle"`
	Highlight        time.Duration `yaml:"highlight"`
	Blacklist        []string      `yaml:"blacklist"`
	ClassPrefix      string        `yaml:"class_prefix"`
	DisabledPatterns []string      `yaml:"disabled_patterns"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | webhook | sqlite | websocket
	URL  string `yaml:"url"`  // webhook
	Path string `yaml:"path"` // sqlite
	Keep int    `yaml:"keep"` // sqlite: runs kept per page, 0 = all
	// ChangesOnly drops reports whose results equal the page's previous
	// report. stdout and webhook only.
	ChangesOnly bool `yaml:"changes_only"`
	Retries     *int `yaml:"retries"` // webhook, default 3
}

// HTTPConfig enables the HTTP API.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// MCPConfig enables the MCP tools on the HTTP API.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Engine.Delay <= 0 {
		c.Engine.Delay = DefaultDelay
	}
	if c.Engine.Settle <= 0 {
		c.Engine.Settle = DefaultSettle
	}
	if c.Engine.Highlight <= 0 {
		c.Engine.Highlight = DefaultHighlight
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	if c.MCP.Enabled && c.MCP.Path == "" {
		c.MCP.Path = "/mcp"
	}
	for i := range c.Pages {
		if c.Pages[i].Stealth == "" {
			c.Pages[i].Stealth = c.Browser.Stealth
		}
	}
}

// Validate checks page and sink definitions.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Pages))
	for i, p := range c.Pages {
		if p.ID == "" {
			return fmt.Errorf("%w: pages[%d]: missing id", ErrInvalid, i)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: pages[%d]: duplicate id %q", ErrInvalid, i, p.ID)
		}
		seen[p.ID] = true
		if (p.URL == "") == (p.File == "") {
			return fmt.Errorf("%w: page %q: set exactly one of url or file", ErrInvalid, p.ID)
		}
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout", "websocket":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("%w: sinks[%d]: webhook needs url", ErrInvalid, i)
			}
		case "sqlite":
			if s.Path == "" {
				return fmt.Errorf("%w: sinks[%d]: sqlite needs path", ErrInvalid, i)
			}
		default:
			return fmt.Errorf("%w: sinks[%d]: unknown type %q", ErrInvalid, i, s.Type)
		}
	}
	if c.MCP.Enabled && c.HTTP.Listen == "" {
		return fmt.Errorf("%w: mcp needs http.listen", ErrInvalid)
	}
	return nil
}

// NeedsBrowser reports whether any enabled page is a Chrome tab.
func (c *Config) NeedsBrowser() bool {
	if c.PagesDB != "" {
		return true
	}
	for _, p := range c.Pages {
		if p.URL != "" && p.IsEnabled() {
			return true
		}
	}
	return false
}
