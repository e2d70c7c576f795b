/*
Package config loads and validates the daemon's single YAML
configuration document. Loading is a thin yaml.Unmarshal over a typed
tree; there is no env-var or flag-overlay layering.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel is the set of values global.log_level accepts.
type LogLevel string

const (
	LogDebug    LogLevel = "DEBUG"
	LogInfo     LogLevel = "INFO"
	LogWarning  LogLevel = "WARNING"
	LogError    LogLevel = "ERROR"
	LogCritical LogLevel = "CRITICAL"
)

// TimeoutAction mirrors timeout.timeout_action.
type TimeoutAction string

const (
	ActionRevert TimeoutAction = "revert"
	ActionWarn   TimeoutAction = "warn"
)

// Global holds global.* keys.
type Global struct {
	DefaultTimeout int      `yaml:"default_timeout"`
	MaxTimeout     int      `yaml:"max_timeout"`
	LogLevel       LogLevel `yaml:"log_level"`
}

// Snapshot holds snapshot.* keys.
type Snapshot struct {
	EnableSystemTool bool   `yaml:"enable_system_tool"`
	Location         string `yaml:"location"`
	MaxSnapshots     int    `yaml:"max_snapshots"`
	MaxAgeDays       int    `yaml:"max_age_days"`
}

// Timeout holds timeout.* keys.
type Timeout struct {
	TimeoutAction         TimeoutAction `yaml:"timeout_action"`
	ConnectivityCheck     bool          `yaml:"connectivity_check"`
	ConnectivityEndpoints []string      `yaml:"connectivity_endpoints"`
	RevertGracePeriod     int           `yaml:"revert_grace_period"`
}

// Monitoring is the monitoring.* section: category names to glob
// lists. Category order matters — the classifier gives the first
// matching category the win — and yaml.v3 loses document order when
// decoding into a plain map, so this decodes through the yaml.Node
// mapping to keep the order the document lists the categories in.
type Monitoring struct {
	Order []string
	Globs map[string][]string
}

// UnmarshalYAML decodes the category mapping while recording key order.
func (m *Monitoring) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("config: monitoring must be a mapping of category to glob lists")
	}
	m.Order = nil
	m.Globs = make(map[string][]string, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var category string
		if err := value.Content[i].Decode(&category); err != nil {
			return err
		}
		if _, dup := m.Globs[category]; dup {
			return fmt.Errorf("config: monitoring.%s listed more than once", category)
		}
		var globs []string
		if err := value.Content[i+1].Decode(&globs); err != nil {
			return err
		}
		m.Order = append(m.Order, category)
		m.Globs[category] = globs
	}
	return nil
}

// Policy holds per-category overrides of the global confirmation
// window. A zero field means "use the global value".
type Policy struct {
	Timeout     int `yaml:"timeout"`
	GracePeriod int `yaml:"grace_period"`
}

// Config is the root of the configuration document.
type Config struct {
	Global     Global     `yaml:"global"`
	Snapshot   Snapshot   `yaml:"snapshot"`
	Monitoring Monitoring `yaml:"monitoring"`
	// Services maps a category to the service names restarted when a
	// change in that category is reverted. Not every category needs
	// one: the "other" category, for instance, typically has none.
	Services map[string][]string `yaml:"services"`
	// Policies maps a category to overrides of the global timeout and
	// grace period, so an ssh edit can get a longer window than a
	// firewall edit.
	Policies map[string]Policy `yaml:"policies"`
	Timeout  Timeout           `yaml:"timeout"`
}

// Default returns the built-in configuration. The coalescing window
// and watcher debounce live in their owning packages, not here, since
// they are not exposed as config keys.
func Default() *Config {
	return &Config{
		Global: Global{
			DefaultTimeout: 300,
			MaxTimeout:     1800,
			LogLevel:       LogInfo,
		},
		Snapshot: Snapshot{
			EnableSystemTool: false,
			Location:         "/var/lib/meshadmin-revertit/snapshots",
			MaxSnapshots:     50,
			MaxAgeDays:       30,
		},
		Monitoring: Monitoring{Globs: map[string][]string{}},
		Services:   map[string][]string{},
		Policies:   map[string]Policy{},
		Timeout: Timeout{
			TimeoutAction:         ActionRevert,
			ConnectivityCheck:     true,
			ConnectivityEndpoints: []string{"8.8.8.8", "1.1.1.1"},
			RevertGracePeriod:     30,
		},
	}
}

// Load reads and parses the configuration document at path, applying
// defaults for any key the document omits, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the document's numeric and enum constraints.
// Failures here are fatal at startup.
func (c *Config) Validate() error {
	if c.Global.DefaultTimeout < 1 {
		return fmt.Errorf("config: global.default_timeout must be >= 1")
	}
	if c.Global.MaxTimeout > 1800 {
		return fmt.Errorf("config: global.max_timeout must be <= 1800")
	}
	if c.Global.DefaultTimeout > c.Global.MaxTimeout {
		return fmt.Errorf("config: global.default_timeout must be <= global.max_timeout")
	}
	switch c.Global.LogLevel {
	case LogDebug, LogInfo, LogWarning, LogError, LogCritical:
	default:
		return fmt.Errorf("config: global.log_level %q is not one of DEBUG, INFO, WARNING, ERROR, CRITICAL", c.Global.LogLevel)
	}
	if c.Snapshot.Location == "" {
		return fmt.Errorf("config: snapshot.location is required")
	}
	if c.Snapshot.MaxSnapshots < 1 {
		return fmt.Errorf("config: snapshot.max_snapshots must be >= 1")
	}
	if c.Snapshot.MaxAgeDays < 1 {
		return fmt.Errorf("config: snapshot.max_age_days must be >= 1")
	}
	switch c.Timeout.TimeoutAction {
	case ActionRevert, ActionWarn:
	default:
		return fmt.Errorf("config: timeout.timeout_action %q is not one of revert, warn", c.Timeout.TimeoutAction)
	}
	if c.Timeout.RevertGracePeriod < 0 {
		return fmt.Errorf("config: timeout.revert_grace_period must be >= 0")
	}
	for category, p := range c.Policies {
		if p.Timeout < 0 || p.Timeout > c.Global.MaxTimeout {
			return fmt.Errorf("config: policies.%s.timeout must be within [1, %d]", category, c.Global.MaxTimeout)
		}
		if p.GracePeriod < 0 {
			return fmt.Errorf("config: policies.%s.grace_period must be >= 0", category)
		}
	}
	return nil
}

// DefaultTimeoutDuration returns global.default_timeout as a Duration.
func (c *Config) DefaultTimeoutDuration() time.Duration {
	return time.Duration(c.Global.DefaultTimeout) * time.Second
}

// GracePeriodDuration returns timeout.revert_grace_period as a Duration.
func (c *Config) GracePeriodDuration() time.Duration {
	return time.Duration(c.Timeout.RevertGracePeriod) * time.Second
}

// TimeoutFor returns the confirmation window for a category, honoring
// any policies.<category>.timeout override.
func (c *Config) TimeoutFor(category string) time.Duration {
	if p, ok := c.Policies[category]; ok && p.Timeout > 0 {
		return time.Duration(p.Timeout) * time.Second
	}
	return c.DefaultTimeoutDuration()
}

// GraceFor returns the grace period for a category, honoring any
// policies.<category>.grace_period override.
func (c *Config) GraceFor(category string) time.Duration {
	if p, ok := c.Policies[category]; ok && p.GracePeriod > 0 {
		return time.Duration(p.GracePeriod) * time.Second
	}
	return c.GracePeriodDuration()
}
