// Package config resolves loom settings from defaults, an optional config file
// in the state directory and environment overrides, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"loom/pkg/health"
	"loom/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables.
const (
	EnvHome             = "LOOM_HOME"
	EnvDBPath           = "LOOM_DB_PATH"
	EnvHeartbeatTimeout = "LOOM_HEARTBEAT_TIMEOUT"
)

// Defaults applied by withDefaults.
const (
	DefaultMaxWorkers      = 5
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultRefreshInterval = 2 * time.Second
	DefaultAssignInterval  = 500 * time.Millisecond
	DefaultShell           = "sh"
)

// configFiles are looked up in the state directory, first match wins.
var configFiles = []string{"config.yaml", "config.yml", "config.toml"} //nolint:gochecknoglobals // lookup order

// Config holds resolved settings. Zero values mean "use the default".
type Config struct {
	StateDir string // LOOM_HOME or ~/.loom
	DBPath   string // $StateDir/state.db or LOOM_DB_PATH
	// Source is the config file that was read, empty when none.
	Source string

	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration // defaults to HeartbeatTimeout/3
	MaxWorkers       int
	Retention        time.Duration
	RefreshInterval  time.Duration
	AssignInterval   time.Duration
	Shell            string
}

// fileConfig is the on-disk shape. Durations are strings like "45s".
type fileConfig struct {
	DBPath           string `yaml:"db_path" toml:"db_path"`
	HeartbeatTimeout string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	SweepInterval    string `yaml:"sweep_interval" toml:"sweep_interval"`
	MaxWorkers       int    `yaml:"max_workers" toml:"max_workers"`
	Retention        string `yaml:"retention" toml:"retention"`
	RefreshInterval  string `yaml:"refresh_interval" toml:"refresh_interval"`
	AssignInterval   string `yaml:"assign_interval" toml:"assign_interval"`
	Shell            string `yaml:"shell" toml:"shell"`
}

// Load resolves the configuration. A non-empty path names the config file
// explicitly and must exist; otherwise the state directory is searched.
func Load(path string) (Config, error) {
	home, err := resolveHome()
	if err != nil {
		return Config{}, err
	}
	cfg := Config{StateDir: home}

	if path == "" {
		path = findConfig(home)
	}
	if path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := cfg.apply(fc); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		cfg.Source = path
	}

	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvHeartbeatTimeout); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvHeartbeatTimeout, err)
		}
		cfg.HeartbeatTimeout = d
	}
	return cfg.withDefaults(), nil
}

// resolveHome returns LOOM_HOME or ~/.loom.
func resolveHome() (string, error) {
	if v := os.Getenv(EnvHome); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.LoomDir), nil
}

func findConfig(dir string) string {
	for _, name := range configFiles {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// readFile decodes a YAML or TOML file, chosen by extension.
func readFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		return fileConfig{}, fmt.Errorf("config %s: unsupported format (want .yaml, .yml or .toml)", path)
	}
	if err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func (c *Config) apply(fc fileConfig) error {
	c.DBPath = fc.DBPath
	c.MaxWorkers = fc.MaxWorkers
	c.Shell = fc.Shell
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_timeout", fc.HeartbeatTimeout, &c.HeartbeatTimeout},
		{"sweep_interval", fc.SweepInterval, &c.SweepInterval},
		{"retention", fc.Retention, &c.Retention},
		{"refresh_interval", fc.RefreshInterval, &c.RefreshInterval},
		{"assign_interval", fc.AssignInterval, &c.AssignInterval},
	}
	var errs []error
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		*d.dst = v
	}
	if c.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("max_workers: must not be negative, got %d", c.MaxWorkers))
	}
	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("45s", "2m") and bare seconds ("30").
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		s = strconv.Itoa(n) + "s"
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.StateDir, protocol.StateDBFile)
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = health.DefaultTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = health.SweepInterval(c.HeartbeatTimeout)
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.AssignInterval <= 0 {
		c.AssignInterval = DefaultAssignInterval
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	return c
}

// Default returns the configuration with every default applied and no file or
// environment input other than the state directory.
func Default(stateDir string) Config {
	return Config{StateDir: stateDir}.withDefaults()
}
