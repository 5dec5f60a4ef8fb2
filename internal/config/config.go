// Package config loads the server configuration: a YAML file, environment
// overrides applied on top, then validation. A missing file is not an error;
// the defaults describe a standalone unauthenticated instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/datafeedhq/datafeed/internal/exchange"
)

// Config is the full server configuration tree.
type Config struct {
	Server    ServerSection       `yaml:"server"`
	Auth      AuthSection         `yaml:"auth"`
	Storage   StorageSection      `yaml:"storage"`
	Calendar  exchange.Descriptor `yaml:"calendar"`
	Scheduler SchedulerSection    `yaml:"scheduler"`
	Monitor   MonitorSection      `yaml:"monitor"`
	Log       LogSection          `yaml:"log"`
}

// Duration parses yaml scalars in time.ParseDuration notation ("30s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ServerSection holds the TCP listener settings.
type ServerSection struct {
	Bind        string   `yaml:"bind"`
	Port        int      `yaml:"port"`
	ReadTimeout Duration `yaml:"read_timeout"`
}

// AuthSection holds the shared feed password. Empty disables the auth gate.
type AuthSection struct {
	Password string `yaml:"password"`
}

// StorageSection locates the data directory and selects the archive backend.
type StorageSection struct {
	Datadir string `yaml:"datadir"`
	RDB     bool   `yaml:"rdb"`
}

// SchedulerSection tunes the background jobs.
type SchedulerSection struct {
	DailyHour int `yaml:"daily_hour"`
}

// MonitorSection enables the observability HTTP server when Addr is set.
type MonitorSection struct {
	Addr string `yaml:"addr"`
}

// LogSection selects log level and output shape.
type LogSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto, console or json
}

// Default returns the standalone configuration: port 8082, ./var, Shanghai
// calendar, no auth, no monitor.
func Default() *Config {
	return &Config{
		Server:    ServerSection{Port: 8082},
		Storage:   StorageSection{Datadir: "./var"},
		Calendar:  exchange.Shanghai(),
		Scheduler: SchedulerSection{DailyHour: 8},
		Log:       LogSection{Level: "info", Format: "auto"},
	}
}

// Load reads path over the defaults. An empty path or absent file keeps the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("DATAFEED_PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			c.Server.Port = v
		}
	}
	if dir := os.Getenv("DATAFEED_DATADIR"); dir != "" {
		c.Storage.Datadir = dir
	}
	if pw := os.Getenv("DATAFEED_AUTH"); pw != "" {
		c.Auth.Password = pw
	}
}

// Validate checks ranges and the calendar descriptor.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server.read_timeout cannot be negative")
	}
	if c.Storage.Datadir == "" {
		return fmt.Errorf("storage.datadir is required")
	}
	if c.Scheduler.DailyHour < 0 || c.Scheduler.DailyHour > 23 {
		return fmt.Errorf("scheduler.daily_hour %d out of range", c.Scheduler.DailyHour)
	}
	if _, err := exchange.NewCalendar(c.Calendar); err != nil {
		return fmt.Errorf("calendar: %w", err)
	}
	return nil
}
