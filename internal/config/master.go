// Package config holds the Master process configuration. Values are resolved
// with the precedence defaults < YAML file < environment < flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/qmaster/core/config"
	"github.com/gaspardpetit/qmaster/internal/archive"
	"github.com/gaspardpetit/qmaster/internal/ready"
)

// MasterConfig holds configuration for the Master.
type MasterConfig struct {
	Listen          string
	MetricsAddr     string
	Policy          string
	AgingThreshold  time.Duration
	AgingTick       time.Duration
	DispatchBackoff time.Duration
	ClientKey       string
	APIKey          string
	RedisAddr       string
	ArchiveSize     int
	DrainTimeout    time.Duration
	AllowedOrigins  []string
	LogLevel        string
	LogFormat       string
	ConfigFile      string
}

// fileConfig mirrors the YAML layout. Durations stay strings so bare
// integers can be read as milliseconds.
type fileConfig struct {
	Listen          *string  `yaml:"listen"`
	MetricsAddr     *string  `yaml:"metrics_addr"`
	Policy          *string  `yaml:"policy"`
	AgingThreshold  *string  `yaml:"aging_threshold"`
	AgingTick       *string  `yaml:"aging_tick"`
	DispatchBackoff *string  `yaml:"dispatch_backoff"`
	ClientKey       *string  `yaml:"client_key"`
	APIKey          *string  `yaml:"api_key"`
	RedisAddr       *string  `yaml:"redis_addr"`
	ArchiveSize     *int     `yaml:"archive_size"`
	DrainTimeout    *string  `yaml:"drain_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	LogLevel        *string  `yaml:"log_level"`
	LogFormat       *string  `yaml:"log_format"`
}

// SetDefaults initializes c with built-in defaults.
func (c *MasterConfig) SetDefaults() {
	c.Listen = ":8080"
	c.MetricsAddr = ""
	c.Policy = ready.FIFO.String()
	c.AgingThreshold = 0
	c.AgingTick = 100 * time.Millisecond
	c.DispatchBackoff = 50 * time.Millisecond
	c.ArchiveSize = archive.DefaultCapacity
	c.DrainTimeout = 5 * time.Minute
	c.LogLevel = "info"
	c.LogFormat = "console"
	c.ConfigFile = commoncfg.DefaultConfigPath("master.yaml")
}

// LoadFile overlays the YAML file at path. Keys absent from the file keep
// their current value.
func (c *MasterConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f fileConfig
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	setString(&c.Listen, f.Listen)
	setString(&c.MetricsAddr, f.MetricsAddr)
	setString(&c.Policy, f.Policy)
	setString(&c.ClientKey, f.ClientKey)
	setString(&c.APIKey, f.APIKey)
	setString(&c.RedisAddr, f.RedisAddr)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.LogFormat, f.LogFormat)
	if f.ArchiveSize != nil {
		c.ArchiveSize = *f.ArchiveSize
	}
	if f.AllowedOrigins != nil {
		c.AllowedOrigins = f.AllowedOrigins
	}
	for _, d := range []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"aging_threshold", f.AgingThreshold, &c.AgingThreshold},
		{"aging_tick", f.AgingTick, &c.AgingTick},
		{"dispatch_backoff", f.DispatchBackoff, &c.DispatchBackoff},
		{"drain_timeout", f.DrainTimeout, &c.DrainTimeout},
	} {
		if d.src == nil {
			continue
		}
		v, err := ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// ApplyEnv overlays environment variables onto the current values.
// Malformed values are reported and leave the field untouched.
func (c *MasterConfig) ApplyEnv() error {
	var errs []error
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LISTEN", ""); v != "" {
		c.Listen = v
	}
	if v := commoncfg.GetEnv("METRICS_ADDR", ""); v != "" {
		c.MetricsAddr = v
	}
	if v := commoncfg.GetEnv("SCHEDULER_POLICY", ""); v != "" {
		c.Policy = v
	}
	if v := commoncfg.GetEnv("CLIENT_KEY", ""); v != "" {
		c.ClientKey = v
	}
	if v := commoncfg.GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = v
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := commoncfg.GetEnv("ARCHIVE_SIZE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ArchiveSize = n
		} else {
			errs = append(errs, fmt.Errorf("ARCHIVE_SIZE: %w", err))
		}
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"AGING_THRESHOLD", &c.AgingThreshold},
		{"AGING_TICK", &c.AgingTick},
		{"DISPATCH_BACKOFF", &c.DispatchBackoff},
		{"DRAIN_TIMEOUT", &c.DrainTimeout},
	} {
		v := commoncfg.GetEnv(d.env, "")
		if v == "" {
			continue
		}
		dur, err := ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.env, err))
			continue
		}
		*d.dst = dur
	}
	return errors.Join(errs...)
}

// BindFlags binds command line flags on fs using the current values as
// defaults.
func (c *MasterConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "master config file path")
	fs.StringVar(&c.Listen, "listen", c.Listen, "listen address for sessions and the state API")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address; empty serves /metrics on --listen")
	fs.StringVar(&c.Policy, "policy", c.Policy, "scheduling policy (FIFO, PRIORITY)")
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "shared key sessions must present in hello")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "bearer key required by the state API; leave empty to disable auth")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state and the query archive")
	fs.IntVar(&c.ArchiveSize, "archive-size", c.ArchiveSize, "number of finished queries kept by the in-memory archive")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (console, json)")
	durationFlag(fs, "aging-threshold", &c.AgingThreshold, "wait per priority step in the ready set; 0 disables aging (bare numbers are milliseconds)")
	durationFlag(fs, "aging-tick", &c.AgingTick, "interval between aging passes")
	durationFlag(fs, "dispatch-backoff", &c.DispatchBackoff, "maximum wait before retrying an undispatchable query")
	durationFlag(fs, "drain-timeout", &c.DrainTimeout, "time to wait for live queries on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

func durationFlag(fs *flag.FlagSet, name string, dst *time.Duration, usage string) {
	fs.Func(name, fmt.Sprintf("%s (default %s)", usage, *dst), func(v string) error {
		d, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	})
}

// ParseDuration accepts Go duration syntax or a bare integer of
// milliseconds.
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// SchedulingPolicy returns the parsed policy.
func (c *MasterConfig) SchedulingPolicy() (ready.Policy, error) {
	return ready.ParsePolicy(c.Policy)
}

// Validate rejects unusable values.
func (c *MasterConfig) Validate() error {
	if _, err := c.SchedulingPolicy(); err != nil {
		return err
	}
	if c.AgingThreshold < 0 {
		return fmt.Errorf("aging threshold must not be negative: %s", c.AgingThreshold)
	}
	if c.AgingTick <= 0 {
		return fmt.Errorf("aging tick must be positive: %s", c.AgingTick)
	}
	if c.DispatchBackoff <= 0 {
		return fmt.Errorf("dispatch backoff must be positive: %s", c.DispatchBackoff)
	}
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	return nil
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
