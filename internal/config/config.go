// Package config loads the guardian TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/guardian/internal/compression"
	"github.com/loykin/guardian/internal/deps"
	"github.com/loykin/guardian/internal/env"
	"github.com/loykin/guardian/internal/history"
	"github.com/loykin/guardian/internal/logger"
	"github.com/loykin/guardian/internal/notify"
	"github.com/loykin/guardian/internal/process"
	"github.com/loykin/guardian/internal/recovery"
	"github.com/loykin/guardian/internal/supervisor"
)

// DefaultPath is used when --config is not given.
const DefaultPath = "guardian.toml"

// EnvPrefix prefixes environment overrides, e.g. GUARDIAN_ADVANCED_SUPERVISOR_INTERVAL.
const EnvPrefix = "GUARDIAN"

const (
	defaultReadyTimeout = 30 * time.Second
	defaultPidDir       = "/usr/local/etc/guardian"
)

// Config is the top-level TOML structure.
type Config struct {
	Env           []string            `mapstructure:"env"`
	EnvFiles      []string            `mapstructure:"env_files"`
	Advanced      AdvancedConfig      `mapstructure:"advanced"`
	API           APIConfig           `mapstructure:"api"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Recovery      RecoveryConfig      `mapstructure:"recovery"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Compression   CompressionConfig   `mapstructure:"compression"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Processes     []ProcConfig        `mapstructure:"processes"`

	path string
}

type AdvancedConfig struct {
	SupervisorInterval  time.Duration `mapstructure:"supervisor_interval"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	PidFile             string        `mapstructure:"pid_file"`
	PidDir              string        `mapstructure:"pid_dir"` // base for a relative pid_file
	StatsEvery          int           `mapstructure:"stats_every"`
	ExternalPoll        time.Duration `mapstructure:"external_poll"`
}

type APIConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	Token    string `mapstructure:"token"` // bearer token; empty disables auth
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type RecoveryConfig struct {
	MaxRestarts       int           `mapstructure:"max_restarts"`
	BackoffPolicy     string        `mapstructure:"backoff_policy"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	RestartWindow     time.Duration `mapstructure:"restart_window"`
}

type LoggingConfig struct {
	Level            string `mapstructure:"level"`
	Format           string `mapstructure:"format"`
	Output           string `mapstructure:"output"` // guardian log file; empty means stderr
	MaxSizeMB        int    `mapstructure:"max_size_mb"`
	MaxBackups       int    `mapstructure:"max_backups"`
	MaxAgeDays       int    `mapstructure:"max_age_days"`
	Compress         bool   `mapstructure:"compress"`
	RotationSchedule string `mapstructure:"rotation_schedule"`
}

type CompressionConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Dir         string        `mapstructure:"dir"`
	Pattern     string        `mapstructure:"pattern"`
	ThresholdMB int64         `mapstructure:"threshold_mb"`
	MinAge      time.Duration `mapstructure:"min_age"`
	Level       int           `mapstructure:"level"`
}

type NotificationsConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MinSeverity string        `mapstructure:"min_severity"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Sinks       []string      `mapstructure:"sinks"` // DSNs, see history/factory
}

type ProcConfig struct {
	Name         string        `mapstructure:"name"`
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	Env          []string      `mapstructure:"env"`
	WorkingDir   string        `mapstructure:"working_dir"`
	Managed      *bool         `mapstructure:"managed"`
	DependsOn    []string      `mapstructure:"depends_on"`
	AutoRestart  bool          `mapstructure:"auto_restart"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	MaxRestarts  int           `mapstructure:"max_restarts"`
	Ready        ReadyConfig   `mapstructure:"ready"`
	Health       HealthConfig  `mapstructure:"health"`
}

type ReadyConfig struct {
	Method  string        `mapstructure:"method"`
	Timeout time.Duration `mapstructure:"timeout"`
	Pattern string        `mapstructure:"pattern"`
	Port    int           `mapstructure:"port"`
}

type HealthConfig struct {
	LogFile     string        `mapstructure:"log_file"`
	Port        int           `mapstructure:"port"`
	MaxLogAge   time.Duration `mapstructure:"max_log_age"`
	MaxMemoryMB uint64        `mapstructure:"max_memory_mb"`
}

// ValidationError describes the first invalid setting found.
type ValidationError struct {
	Process string
	Field   string
	Msg     string
}

func (e *ValidationError) Error() string {
	if e.Process == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("process %q: invalid %s: %s", e.Process, e.Field, e.Msg)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("advanced.supervisor_interval", "5s")
	v.SetDefault("advanced.shutdown_grace_period", "10s")
	v.SetDefault("advanced.pid_file", "guardian.pid")
	v.SetDefault("advanced.pid_dir", defaultPidDir)
	v.SetDefault("advanced.stats_every", 60)
	v.SetDefault("advanced.external_poll", "5s")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("api.base_path", "/api")
	v.SetDefault("api.token", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")

	v.SetDefault("recovery.max_restarts", 5)
	v.SetDefault("recovery.backoff_policy", string(recovery.PolicyExponential))
	v.SetDefault("recovery.backoff_base", "1s")
	v.SetDefault("recovery.backoff_max", "60s")
	v.SetDefault("recovery.backoff_multiplier", 2.0)
	v.SetDefault("recovery.restart_window", "0s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "")
	v.SetDefault("logging.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("logging.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("logging.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("logging.compress", false)
	v.SetDefault("logging.rotation_schedule", "@hourly")

	v.SetDefault("compression.enabled", false)
	v.SetDefault("compression.pattern", "*.log")
	v.SetDefault("compression.threshold_mb", 100)
	v.SetDefault("compression.min_age", "24h")

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.min_severity", string(history.SeverityInfo))
	v.SetDefault("notifications.cooldown", "5m")
	v.SetDefault("notifications.timeout", "5s")
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	c.path = path
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

func (c *Config) applyDefaults() {
	for i := range c.Processes {
		p := &c.Processes[i]
		if p.Managed == nil {
			t := true
			p.Managed = &t
		}
		if p.Ready.Timeout <= 0 {
			p.Ready.Timeout = defaultReadyTimeout
		}
	}
}

// Validate returns the first problem found. Dependency problems come back
// as the typed errors of package deps.
func (c *Config) Validate() error {
	if c.Advanced.SupervisorInterval <= 0 {
		return &ValidationError{Field: "advanced.supervisor_interval", Msg: "must be positive"}
	}
	if c.Advanced.ShutdownGracePeriod < 0 {
		return &ValidationError{Field: "advanced.shutdown_grace_period", Msg: "must not be negative"}
	}
	if c.Recovery.MaxRestarts < 0 {
		return &ValidationError{Field: "recovery.max_restarts", Msg: "must not be negative"}
	}
	if _, err := recovery.ParsePolicy(c.Recovery.BackoffPolicy); err != nil {
		return &ValidationError{Field: "recovery.backoff_policy", Msg: err.Error()}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json", "color":
	default:
		return &ValidationError{Field: "logging.format", Msg: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}

	nodes := make([]deps.Node, 0, len(c.Processes))
	for _, p := range c.Processes {
		if err := p.validate(); err != nil {
			return err
		}
		nodes = append(nodes, deps.Node{Name: p.Name, DependsOn: p.DependsOn})
	}
	if _, err := deps.Resolve(nodes); err != nil {
		return err
	}
	return nil
}

func (p ProcConfig) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Msg: "process name is required"}
	}
	if strings.TrimSpace(p.Command) == "" {
		return &ValidationError{Process: p.Name, Field: "command", Msg: "required"}
	}
	switch process.ReadyMethod(p.Ready.Method) {
	case "", process.ReadyTime:
	case process.ReadyLog:
		if p.Ready.Pattern != "" {
			if _, err := regexp.Compile(p.Ready.Pattern); err != nil {
				return &ValidationError{Process: p.Name, Field: "ready.pattern", Msg: err.Error()}
			}
		}
	case process.ReadyPort:
		if !validPort(p.Ready.Port) {
			return &ValidationError{Process: p.Name, Field: "ready.port", Msg: "must be 1-65535"}
		}
	default:
		return &ValidationError{Process: p.Name, Field: "ready.method", Msg: fmt.Sprintf("unknown method %q", p.Ready.Method)}
	}
	if p.Health.Port != 0 && !validPort(p.Health.Port) {
		return &ValidationError{Process: p.Name, Field: "health.port", Msg: "must be 1-65535"}
	}
	if p.RestartDelay < 0 {
		return &ValidationError{Process: p.Name, Field: "restart_delay", Msg: "must not be negative"}
	}
	return nil
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// Specs converts the process tables into specs, with the global environment
// composed into each process's env.
func (c *Config) Specs() ([]process.Spec, error) {
	global, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	e := env.New(global)
	out := make([]process.Spec, 0, len(c.Processes))
	for _, p := range c.Processes {
		managed := p.Managed == nil || *p.Managed
		out = append(out, process.Spec{
			Name:         p.Name,
			Command:      p.Command,
			Args:         append([]string(nil), p.Args...),
			Env:          e.Compose(p.Env),
			WorkDir:      p.WorkingDir,
			Managed:      managed,
			DependsOn:    append([]string(nil), p.DependsOn...),
			AutoRestart:  p.AutoRestart,
			RestartDelay: p.RestartDelay,
			MaxRestarts:  p.MaxRestarts,
			Ready: process.ReadySpec{
				Method:  process.ReadyMethod(p.Ready.Method),
				Timeout: p.Ready.Timeout,
				Pattern: p.Ready.Pattern,
				Port:    p.Ready.Port,
			},
			Health: process.HealthSpec{
				LogFile:     p.Health.LogFile,
				Port:        p.Health.Port,
				MaxLogAge:   p.Health.MaxLogAge,
				MaxMemoryMB: p.Health.MaxMemoryMB,
			},
		})
	}
	return out, nil
}

// Process returns the table for name.
func (c *Config) Process(name string) (ProcConfig, bool) {
	for _, p := range c.Processes {
		if p.Name == name {
			return p, true
		}
	}
	return ProcConfig{}, false
}

// GlobalEnv merges env_files (in order) and then the top-level env list.
func (c *Config) GlobalEnv() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}

// PidFilePath resolves advanced.pid_file; relative paths live under pid_dir.
func (c *Config) PidFilePath() string {
	p := c.Advanced.PidFile
	if p == "" {
		p = "guardian.pid"
	}
	if filepath.IsAbs(p) {
		return p
	}
	dir := c.Advanced.PidDir
	if dir == "" {
		dir = defaultPidDir
	}
	return filepath.Join(dir, p)
}

// LogFile returns the log path of a process for the logs command: its
// health.log_file, or "<name>.log".
func (c *Config) LogFile(name string) string {
	if p, ok := c.Process(name); ok && p.Health.LogFile != "" {
		return p.Health.LogFile
	}
	return name + ".log"
}

// LoggerConfig maps [logging].
func (c *Config) LoggerConfig() logger.Config {
	l := c.Logging
	return logger.Config{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.Output,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// RotatedFiles lists the process log files the rotator watches.
func (c *Config) RotatedFiles() []string {
	var out []string
	for _, p := range c.Processes {
		if p.Health.LogFile != "" {
			out = append(out, p.Health.LogFile)
		}
	}
	return out
}

// RecoveryConfig maps [recovery] plus per-process max_restarts overrides.
func (c *Config) RecoveryConfig() (recovery.Config, error) {
	policy, err := recovery.ParsePolicy(c.Recovery.BackoffPolicy)
	if err != nil {
		return recovery.Config{}, err
	}
	per := make(map[string]int)
	for _, p := range c.Processes {
		if p.MaxRestarts > 0 {
			per[p.Name] = p.MaxRestarts
		}
	}
	return recovery.Config{
		MaxRestarts: c.Recovery.MaxRestarts,
		Backoff: recovery.Backoff{
			Policy:     policy,
			Base:       c.Recovery.BackoffBase,
			Max:        c.Recovery.BackoffMax,
			Multiplier: c.Recovery.BackoffMultiplier,
		},
		RestartWindow: c.Recovery.RestartWindow,
		PerProcessMax: per,
	}, nil
}

// NotifyConfig maps [notifications].
func (c *Config) NotifyConfig() notify.Config {
	n := c.Notifications
	return notify.Config{
		Enabled:     n.Enabled,
		MinSeverity: history.ParseSeverity(n.MinSeverity),
		Cooldown:    n.Cooldown,
		Timeout:     n.Timeout,
	}
}

// CompressionConfig maps [compression].
func (c *Config) CompressionConfig() compression.Config {
	z := c.Compression
	return compression.Config{
		Enabled:     z.Enabled,
		Dir:         z.Dir,
		Pattern:     z.Pattern,
		ThresholdMB: z.ThresholdMB,
		MinAge:      z.MinAge,
		Level:       z.Level,
	}
}

// SupervisorConfig maps the loop timing.
func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		Interval:         c.Advanced.SupervisorInterval,
		StatsEvery:       c.Advanced.StatsEvery,
		RotationSchedule: c.Logging.RotationSchedule,
	}
}

// IsValidationError reports whether err is a configuration error of any kind.
func IsValidationError(err error) bool {
	var ve *ValidationError
	var ce *deps.CycleError
	var ue *deps.UnknownDependencyError
	var de *deps.DuplicateNameError
	return errors.As(err, &ve) || errors.As(err, &ce) || errors.As(err, &ue) || errors.As(err, &de)
}
