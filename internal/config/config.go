// Package config loads jitlink settings from a YAML or TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/jitlink/internal/target"
)

const (
	FileName = "config.yaml"

	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	LogLevel      string   `yaml:"logLevel" toml:"log_level"`
	Target        string   `yaml:"target,omitempty" toml:"target"`
	HostLibraries []string `yaml:"hostLibraries,omitempty" toml:"host_libraries"`
	Cache         bool     `yaml:"cache" toml:"cache"`
	CacheDir      string   `yaml:"cacheDir,omitempty" toml:"cache_dir"`
	Parallelism   int      `yaml:"parallelism,omitempty" toml:"parallelism"`
	Color         string   `yaml:"color" toml:"color"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.Color == "" {
		c.Color = ColorAuto
	}
	c.Color = strings.ToLower(c.Color)
	if c.Parallelism < 0 {
		c.Parallelism = 0
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/jitlink/config.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "jitlink", FileName), nil
}

// Load reads path, picking the decoder from its extension, then applies
// environment overrides. A missing file is not an error when optional is
// set.
func Load(path string, optional bool) (Config, error) {
	var c Config
	if path != "" {
		if err := decodeFile(path, &c); err != nil {
			if !(optional && errors.Is(err, os.ErrNotExist)) {
				return Config{}, err
			}
		}
	}
	c.normalize()
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func decodeFile(path string, c *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	case ".yaml", ".yml", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown config format %q", ErrInvalid, ext)
	}
}

// ApplyEnv overrides fields from JITLINK_* variables and NO_COLOR. The
// environment is re-read on every call.
func (c *Config) ApplyEnv() {
	env.Load()
	c.LogLevel = strings.ToLower(env.Str("JITLINK_LOG_LEVEL", c.LogLevel))
	c.Target = env.Str("JITLINK_TARGET", c.Target)
	if env.Has("JITLINK_HOST_LIBS") {
		c.HostLibraries = filepath.SplitList(env.Str("JITLINK_HOST_LIBS"))
	}
	if env.Has("JITLINK_CACHE_DIR") {
		c.CacheDir = env.Str("JITLINK_CACHE_DIR")
		c.Cache = c.CacheDir != ""
	}
	c.Parallelism = env.Int("JITLINK_PARALLELISM", c.Parallelism)
	if env.Has("NO_COLOR") {
		c.Color = ColorNever
	}
}

func (c Config) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		return fmt.Errorf("%w: color must be auto, always or never, got %q", ErrInvalid, c.Color)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("%w: negative parallelism %d", ErrInvalid, c.Parallelism)
	}
	if c.Target != "" {
		if _, err := target.Parse(c.Target); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, c.LogLevel)
	}
	return level, nil
}

// TargetDescription returns the configured target, or the host when unset.
func (c Config) TargetDescription() (target.Description, error) {
	if c.Target == "" {
		return target.Host()
	}
	return target.Parse(c.Target)
}

// UseColor decides whether output is colored given whether stdout is a
// terminal.
func (c Config) UseColor(tty bool) bool {
	switch c.Color {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	default:
		return tty
	}
}

// WriteTemplate writes c as YAML to path, creating parent directories.
func WriteTemplate(path string, c Config) error {
	c.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
