// Package config loads and validates logfs configuration.
//
// Configuration sources, in order of precedence:
//  1. CLI flags (bound by the commands)
//  2. Environment variables (LOGFS_*)
//  3. Configuration file (YAML)
//  4. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the logfs configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls Prometheus instrumentation.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// GC carries the collector tuning knobs.
	GC GCConfig `mapstructure:"gc" yaml:"gc"`

	// Image describes the filesystem image the CLI operates on.
	Image ImageConfig `mapstructure:"image" yaml:"image"`
}

// LoggingConfig selects level, format, and destination.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"                                   yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig toggles the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// GCConfig carries the GC tuning knobs.
type GCConfig struct {
	// MinSleep and MaxSleep bound the pacing worker's adaptive pause.
	MinSleep time.Duration `mapstructure:"min_sleep" validate:"gt=0"             yaml:"min_sleep"`
	MaxSleep time.Duration `mapstructure:"max_sleep" validate:"gtefield=MinSleep" yaml:"max_sleep"`

	// NoGCSleep is the long back-off after a pass found no victim.
	NoGCSleep time.Duration `mapstructure:"no_gc_sleep" validate:"gt=0" yaml:"no_gc_sleep"`

	// GCIdle overrides the foreground and background cost model:
	// 0 default, 1 cost-benefit, 2 greedy.
	GCIdle int `mapstructure:"gc_idle" validate:"gte=0,lte=2" yaml:"gc_idle"`

	// MaxVictimSearch bounds one selection pass.
	MaxVictimSearch uint32 `mapstructure:"max_victim_search" validate:"gt=0" yaml:"max_victim_search"`
}

// ImageConfig describes an image's geometry and space policy.
type ImageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`

	BlocksPerSeg uint32 `mapstructure:"blocks_per_seg" validate:"gt=0" yaml:"blocks_per_seg"`
	SegsPerSec   uint32 `mapstructure:"segs_per_sec"   validate:"gt=0" yaml:"segs_per_sec"`
	MainSegs     uint32 `mapstructure:"main_segs"      validate:"gt=0" yaml:"main_segs"`

	ReservedSecs       int    `mapstructure:"reserved_secs"        yaml:"reserved_secs"`
	InvalidBlockThresh uint32 `mapstructure:"invalid_block_thresh" yaml:"invalid_block_thresh"`
	CanRemap           bool   `mapstructure:"can_remap"            yaml:"can_remap"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{Enabled: false},
		GC: GCConfig{
			MinSleep:        30 * time.Second,
			MaxSleep:        60 * time.Second,
			NoGCSleep:       300 * time.Second,
			GCIdle:          0,
			MaxVictimSearch: 4096,
		},
		Image: ImageConfig{
			BlocksPerSeg: 512,
			SegsPerSec:   1,
			MainSegs:     64,
			ReservedSecs: 2,
			CanRemap:     true,
		},
	}
}

// Load reads configuration from path (optional), the LOGFS_* environment,
// and defaults, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("gc.min_sleep", def.GC.MinSleep)
	v.SetDefault("gc.max_sleep", def.GC.MaxSleep)
	v.SetDefault("gc.no_gc_sleep", def.GC.NoGCSleep)
	v.SetDefault("gc.gc_idle", def.GC.GCIdle)
	v.SetDefault("gc.max_victim_search", def.GC.MaxVictimSearch)
	v.SetDefault("image.path", def.Image.Path)
	v.SetDefault("image.blocks_per_seg", def.Image.BlocksPerSeg)
	v.SetDefault("image.segs_per_sec", def.Image.SegsPerSec)
	v.SetDefault("image.main_segs", def.Image.MainSegs)
	v.SetDefault("image.reserved_secs", def.Image.ReservedSecs)
	v.SetDefault("image.invalid_block_thresh", def.Image.InvalidBlockThresh)
	v.SetDefault("image.can_remap", def.Image.CanRemap)

	v.SetEnvPrefix("LOGFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration's struct constraints.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("invalid config: field %s failed %q", e.Namespace(), e.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WriteDefault renders the default configuration as YAML at path,
// refusing to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	def := Default()
	raw, err := yaml.Marshal(&def)
	if err != nil {
		return fmt.Errorf("failed to render default config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
