// Package config loads the host process's printer-limits and session
// configuration, generalizing the teacher's JSON-only
// standalone/config loader into a layered viper-backed reader (file,
// env, defaults) producing the same shape of defaulted struct.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Fixed timeouts for the control loop's concurrency model, per §5.
// These are not tunable per deployment (unlike the fields below) so
// they are constants rather than config file keys.
const (
	// FlushTimeout is the planner flush timeout. No code reads it: the
	// control loop flushes the look-ahead queue on every loop tick.
	FlushTimeout = 250 * time.Millisecond

	// ClockSyncWarmup is the clock-sync warm-up period. No code reads
	// it: the control loop starts converting and releasing a session's
	// steps as soon as its estimator has folded in one get_clock sample.
	ClockSyncWarmup = 2 * time.Second

	// ShutdownQuiescence is how long Loop.Shutdown pauses to let
	// in-flight sends settle before shutting the sessions down.
	ShutdownQuiescence = 1 * time.Second
)

// AxisConfig mirrors the teacher's standalone.AxisConfig, trimmed to
// the fields the motion/kinematics packages need (GPIO pin wiring
// belongs to the MCU's own dictionary, not the host config).
type AxisConfig struct {
	StepsPerMM  float64 `mapstructure:"steps_per_mm"`
	MaxVelocity float64 `mapstructure:"max_velocity"`
	MaxAccel    float64 `mapstructure:"max_accel"`
	MinPosition float64 `mapstructure:"min_position"`
	MaxPosition float64 `mapstructure:"max_position"`
}

// SessionConfig configures one MCU connection.
type SessionConfig struct {
	Name       string `mapstructure:"name"`
	Device     string `mapstructure:"device"`
	Baud       int    `mapstructure:"baud"`
	TicksPerUS float64 `mapstructure:"ticks_per_us"`
}

// Config is the complete host process configuration: printer limits
// plus the set of MCU sessions to connect.
type Config struct {
	Kinematics        string                `mapstructure:"kinematics"`
	JunctionDeviation float64               `mapstructure:"junction_deviation"`
	MaxVelocity       float64               `mapstructure:"max_velocity"`
	Axes              map[string]AxisConfig `mapstructure:"axes"`
	Sessions          []SessionConfig       `mapstructure:"sessions"`

	LeadMinTicks int64 `mapstructure:"lead_min_ticks"`
	LeadMaxTicks int64 `mapstructure:"lead_max_ticks"`
}

// Load reads configuration from path (YAML, per the teacher's JSON
// config generalized to the more common host-tool format) plus
// PATHCTL_-prefixed environment overrides, and fills in defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PATHCTL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills in missing configuration values with sensible
// defaults, the same pattern the teacher's standalone/config package
// uses for its MachineConfig.
func applyDefaults(cfg *Config) {
	if cfg.Kinematics == "" {
		cfg.Kinematics = "cartesian"
	}
	if cfg.JunctionDeviation == 0 {
		cfg.JunctionDeviation = 0.05
	}
	if cfg.MaxVelocity == 0 {
		cfg.MaxVelocity = 300.0
	}
	if cfg.LeadMinTicks == 0 {
		cfg.LeadMinTicks = 1000
	}
	if cfg.LeadMaxTicks == 0 {
		cfg.LeadMaxTicks = 2_000_000
	}
	for name, axis := range cfg.Axes {
		if axis.StepsPerMM == 0 {
			axis.StepsPerMM = 80.0
		}
		if axis.MaxAccel == 0 {
			axis.MaxAccel = 1000.0
		}
		if axis.MaxVelocity == 0 {
			axis.MaxVelocity = 300.0
		}
		cfg.Axes[name] = axis
	}
	for i, s := range cfg.Sessions {
		if s.Baud == 0 {
			s.Baud = 250000
		}
		if s.TicksPerUS == 0 {
			s.TicksPerUS = 16.0
		}
		cfg.Sessions[i] = s
	}
}

// DefaultCartesianConfig returns a default single-MCU Cartesian
// configuration, for the demo binary and tests — the host analog of
// the teacher's DefaultCartesianConfig.
func DefaultCartesianConfig() *Config {
	cfg := &Config{
		Kinematics:        "cartesian",
		JunctionDeviation: 0.05,
		MaxVelocity:       300.0,
		Axes: map[string]AxisConfig{
			"x": {StepsPerMM: 80, MaxVelocity: 300, MaxAccel: 3000, MinPosition: 0, MaxPosition: 220},
			"y": {StepsPerMM: 80, MaxVelocity: 300, MaxAccel: 3000, MinPosition: 0, MaxPosition: 220},
			"z": {StepsPerMM: 400, MaxVelocity: 10, MaxAccel: 100, MinPosition: 0, MaxPosition: 250},
			"e": {StepsPerMM: 96, MaxVelocity: 50, MaxAccel: 5000, MinPosition: -10000, MaxPosition: 10000},
		},
		Sessions: []SessionConfig{
			{Name: "mcu", Device: "/dev/ttyACM0", Baud: 250000, TicksPerUS: 16.0},
		},
	}
	applyDefaults(cfg)
	return cfg
}

// Marshal renders cfg as YAML, for `pathctl-host -print-default-config`
// and similar operator-facing dumps.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
