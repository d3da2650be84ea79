package st3215

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Device-unit limits for the ST3215.
const (
	PositionLimit = 4095 // position encoder range, device units
	SpeedLimit    = 3400 // maximum commandable speed
	AccelLimit    = 254  // maximum commandable acceleration
	MaxID         = 253  // highest addressable servo ID
)

// ServoConfig declares one servo instance. Zero-valued optional fields take
// the defaults from DefaultServoConfig when parsed from YAML.
type ServoConfig struct {
	Serial               string  `yaml:"serial"`
	BaudRate             int     `yaml:"baudrate"`
	ServoID              int     `yaml:"servo_id"`
	PositionMin          int     `yaml:"position_min"`
	PositionMax          int     `yaml:"position_max"`
	MaxSpeed             int     `yaml:"max_speed"`
	MaxAccel             int     `yaml:"max_acceleration"`
	InitialPosition      *int    `yaml:"initial_position"`
	StatusUpdateInterval float64 `yaml:"status_update_interval"` // seconds
	TemperatureWarning   int     `yaml:"temperature_warning"`    // °C
	TemperatureCritical  int     `yaml:"temperature_critical"`   // °C
}

// DefaultServoConfig returns the default servo settings.
func DefaultServoConfig() ServoConfig {
	return ServoConfig{
		BaudRate:             1000000,
		PositionMin:          0,
		PositionMax:          PositionLimit,
		MaxSpeed:             SpeedLimit,
		MaxAccel:             AccelLimit,
		StatusUpdateInterval: 1.0,
		TemperatureWarning:   70,
		TemperatureCritical:  85,
	}
}

// UnmarshalYAML fills defaults before decoding so absent fields keep them.
func (c *ServoConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw ServoConfig
	*c = DefaultServoConfig()
	return unmarshal((*raw)(c))
}

// Validate checks every configured bound. It runs at load time, before any
// device I/O is attempted.
func (c ServoConfig) Validate(name string) error {
	fail := func(field, reason string) error {
		return &ConfigError{Servo: name, Field: field, Reason: reason}
	}

	if c.Serial == "" {
		return fail("serial", "required field is missing")
	}
	if c.BaudRate <= 0 {
		return fail("baudrate", fmt.Sprintf("must be positive, got %d", c.BaudRate))
	}
	if c.ServoID < 0 || c.ServoID > MaxID {
		return fail("servo_id", fmt.Sprintf("must be in 0-%d, got %d", MaxID, c.ServoID))
	}
	if c.PositionMin < 0 || c.PositionMin > PositionLimit {
		return fail("position_min", fmt.Sprintf("must be in 0-%d, got %d", PositionLimit, c.PositionMin))
	}
	if c.PositionMax < 0 || c.PositionMax > PositionLimit {
		return fail("position_max", fmt.Sprintf("must be in 0-%d, got %d", PositionLimit, c.PositionMax))
	}
	if c.PositionMin >= c.PositionMax {
		return fail("position_min", fmt.Sprintf("position_min (%d) must be less than position_max (%d)", c.PositionMin, c.PositionMax))
	}
	if c.MaxSpeed < 0 || c.MaxSpeed > SpeedLimit {
		return fail("max_speed", fmt.Sprintf("must be in 0-%d, got %d", SpeedLimit, c.MaxSpeed))
	}
	if c.MaxAccel < 0 || c.MaxAccel > AccelLimit {
		return fail("max_acceleration", fmt.Sprintf("must be in 0-%d, got %d", AccelLimit, c.MaxAccel))
	}
	if c.InitialPosition != nil {
		if *c.InitialPosition < c.PositionMin || *c.InitialPosition > c.PositionMax {
			return fail("initial_position", fmt.Sprintf("must be in %d-%d, got %d", c.PositionMin, c.PositionMax, *c.InitialPosition))
		}
	}
	if c.StatusUpdateInterval < 0.1 || c.StatusUpdateInterval > 10.0 {
		return fail("status_update_interval", fmt.Sprintf("must be in 0.1-10.0, got %g", c.StatusUpdateInterval))
	}
	if c.TemperatureWarning < 0 || c.TemperatureWarning > 100 {
		return fail("temperature_warning", fmt.Sprintf("must be in 0-100, got %d", c.TemperatureWarning))
	}
	if c.TemperatureCritical < 0 || c.TemperatureCritical > 100 {
		return fail("temperature_critical", fmt.Sprintf("must be in 0-100, got %d", c.TemperatureCritical))
	}
	if c.TemperatureWarning >= c.TemperatureCritical {
		return fail("temperature_warning", fmt.Sprintf("temperature_warning (%d) must be less than temperature_critical (%d)", c.TemperatureWarning, c.TemperatureCritical))
	}

	return nil
}

// Config is the host configuration file: a named section per servo.
type Config struct {
	Servos map[string]ServoConfig `yaml:"servos"`
}

// ParseConfig decodes and validates a YAML configuration document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unable to parse config: %w", err)
	}

	if len(cfg.Servos) == 0 {
		return nil, &ConfigError{Field: "servos", Reason: "no servo sections defined"}
	}

	for name, sc := range cfg.Servos {
		if err := sc.Validate(name); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}
	return ParseConfig(data)
}
