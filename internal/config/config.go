package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the full agent configuration, loaded from a YAML file with
// environment-variable overrides.
type Config struct {
	Env         string `yaml:"env" env:"APP_ENV" env-default:"local"`
	StoragePath string `yaml:"storage_path" env:"STORAGE_PATH" env-default:"telemetry.db"`

	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
		Format string `yaml:"format" env:"LOG_FORMAT" env-default:"console"`
	} `yaml:"log"`

	Backend struct {
		BaseURL string `yaml:"base_url" env:"BACKEND_BASE_URL"`
		Token   string `yaml:"token" env:"BACKEND_TOKEN"`
		Timeout int    `yaml:"timeout" env:"BACKEND_TIMEOUT" env-default:"15"` // seconds
	} `yaml:"backend"`

	Server struct {
		Enabled bool `yaml:"enabled" env:"CONTROL_SERVER_ENABLED" env-default:"true"`
		Port    int  `yaml:"port" env:"CONTROL_SERVER_PORT" env-default:"8931"`
	} `yaml:"server"`

	Device struct {
		ID string `yaml:"id" env:"DEVICE_ID"`
	} `yaml:"device"`

	// Filter thresholds; defaults follow the sampling heuristic. These are
	// the boot values, mutable later through the control API.
	Filter struct {
		TimeCeiling     int     `yaml:"time_ceiling" env-default:"60"` // seconds
		DistanceFloor   float64 `yaml:"distance_floor" env-default:"3"`
		HeadingDelta    float64 `yaml:"heading_delta" env-default:"15"`
		SpeedDelta      float64 `yaml:"speed_delta" env-default:"2"`
		StationaryBelow float64 `yaml:"stationary_below" env-default:"1"`
		MovingAbove     float64 `yaml:"moving_above" env-default:"2"`
		AccuracyCeiling float64 `yaml:"accuracy_ceiling" env-default:"20"`
		Passthrough     bool    `yaml:"passthrough" env-default:"false"`
	} `yaml:"filter"`

	Tracking struct {
		PollInterval     int `yaml:"poll_interval" env-default:"15"`      // background poll, seconds
		TransmitThrottle int `yaml:"transmit_throttle" env-default:"10"`  // seconds
		SampleStaleAfter int `yaml:"sample_stale_after" env-default:"15"` // seconds
		GraceDelay       int `yaml:"grace_delay" env-default:"2"`         // seconds
		RetryInterval    int `yaml:"retry_interval" env-default:"60"`     // queue retry loop, seconds
	} `yaml:"tracking"`
}

// LoadConfig reads the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return &cfg, nil
}
