// Package daqcfg loads daemon configuration with viper: one YAML file
// with per-subsystem sections (devices, plans, publish, ring buffer,
// storage, RPC/auth), DAQ_-prefixed environment overrides on top.
package daqcfg

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Config is the daemon's top-level configuration, loaded from a file
// named by --config (or $DAQ_CONFIG) with DAQ_-prefixed environment
// variable overrides.
type Config struct {
	RPCPort      int    `mapstructure:"rpc_port" validate:"gt=0,lt=65536"`
	StreamAddr   string `mapstructure:"stream_addr" validate:"required"`
	MetricsAddr  string `mapstructure:"metrics_addr" validate:"required"`
	RingBufferPath string `mapstructure:"ring_buffer_path" validate:"required"`
	RingCapacityRecords uint64 `mapstructure:"ring_capacity_records" validate:"gt=0"`
	RingRecordSize      uint64 `mapstructure:"ring_record_size" validate:"gt=0"`
	AcquisitionDir string `mapstructure:"acquisition_dir" validate:"required"`
	AuthToken      string `mapstructure:"auth_token"`

	Publish PublishConfig  `mapstructure:"publish" validate:"required"`
	Devices []DeviceConfig `mapstructure:"devices" validate:"dive"`
	Plans   []PlanConfig   `mapstructure:"plans" validate:"dive"`
}

// PlanConfig names one pre-parameterized plan the RunEngine RPC's Queue
// method can address by Name. Type selects the builtin_plans factory
// (e.g. "LineScan"); Args are that factory's arguments, keyed the same
// way as a `daqd run` script's Args map.
type PlanConfig struct {
	Name string         `mapstructure:"name" validate:"required"`
	Type string         `mapstructure:"type" validate:"required"`
	Args map[string]any `mapstructure:"args"`
}

// PublishConfig controls the ZeroMQ fan-out ports; zero disables a topic.
type PublishConfig struct {
	DocumentsPort    int `mapstructure:"documents_port" validate:"gte=0,lt=65536"`
	MeasurementsPort int `mapstructure:"measurements_port" validate:"gte=0,lt=65536"`
}

// DeviceConfig describes one simulated device to instantiate at startup.
// DriverType selects which internal/simdrivers constructor builds it;
// Params is driver-specific (e.g. a stage's soft limits).
type DeviceConfig struct {
	ID         string         `mapstructure:"id" validate:"required"`
	Name       string         `mapstructure:"name" validate:"required"`
	DriverType string         `mapstructure:"driver_type" validate:"required"`
	Params     map[string]any `mapstructure:"params"`
}

// defaults are sized for a single-instrument bench setup: a modest ring
// buffer and the conventional local ports.
func defaults(v *viper.Viper) {
	v.SetDefault("rpc_port", 9090)
	v.SetDefault("stream_addr", ":9091")
	v.SetDefault("metrics_addr", ":9092")
	v.SetDefault("ring_buffer_path", "./daqd.ring")
	v.SetDefault("ring_capacity_records", 65536)
	v.SetDefault("ring_record_size", 4096)
	v.SetDefault("acquisition_dir", "./acquisitions")
	v.SetDefault("auth_token", "")
	v.SetDefault("publish.documents_port", 5502)
	v.SetDefault("publish.measurements_port", 5503)
}

// Load reads configPath (falling back to $DAQ_CONFIG when empty),
// applying DAQ_-prefixed environment variable overrides on top
// (DAQ_RPC_PORT overrides rpc_port, and so on: viper's standard
// dotted-to-underscore key mapping). $DAQ_PORT is an extra alias for
// rpc_port, per the daemon's documented environment surface.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("DAQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("rpc_port", "DAQ_RPC_PORT", "DAQ_PORT"); err != nil {
		return nil, fmt.Errorf("daqcfg: bind env: %w", err)
	}

	if configPath == "" {
		configPath = os.Getenv("DAQ_CONFIG")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("daqd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/daqd")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("daqcfg: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("daqcfg: unmarshal config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("daqcfg: invalid config: %w", err)
	}
	return &cfg, nil
}
