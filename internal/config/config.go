package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds all configuration for the cell sequencer
type Config struct {
	// Core settings
	CellName   string
	OPCUAPort  int
	HealthPort int
	PKIDir     string

	// Timing settings
	TickInterval    time.Duration
	PublishInterval time.Duration

	// Robot and cell data
	RobotAddress string
	WaypointFile string

	// Persistence
	CheckpointDB string
	CycleLogCSV  string
	Resume       bool

	// ERP reporting, disabled when ERPEndpoint is empty
	ERPEndpoint  string
	ERPCyclePath string
	ERPFaultPath string

	// Simulation settings
	SimFaultRate float64
	SimTimeScale float64

	LogLevel string
}

// Keys are the environment variable names; viper upper-cases them for env lookup.
const (
	KeyCellName        = "cell_name"
	KeyOPCUAPort       = "opcua_port"
	KeyHealthPort      = "health_port"
	KeyPKIDir          = "pki_dir"
	KeyTickInterval    = "tick_interval"
	KeyPublishInterval = "publish_interval"
	KeyRobotAddress    = "robot_address"
	KeyWaypointFile    = "waypoint_file"
	KeyCheckpointDB    = "checkpoint_db"
	KeyCycleLogCSV     = "cycle_log_csv"
	KeyResume          = "resume"
	KeyERPEndpoint     = "erp_endpoint"
	KeyERPCyclePath    = "erp_cycle_path"
	KeyERPFaultPath    = "erp_fault_path"
	KeySimFaultRate    = "sim_fault_rate"
	KeySimTimeScale    = "sim_time_scale"
	KeyLogLevel        = "log_level"
)

// SetDefaults registers the default for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyCellName, "LoadCell-01")
	v.SetDefault(KeyOPCUAPort, 4840)
	v.SetDefault(KeyHealthPort, 8081)
	v.SetDefault(KeyPKIDir, "./pki")
	v.SetDefault(KeyTickInterval, 50*time.Millisecond)
	v.SetDefault(KeyPublishInterval, 1*time.Second)
	v.SetDefault(KeyRobotAddress, "sim://ur5e")
	v.SetDefault(KeyWaypointFile, "")
	v.SetDefault(KeyCheckpointDB, "cell.db")
	v.SetDefault(KeyCycleLogCSV, "")
	v.SetDefault(KeyResume, false)
	v.SetDefault(KeyERPEndpoint, "")
	v.SetDefault(KeyERPCyclePath, "/api/v1/cycle-reports")
	v.SetDefault(KeyERPFaultPath, "/api/v1/fault-reports")
	v.SetDefault(KeySimFaultRate, 0.0)
	v.SetDefault(KeySimTimeScale, 1.0)
	v.SetDefault(KeyLogLevel, "info")
}

// Load reads configuration from environment variables with defaults
func Load() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()
	return LoadFrom(v)
}

// LoadFrom builds a Config from an already prepared viper instance, e.g. one
// with command line flags bound.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		CellName:   v.GetString(KeyCellName),
		OPCUAPort:  v.GetInt(KeyOPCUAPort),
		HealthPort: v.GetInt(KeyHealthPort),
		PKIDir:     v.GetString(KeyPKIDir),

		TickInterval:    v.GetDuration(KeyTickInterval),
		PublishInterval: v.GetDuration(KeyPublishInterval),

		RobotAddress: v.GetString(KeyRobotAddress),
		WaypointFile: v.GetString(KeyWaypointFile),

		CheckpointDB: v.GetString(KeyCheckpointDB),
		CycleLogCSV:  v.GetString(KeyCycleLogCSV),
		Resume:       v.GetBool(KeyResume),

		ERPEndpoint:  v.GetString(KeyERPEndpoint),
		ERPCyclePath: v.GetString(KeyERPCyclePath),
		ERPFaultPath: v.GetString(KeyERPFaultPath),

		SimFaultRate: v.GetFloat64(KeySimFaultRate),
		SimTimeScale: v.GetFloat64(KeySimTimeScale),

		LogLevel: v.GetString(KeyLogLevel),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.CellName == "" {
		return fmt.Errorf("%s must not be empty", KeyCellName)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeyTickInterval, c.TickInterval)
	}
	if c.PublishInterval <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeyPublishInterval, c.PublishInterval)
	}
	if c.OPCUAPort <= 0 || c.OPCUAPort > 65535 {
		return fmt.Errorf("%s out of range: %d", KeyOPCUAPort, c.OPCUAPort)
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return fmt.Errorf("%s out of range: %d", KeyHealthPort, c.HealthPort)
	}
	if err := validateFaultRate(c.SimFaultRate); err != nil {
		return err
	}
	if err := validateTimeScale(c.SimTimeScale); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	return nil
}

func validateFaultRate(rate float64) error {
	if rate < 0.0 || rate > 0.2 {
		return fmt.Errorf("fault rate must be between 0.0 and 0.2, got %f", rate)
	}
	return nil
}

func validateTimeScale(scale float64) error {
	if scale < 0.1 || scale > 100.0 {
		return fmt.Errorf("time scale must be between 0.1 and 100.0, got %f", scale)
	}
	return nil
}
