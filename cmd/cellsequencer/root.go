package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sebastiankruger/cell-sequencer/internal/config"
)

// app carries the viper instance shared by all subcommands
type app struct {
	v       *viper.Viper
	cfgFile string
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	config.SetDefaults(a.v)

	root := &cobra.Command{
		Use:   "cellsequencer",
		Short: "Pick, fasten and stack controller for a robotic load cell",
		Long: `cellsequencer drives a robot arm through the load cell cycle:
pick a part from the tray, fasten it, unload the finished part and stack
it. Progress is checkpointed to sqlite so a stopped cell can resume.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (yaml, json or toml)")
	pf.String("cell-name", "", "cell name, used as OPC UA folder and checkpoint key")
	pf.String("waypoint-file", "", "waypoint profile (built-in profile when empty)")
	pf.String("checkpoint-db", "", "sqlite checkpoint database")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	a.bind(pf.Lookup("cell-name"), config.KeyCellName)
	a.bind(pf.Lookup("waypoint-file"), config.KeyWaypointFile)
	a.bind(pf.Lookup("checkpoint-db"), config.KeyCheckpointDB)
	a.bind(pf.Lookup("log-level"), config.KeyLogLevel)

	f := root.Flags()
	f.String("robot-address", "", "robot controller address")
	f.Int("opcua-port", 0, "OPC UA server port")
	f.Int("health-port", 0, "HTTP port for health and API")
	f.String("cycle-log", "", "append phase transitions to this CSV file")
	f.Bool("resume", false, "resume from the stored checkpoint")
	f.Float64("time-scale", 0, "simulation time multiplier")
	f.Float64("fault-rate", 0, "simulated faults per motion command")
	f.String("erp-endpoint", "", "base URL for cycle and fault reports (disabled when empty)")
	a.bind(f.Lookup("robot-address"), config.KeyRobotAddress)
	a.bind(f.Lookup("opcua-port"), config.KeyOPCUAPort)
	a.bind(f.Lookup("health-port"), config.KeyHealthPort)
	a.bind(f.Lookup("cycle-log"), config.KeyCycleLogCSV)
	a.bind(f.Lookup("resume"), config.KeyResume)
	a.bind(f.Lookup("time-scale"), config.KeySimTimeScale)
	a.bind(f.Lookup("fault-rate"), config.KeySimFaultRate)
	a.bind(f.Lookup("erp-endpoint"), config.KeyERPEndpoint)

	root.AddCommand(newWaypointsCmd(a), newCheckpointCmd(a))
	return root
}

func (a *app) bind(flag *pflag.Flag, key string) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

// initConfig reads the config file and environment. Flags take precedence
// over both.
func (a *app) initConfig() error {
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", a.cfgFile, err)
		}
		log.Info().Str("file", a.v.ConfigFileUsed()).Msg("Using config file")
	}
	return nil
}

// load builds the validated config and applies the log level.
func (a *app) load() (*config.Config, error) {
	cfg, err := config.LoadFrom(a.v)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}
