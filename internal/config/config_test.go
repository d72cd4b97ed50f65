package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.CellName != "LoadCell-01" {
		t.Errorf("CellName = %q", cfg.CellName)
	}
	if cfg.OPCUAPort != 4840 || cfg.HealthPort != 8081 {
		t.Errorf("ports = %d/%d", cfg.OPCUAPort, cfg.HealthPort)
	}
	if cfg.TickInterval != 50*time.Millisecond {
		t.Errorf("TickInterval = %s", cfg.TickInterval)
	}
	if cfg.RobotAddress != "sim://ur5e" {
		t.Errorf("RobotAddress = %q", cfg.RobotAddress)
	}
	if cfg.Resume {
		t.Error("Resume should default to false")
	}
	if cfg.ERPEndpoint != "" || cfg.ERPCyclePath != "/api/v1/cycle-reports" {
		t.Errorf("ERP = %q %q", cfg.ERPEndpoint, cfg.ERPCyclePath)
	}
	if cfg.PKIDir != "./pki" {
		t.Errorf("PKIDir = %q", cfg.PKIDir)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CELL_NAME", "LoadCell-07")
	t.Setenv("TICK_INTERVAL", "20ms")
	t.Setenv("RESUME", "true")
	t.Setenv("SIM_FAULT_RATE", "0.05")
	t.Setenv("OPCUA_PORT", "4841")
	t.Setenv("ERP_ENDPOINT", "http://mes.local:8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CellName != "LoadCell-07" {
		t.Errorf("CellName = %q", cfg.CellName)
	}
	if cfg.TickInterval != 20*time.Millisecond {
		t.Errorf("TickInterval = %s", cfg.TickInterval)
	}
	if !cfg.Resume {
		t.Error("Resume should be true")
	}
	if cfg.SimFaultRate != 0.05 {
		t.Errorf("SimFaultRate = %f", cfg.SimFaultRate)
	}
	if cfg.OPCUAPort != 4841 {
		t.Errorf("OPCUAPort = %d", cfg.OPCUAPort)
	}
	if cfg.ERPEndpoint != "http://mes.local:8080" {
		t.Errorf("ERPEndpoint = %q", cfg.ERPEndpoint)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
		want string
	}{
		{"zero tick", KeyTickInterval, "0s", KeyTickInterval},
		{"bad port", KeyOPCUAPort, 70000, KeyOPCUAPort},
		{"fault rate", KeySimFaultRate, 0.5, "fault rate"},
		{"time scale", KeySimTimeScale, 0.01, "time scale"},
		{"log level", KeyLogLevel, "loud", KeyLogLevel},
		{"empty name", KeyCellName, "", KeyCellName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			v.Set(tt.key, tt.val)

			_, err := LoadFrom(v)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestRuntimeConfig(t *testing.T) {
	rc := NewRuntimeConfig(&Config{SimTimeScale: 2, SimFaultRate: 0.01})

	if got := rc.ScaleDuration(10 * time.Second); got != 5*time.Second {
		t.Errorf("ScaleDuration = %s, want 5s", got)
	}
	if err := rc.SetTimeScale(200); err == nil {
		t.Error("SetTimeScale(200) should fail")
	}
	if err := rc.SetFaultRate(-0.1); err == nil {
		t.Error("SetFaultRate(-0.1) should fail")
	}
	if err := rc.SetTimeScale(10); err != nil {
		t.Fatal(err)
	}
	if err := rc.SetFaultRate(0.1); err != nil {
		t.Fatal(err)
	}

	snap := rc.Snapshot()
	if snap.TimeScale != 10 || snap.FaultRate != 0.1 {
		t.Errorf("snapshot = %+v", snap)
	}
}
