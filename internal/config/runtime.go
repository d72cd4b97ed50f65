package config

import (
	"sync"
	"time"
)

// RuntimeConfig holds configuration values that can be changed at runtime.
// All methods are thread-safe.
type RuntimeConfig struct {
	mu        sync.RWMutex
	timeScale float64 // simulated seconds per wall clock second
	faultRate float64 // simulated faults per motion command
}

// NewRuntimeConfig creates a new RuntimeConfig from the static Config.
func NewRuntimeConfig(cfg *Config) *RuntimeConfig {
	return &RuntimeConfig{
		timeScale: cfg.SimTimeScale,
		faultRate: cfg.SimFaultRate,
	}
}

// GetTimeScale returns the current simulation time multiplier.
func (rc *RuntimeConfig) GetTimeScale() float64 {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.timeScale
}

// GetFaultRate returns the current simulated fault rate (0.0 - 0.2).
func (rc *RuntimeConfig) GetFaultRate() float64 {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.faultRate
}

// ScaleDuration converts a simulated duration into wall clock time.
// Higher scale = faster simulation = shorter duration.
func (rc *RuntimeConfig) ScaleDuration(d time.Duration) time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return time.Duration(float64(d) / rc.timeScale)
}

// SetTimeScale sets the simulation time multiplier.
// Valid range: 0.1 - 100.0
func (rc *RuntimeConfig) SetTimeScale(scale float64) error {
	if err := validateTimeScale(scale); err != nil {
		return err
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.timeScale = scale
	return nil
}

// SetFaultRate sets the simulated fault rate.
// Valid range: 0.0 - 0.2
func (rc *RuntimeConfig) SetFaultRate(rate float64) error {
	if err := validateFaultRate(rate); err != nil {
		return err
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.faultRate = rate
	return nil
}

// RuntimeConfigSnapshot is a copy of all current values for safe reading.
type RuntimeConfigSnapshot struct {
	TimeScale float64
	FaultRate float64
}

// Snapshot returns a point-in-time copy of all runtime config values.
func (rc *RuntimeConfig) Snapshot() RuntimeConfigSnapshot {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return RuntimeConfigSnapshot{
		TimeScale: rc.timeScale,
		FaultRate: rc.faultRate,
	}
}
