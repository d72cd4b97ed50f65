package cell

import (
	"sync"
	"time"

	"github.com/sebastiankruger/cell-sequencer/internal/core"
)

const cycleWindow = 100

// MetricsCollector tracks cycle times and running time of the cell
type MetricsCollector struct {
	partsPerCycle int

	// Time tracking
	lastUpdate   time.Time
	totalRunning time.Duration
	totalStopped time.Duration

	// Cycle tracking
	cycles        int
	cycleTimes    []time.Duration
	lastCycleTime time.Duration

	mu sync.RWMutex
}

// NewMetricsCollector creates a collector; partsPerCycle is the number of
// fixture slots loaded per cycle.
func NewMetricsCollector(partsPerCycle int, now time.Time) *MetricsCollector {
	return &MetricsCollector{
		partsPerCycle: partsPerCycle,
		lastUpdate:    now,
		cycleTimes:    make([]time.Duration, 0, cycleWindow),
	}
}

// Update accounts the time since the previous update to running or stopped
func (m *MetricsCollector) Update(state core.MachineState, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := now.Sub(m.lastUpdate)
	m.lastUpdate = now
	if elapsed <= 0 {
		return
	}

	if state == core.StateRunning {
		m.totalRunning += elapsed
	} else {
		m.totalStopped += elapsed
	}
}

// RecordCycle adds a completed cycle and its duration
func (m *MetricsCollector) RecordCycle(cycles int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cycles = cycles
	m.lastCycleTime = d
	m.cycleTimes = append(m.cycleTimes, d)

	// Keep only the last cycleWindow cycle times for the moving average
	if len(m.cycleTimes) > cycleWindow {
		m.cycleTimes = m.cycleTimes[1:]
	}
}

func (m *MetricsCollector) averageCycleTime() time.Duration {
	if len(m.cycleTimes) == 0 {
		return 0
	}

	var total time.Duration
	for _, t := range m.cycleTimes {
		total += t
	}
	return total / time.Duration(len(m.cycleTimes))
}

// Snapshot returns the current metrics
func (m *MetricsCollector) Snapshot(state core.MachineState) core.CellMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	avg := m.averageCycleTime()
	out := core.CellMetrics{
		CellState:        state.String(),
		CyclesCompleted:  m.cycles,
		LastCycleTime:    m.lastCycleTime.Seconds(),
		AverageCycleTime: avg.Seconds(),
		UptimeSeconds:    m.totalRunning.Seconds(),
		DowntimeSeconds:  m.totalStopped.Seconds(),
	}
	if avg > 0 {
		out.CyclesPerHour = float64(time.Hour) / float64(avg)
		out.PartsPerHour = out.CyclesPerHour * float64(m.partsPerCycle)
	}
	if total := m.totalRunning + m.totalStopped; total > 0 {
		out.Availability = float64(m.totalRunning) / float64(total) * 100
	}
	return out
}

// Reset clears all metrics
func (m *MetricsCollector) Reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastUpdate = now
	m.totalRunning = 0
	m.totalStopped = 0
	m.cycles = 0
	m.lastCycleTime = 0
	m.cycleTimes = make([]time.Duration, 0, cycleWindow)
}
