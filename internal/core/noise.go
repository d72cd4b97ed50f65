package core

import (
	"math/rand"
	"time"
)

// NoiseGenerator provides seeded randomness for simulated telemetry and faults
type NoiseGenerator struct {
	rng *rand.Rand
}

// NewNoiseGenerator creates a new noise generator
func NewNoiseGenerator() *NoiseGenerator {
	return NewSeededNoiseGenerator(time.Now().UnixNano())
}

// NewSeededNoiseGenerator creates a reproducible noise generator
func NewSeededNoiseGenerator(seed int64) *NoiseGenerator {
	return &NoiseGenerator{rng: rand.New(rand.NewSource(seed))}
}

// Bool returns true with the given probability
func (ng *NoiseGenerator) Bool(probability float64) bool {
	return ng.rng.Float64() < probability
}

// ShouldTrigger returns true with probability scaled by tickDuration vs cycleDuration
// Use this for per-tick probability checks (e.g., fault probability per motion)
func (ng *NoiseGenerator) ShouldTrigger(probabilityPerCycle float64, tickDuration, cycleDuration time.Duration) bool {
	if cycleDuration <= 0 {
		return false
	}
	scaledProbability := probabilityPerCycle * float64(tickDuration) / float64(cycleDuration)
	return ng.rng.Float64() < scaledProbability
}
