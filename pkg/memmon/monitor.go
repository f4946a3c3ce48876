// Package memmon watches memory-pool utilization and reacts when it crosses
// a pressure threshold
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// PressureSource reports utilization in [0, 1]
type PressureSource interface {
	Utilization() float64
}

// PressureFunc is invoked when utilization is at or above the threshold
type PressureFunc func(ctx context.Context)

// MonitorConfig configures pressure monitoring behavior
type MonitorConfig struct {
	// Threshold is the utilization at which OnPressure runs
	Threshold float64

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// IncludeRuntime adds Go heap figures to each sample
	IncludeRuntime bool

	// Clock timestamps samples; the wall clock when nil
	Clock types.Clock

	// Logger for monitoring events
	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Threshold:  0.8,
		MaxSamples: 100,
	}
}

// Sample is one utilization reading
type Sample struct {
	Timestamp    time.Time
	Utilization  float64
	Triggered    bool
	HeapAlloc    uint64
	NumGoroutine int
}

// Stats summarizes the monitor's history
type Stats struct {
	SampleCount int
	Triggers    uint64
	Peak        float64
	Current     Sample
}

// Monitor samples a PressureSource on each Check and runs the pressure
// callback when utilization reaches the threshold
type Monitor struct {
	config     MonitorConfig
	source     PressureSource
	onPressure PressureFunc
	logger     *utils.StructuredLogger

	mu       sync.RWMutex
	samples  []Sample
	triggers uint64
	peak     float64
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// NewMonitor creates a monitor for source
func NewMonitor(config MonitorConfig, source PressureSource, onPressure PressureFunc) (*Monitor, error) {
	if source == nil {
		return nil, fmt.Errorf("pressure source is required")
	}
	if config.Threshold <= 0 || config.Threshold > 1 {
		return nil, fmt.Errorf("pressure threshold %.2f must be within (0, 1]", config.Threshold)
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = DefaultMonitorConfig().MaxSamples
	}
	if config.Clock == nil {
		config.Clock = wallClock{}
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}

	return &Monitor{
		config:     config,
		source:     source,
		onPressure: onPressure,
		logger:     config.Logger.WithComponent("memmon"),
		samples:    make([]Sample, 0, config.MaxSamples),
	}, nil
}

// Check takes a sample and, above the threshold, runs the pressure
// callback. It reports whether the callback ran.
func (m *Monitor) Check(ctx context.Context) bool {
	sample := m.takeSample()
	sample.Triggered = sample.Utilization >= m.config.Threshold

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.config.MaxSamples {
		m.samples = m.samples[1:]
	}
	if sample.Utilization > m.peak {
		m.peak = sample.Utilization
	}
	if sample.Triggered {
		m.triggers++
	}
	m.mu.Unlock()

	if !sample.Triggered {
		return false
	}

	m.logger.Info("Memory pressure detected", map[string]interface{}{
		"utilization": sample.Utilization,
		"threshold":   m.config.Threshold,
	})
	if m.onPressure != nil {
		m.onPressure(ctx)
	}
	return true
}

func (m *Monitor) takeSample() Sample {
	sample := Sample{
		Timestamp:   m.config.Clock.Now(),
		Utilization: m.source.Utilization(),
	}
	if m.config.IncludeRuntime {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		sample.HeapAlloc = memStats.HeapAlloc
		sample.NumGoroutine = runtime.NumGoroutine()
	}
	return sample
}

// GetStats returns current monitor statistics
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		SampleCount: len(m.samples),
		Triggers:    m.triggers,
		Peak:        m.peak,
	}
	if len(m.samples) > 0 {
		stats.Current = m.samples[len(m.samples)-1]
	}
	return stats
}

// GetSamples returns sample history
func (m *Monitor) GetSamples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	samples := make([]Sample, len(m.samples))
	copy(samples, m.samples)
	return samples
}
