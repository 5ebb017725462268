// Package monitor samples system resources and publishes pipeline telemetry.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
)

const cpuSampleRate = 500 * time.Millisecond

// SystemStats holds process and host resource usage.
type SystemStats struct {
	NumCPU      int     `json:"num_cpu"`
	GoRoutines  int     `json:"go_routines"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	MemoryAlloc uint64  `json:"memory_alloc"`
	MemorySys   uint64  `json:"memory_sys"`
}

// Telemetry is the periodic report sent to the backend.
type Telemetry struct {
	DeviceID  string      `json:"device_id"`
	Timestamp time.Time   `json:"timestamp"`
	System    SystemStats `json:"system"`
	Snapshot
}

// Monitor combines pipeline metrics with resource sampling.
type Monitor struct {
	deviceID string
	metrics  *Metrics

	cpuMu    sync.Mutex
	lastCPU  time.Time
	cpuUsage float64
}

// New creates a monitor for the given metrics registry.
func New(deviceID string, metrics *Metrics) *Monitor {
	return &Monitor{deviceID: deviceID, metrics: metrics}
}

// Metrics returns the registry.
func (m *Monitor) Metrics() *Metrics {
	return m.metrics
}

// CPUUsage returns the total CPU utilisation, cached for cpuSampleRate.
func (m *Monitor) CPUUsage() float64 {
	m.cpuMu.Lock()
	defer m.cpuMu.Unlock()

	if !m.lastCPU.IsZero() && time.Since(m.lastCPU) < cpuSampleRate {
		return m.cpuUsage
	}
	percentages, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		log.Warnf("CPU sampling failed: %v", err)
		return 0
	}
	if len(percentages) > 0 {
		m.cpuUsage = percentages[0]
	}
	m.lastCPU = time.Now()
	return m.cpuUsage
}

// SystemStats samples the current resource usage.
func (m *Monitor) SystemStats() SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := SystemStats{
		NumCPU:      runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		CPUUsage:    m.CPUUsage(),
		MemoryAlloc: memStats.Alloc,
		MemorySys:   memStats.Sys,
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsage = vm.UsedPercent
	}
	return stats
}

// Telemetry builds a full report.
func (m *Monitor) Telemetry() Telemetry {
	return Telemetry{
		DeviceID:  m.deviceID,
		Timestamp: time.Now(),
		System:    m.SystemStats(),
		Snapshot:  m.metrics.Snapshot(),
	}
}

// Run publishes telemetry every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, publish func(Telemetry)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t := m.Telemetry()
			log.WithFields(log.Fields{
				"cpu":    fmt.Sprintf("%.1f%%", t.System.CPUUsage),
				"memory": FormatBytes(t.System.MemoryAlloc),
				"events": t.Counters[EventsEmitted],
			}).Debug("Publishing telemetry")
			publish(t)
		}
	}
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d Bytes", bytes)
	}
}
