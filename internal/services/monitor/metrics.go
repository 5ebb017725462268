package monitor

import (
	"sort"
	"sync"
	"time"
)

// Counter names recorded by the pipeline and the sync channel
const (
	FramesCaptured    = "frames_captured"
	FramesDropped     = "frames_dropped"
	FramesSkipped     = "frames_skipped"
	DetectionTimeouts = "detection_timeouts"
	RegionsDetected   = "regions_detected"
	RegionsAligned    = "regions_aligned"
	RegionsEmbedded   = "regions_embedded"
	RegionsMatched    = "regions_matched"
	RegionsDiscarded  = "regions_discarded"
	UnknownFaces      = "unknown_faces"
	EventsEmitted     = "events_emitted"
	EventsDebounced   = "events_debounced"
	EventsDelivered   = "events_delivered"
	EventsFailed      = "events_failed"
	TelemetryDropped  = "telemetry_dropped"
	DeliveryAttempts  = "delivery_attempts"
)

// Latency stage names
const (
	StageDetect = "detect"
	StageAlign  = "align"
	StageEmbed  = "embed"
	StageMatch  = "match"
	StageFrame  = "frame"
)

type latency struct {
	count uint64
	total time.Duration
	max   time.Duration
}

// LatencyStats summarises the observed durations of one stage.
type LatencyStats struct {
	Count uint64  `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	MaxMs float64 `json:"max_ms"`
}

// Metrics collects counters and per-stage latencies. It is safe for
// concurrent use; a nil *Metrics discards everything.
type Metrics struct {
	mu        sync.Mutex
	counters  map[string]uint64
	latencies map[string]*latency
}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]uint64),
		latencies: make(map[string]*latency),
	}
}

// Inc increments a counter by one.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Add increments a counter by n.
func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counters[name] += n
	m.mu.Unlock()
}

// Count returns the current value of a counter.
func (m *Metrics) Count(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Observe records a stage duration.
func (m *Metrics) Observe(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.latencies[stage]
	if !ok {
		l = &latency{}
		m.latencies[stage] = l
	}
	l.count++
	l.total += d
	if d > l.max {
		l.max = d
	}
}

// Since records the time elapsed since start for a stage.
func (m *Metrics) Since(stage string, start time.Time) {
	m.Observe(stage, time.Since(start))
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Counters  map[string]uint64       `json:"counters"`
	Latencies map[string]LatencyStats `json:"latencies"`
}

// Snapshot copies the current values.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{Counters: map[string]uint64{}, Latencies: map[string]LatencyStats{}}
	if m == nil {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.counters {
		s.Counters[k] = v
	}
	for k, l := range m.latencies {
		stats := LatencyStats{Count: l.count, MaxMs: float64(l.max) / float64(time.Millisecond)}
		if l.count > 0 {
			stats.AvgMs = float64(l.total) / float64(l.count) / float64(time.Millisecond)
		}
		s.Latencies[k] = stats
	}
	return s
}

// Names returns the counter names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Counters))
	for k := range s.Counters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
