package sync

import (
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"
)

// Envelope kinds
const (
	KindAttendance = "attendance"
	KindIdentity   = "identity"
	KindTelemetry  = "telemetry"
)

// Envelope is the unit handed to a Transport.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	DeviceID  string          `json:"device_id"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// NewEnvelope encodes payload into an envelope.
func NewEnvelope(id, kind, deviceID string, createdAt time.Time, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	return Envelope{ID: id, Kind: kind, DeviceID: deviceID, CreatedAt: createdAt.UTC(), Payload: data}, nil
}

// Critical reports whether the envelope must never be dropped.
func (e Envelope) Critical() bool {
	return e.Kind != KindTelemetry
}

// buffer is the bounded in-memory queue between Submit and the outbox.
// Critical envelopes are always accepted. Telemetry is limited to the free
// capacity and evicts the oldest telemetry on overflow.
type buffer struct {
	mu       gosync.Mutex
	items    []Envelope
	capacity int
	notify   chan struct{}
}

func newBuffer(capacity int) *buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &buffer{capacity: capacity, notify: make(chan struct{}, 1)}
}

// push appends env and returns the number of telemetry envelopes dropped.
func (b *buffer) push(env Envelope) int {
	b.mu.Lock()
	dropped := 0
	if env.Critical() {
		b.items = append(b.items, env)
	} else {
		for len(b.items) >= b.capacity {
			if !b.evictTelemetryLocked() {
				break
			}
			dropped++
		}
		if len(b.items) < b.capacity {
			b.items = append(b.items, env)
		} else {
			dropped++
		}
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (b *buffer) evictTelemetryLocked() bool {
	for i, item := range b.items {
		if !item.Critical() {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true
		}
	}
	return false
}

// takeCritical removes and returns the critical envelopes in submission order.
func (b *buffer) takeCritical() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var critical []Envelope
	kept := b.items[:0]
	for _, item := range b.items {
		if item.Critical() {
			critical = append(critical, item)
		} else {
			kept = append(kept, item)
		}
	}
	b.items = kept
	return critical
}

// requeue puts envelopes back in front of anything submitted meanwhile.
func (b *buffer) requeue(envs []Envelope) {
	b.mu.Lock()
	b.items = append(append([]Envelope(nil), envs...), b.items...)
	b.mu.Unlock()
}

// popTelemetry removes and returns the oldest telemetry envelope.
func (b *buffer) popTelemetry() (Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, item := range b.items {
		if !item.Critical() {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return item, true
		}
	}
	return Envelope{}, false
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
