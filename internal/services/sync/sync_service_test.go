package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/db"
	"face-attendance-go/internal/services/monitor"

	"gorm.io/gorm"
)

type fakeTransport struct {
	mu        gosync.Mutex
	connected bool
	fail      func(env Envelope) error
	delivered []Envelope
	attempts  int
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	f.mu.Unlock()
}

func (f *fakeTransport) Deliver(ctx context.Context, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fail != nil {
		if err := f.fail(env); err != nil {
			return err
		}
	}
	f.delivered = append(f.delivered, env)
	return nil
}

func (f *fakeTransport) deliveredIDs(kind string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, env := range f.delivered {
		if env.Kind == kind {
			ids = append(ids, env.ID)
		}
	}
	return ids
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(config.DBConfig{Driver: "sqlite", File: "file::memory:"})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	sqlDB, _ := gdb.DB()
	t.Cleanup(func() { sqlDB.Close() })
	return gdb
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		BufferSize:         4,
		MaxRetries:         3,
		RetryBackoffFactor: 2,
		DeliveryTimeout:    time.Second,
	}
}

func event(id string) models.AttendanceEvent {
	return models.AttendanceEvent{ID: id, IdentityID: "ada", IdentityName: "Ada", Timestamp: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Factor: 2, Max: 10 * time.Second}
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{12, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.retries); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}

	last := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if b.Due(last, 2, last.Add(time.Second)) {
		t.Error("Expected retry 2 not to be due after 1s")
	}
	if !b.Due(last, 2, last.Add(2*time.Second)) {
		t.Error("Expected retry 2 to be due after 2s")
	}
	if !b.Due(time.Time{}, 0, last) {
		t.Error("Expected first attempt to be due")
	}
}

func TestBufferNeverDropsEvents(t *testing.T) {
	b := newBuffer(3)
	dropped := 0
	dropped += b.push(Envelope{ID: "t1", Kind: KindTelemetry})
	dropped += b.push(Envelope{ID: "t2", Kind: KindTelemetry})
	dropped += b.push(Envelope{ID: "e1", Kind: KindAttendance})
	dropped += b.push(Envelope{ID: "t3", Kind: KindTelemetry}) // evicts t1
	for _, id := range []string{"e2", "e3", "e4", "e5"} {
		dropped += b.push(Envelope{ID: id, Kind: KindAttendance})
	}
	dropped += b.push(Envelope{ID: "t4", Kind: KindTelemetry}) // evicts t2, t3 and is dropped itself

	if dropped != 4 {
		t.Errorf("Expected 4 dropped telemetry envelopes, got %d", dropped)
	}

	var got []string
	for _, env := range b.takeCritical() {
		got = append(got, env.ID)
	}
	if want := []string{"e1", "e2", "e3", "e4", "e5"}; !equalIDs(got, want) {
		t.Errorf("Expected events %v, got %v", want, got)
	}
	if _, ok := b.popTelemetry(); ok {
		t.Error("Expected no telemetry left")
	}
}

func TestOfflineEventsFlushInOrder(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	svc := NewService(openTestDB(t), testSyncConfig(), "dev-1", transport, monitor.NewMetrics())

	want := []string{"e1", "e2", "e3", "e4", "e5", "e6"}
	for _, id := range want {
		if err := svc.Submit(event(id)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	svc.cycle(ctx)
	if transport.attempts != 0 {
		t.Fatalf("Expected no attempts while disconnected, got %d", transport.attempts)
	}
	status, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Pending != int64(len(want)) || status.Buffered != 0 {
		t.Errorf("Unexpected status while offline: %+v", status)
	}

	transport.setConnected(true)
	svc.cycle(ctx)
	if got := transport.deliveredIDs(KindAttendance); !equalIDs(got, want) {
		t.Errorf("Expected delivery order %v, got %v", want, got)
	}
	status, _ = svc.Status(ctx)
	if status.Pending != 0 || status.Failed != 0 {
		t.Errorf("Expected empty outbox, got %+v", status)
	}
}

func TestRetriesExhaustedReportsFailure(t *testing.T) {
	ctx := context.Background()
	errBroker := errors.New("broker rejected")
	transport := &fakeTransport{connected: true, fail: func(env Envelope) error {
		if env.ID == "e1" {
			return errBroker
		}
		return nil
	}}
	metrics := monitor.NewMetrics()
	svc := NewService(openTestDB(t), testSyncConfig(), "dev-1", transport, metrics)

	svc.Submit(event("e1"))
	svc.Submit(event("e2"))

	for i := 0; i < 3; i++ {
		svc.cycle(ctx)
	}

	select {
	case failure := <-svc.Failures():
		if failure.EventID != "e1" || failure.Attempts != 3 || !errors.Is(failure.Cause, errBroker) {
			t.Errorf("Unexpected failure report: %+v", failure)
		}
	default:
		t.Fatal("Expected a failure report")
	}
	if got := transport.deliveredIDs(KindAttendance); !equalIDs(got, []string{"e2"}) {
		t.Errorf("Expected e2 delivered after e1 failed, got %v", got)
	}
	if metrics.Count(monitor.EventsFailed) != 1 {
		t.Errorf("Expected 1 failed event, got %d", metrics.Count(monitor.EventsFailed))
	}

	failed, err := svc.Outbox().Failed(ctx)
	if err != nil || len(failed) != 1 || failed[0].EventID != "e1" {
		t.Fatalf("Expected e1 kept as failed, got %v (%v)", failed, err)
	}

	transport.fail = nil
	n, err := svc.RequeueFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RequeueFailed = %d, %v", n, err)
	}
	svc.cycle(ctx)
	if got := transport.deliveredIDs(KindAttendance); !equalIDs(got, []string{"e2", "e1"}) {
		t.Errorf("Expected requeued e1 delivered, got %v", got)
	}
}

func TestDisconnectDoesNotConsumeRetries(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{connected: true}
	transport.fail = func(Envelope) error {
		transport.connected = false // lost mid-delivery
		return errors.New("connection lost")
	}
	svc := NewService(openTestDB(t), testSyncConfig(), "dev-1", transport, monitor.NewMetrics())
	svc.Submit(event("e1"))
	svc.cycle(ctx)

	head, err := svc.Outbox().Head(ctx)
	if err != nil || head == nil {
		t.Fatalf("Expected e1 still pending, got %v (%v)", head, err)
	}
	if head.Retries != 0 {
		t.Errorf("Expected no retry consumed, got %d", head.Retries)
	}
}

func TestBackoffDefersRetry(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig()
	cfg.RetryInitialDelay = time.Minute
	transport := &fakeTransport{connected: true, fail: func(Envelope) error { return errors.New("nope") }}
	svc := NewService(openTestDB(t), cfg, "dev-1", transport, monitor.NewMetrics())
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	svc.Submit(event("e1"))
	svc.cycle(ctx)
	svc.cycle(ctx)
	if transport.attempts != 1 {
		t.Fatalf("Expected a single attempt inside the backoff window, got %d", transport.attempts)
	}

	now = now.Add(time.Minute)
	svc.cycle(ctx)
	if transport.attempts != 2 {
		t.Errorf("Expected a retry after the backoff window, got %d attempts", transport.attempts)
	}
}

func TestOutboxOrderSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	gdb := openTestDB(t)

	first := NewService(gdb, testSyncConfig(), "dev-1", nil, nil)
	for _, id := range []string{"e1", "e2", "e3"} {
		first.Submit(event(id))
	}
	if err := first.persist(ctx); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	transport := &fakeTransport{connected: true}
	second := NewService(gdb, testSyncConfig(), "dev-1", transport, nil)
	second.Submit(event("e4"))
	second.cycle(ctx)

	if got := transport.deliveredIDs(KindAttendance); !equalIDs(got, []string{"e1", "e2", "e3", "e4"}) {
		t.Errorf("Expected outbox order preserved, got %v", got)
	}
}

func TestTelemetryOverflowKeepsEvents(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	metrics := monitor.NewMetrics()
	svc := NewService(openTestDB(t), testSyncConfig(), "dev-1", transport, metrics)

	svc.Submit(event("e1"))
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		svc.SubmitTelemetry(id, map[string]int{"frames": 1})
	}
	svc.Submit(event("e2"))

	if metrics.Count(monitor.TelemetryDropped) != 3 {
		t.Errorf("Expected 3 dropped telemetry messages, got %d", metrics.Count(monitor.TelemetryDropped))
	}

	transport.setConnected(true)
	svc.cycle(ctx)
	if got := transport.deliveredIDs(KindAttendance); !equalIDs(got, []string{"e1", "e2"}) {
		t.Errorf("Expected both events delivered, got %v", got)
	}
	if got := transport.deliveredIDs(KindTelemetry); !equalIDs(got, []string{"t4", "t5", "t6"}) {
		t.Errorf("Expected newest telemetry delivered, got %v", got)
	}
}

func (f *fakeTransport) criticalIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, env := range f.delivered {
		if env.Critical() {
			ids = append(ids, env.ID)
		}
	}
	return ids
}

func TestIdentityUpdatesDeliveredInOrderWithEvents(t *testing.T) {
	ctx := context.Background()
	gdb := openTestDB(t)
	transport := &fakeTransport{}
	svc := NewService(gdb, testSyncConfig(), "dev-1", transport, monitor.NewMetrics())

	// queued by a command running outside the daemon
	offline, err := NewEnvelope("i0", KindIdentity, "dev-1", time.Now(), models.IdentityUpdate{Action: models.IdentityActionRemove, ID: "old"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := NewOutbox(gdb, 3).Append(ctx, []Envelope{offline}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	enroll := models.IdentityUpdate{
		Action:     models.IdentityActionEnroll,
		ID:         "ada",
		Name:       "Ada",
		Embeddings: [][]float32{{0.6, 0.8}, {0.8, 0.6}},
	}
	svc.Submit(event("e1"))
	if err := svc.SubmitIdentity("i1", enroll); err != nil {
		t.Fatalf("SubmitIdentity failed: %v", err)
	}
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		svc.SubmitTelemetry(id, map[string]int{"frames": 1})
	}
	svc.Submit(event("e2"))
	svc.SubmitIdentity("i2", models.IdentityUpdate{Action: models.IdentityActionRemove, ID: "ada"})

	transport.setConnected(true)
	svc.cycle(ctx)

	want := []string{"i0", "e1", "i1", "e2", "i2"}
	if got := transport.criticalIDs(); !equalIDs(got, want) {
		t.Fatalf("Expected delivery order %v, got %v", want, got)
	}
	if got := transport.deliveredIDs(KindIdentity); !equalIDs(got, []string{"i0", "i1", "i2"}) {
		t.Errorf("Expected all identity updates delivered, got %v", got)
	}

	var decoded models.IdentityUpdate
	for _, env := range transport.delivered {
		if env.ID == "i1" {
			if err := json.Unmarshal(env.Payload, &decoded); err != nil {
				t.Fatalf("Failed to decode identity payload: %v", err)
			}
		}
	}
	if decoded.Action != models.IdentityActionEnroll || decoded.Name != "Ada" || len(decoded.Embeddings) != 2 {
		t.Errorf("Unexpected identity payload: %+v", decoded)
	}
}

func TestStartStopPersistsBuffered(t *testing.T) {
	ctx := context.Background()
	cfg := testSyncConfig()
	cfg.PollInterval = time.Hour
	svc := NewService(openTestDB(t), cfg, "dev-1", nil, nil)
	svc.Start()
	svc.Submit(event("e1"))
	svc.Stop()

	status, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Pending != 1 || status.Buffered != 0 {
		t.Errorf("Expected the event persisted on stop, got %+v", status)
	}
}
