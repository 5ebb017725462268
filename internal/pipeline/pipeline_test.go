package pipeline

import (
	"context"
	"image"
	"image/color"
	"io"
	"sync"
	"testing"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/core/processor"
	"face-attendance-go/internal/identity"
	"face-attendance-go/internal/services/monitor"
	"face-attendance-go/internal/vision"

	"github.com/disintegration/imaging"
)

func TestDebouncer(t *testing.T) {
	d := NewDebouncer(30 * time.Second)
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		id   string
		ts   time.Time
		want bool
	}{
		{"first sighting", "ada", t0, true},
		{"within cooldown", "ada", t0.Add(10 * time.Second), false},
		{"other identity", "grace", t0.Add(10 * time.Second), true},
		{"older frame", "ada", t0.Add(-5 * time.Second), false},
		{"just before window end", "ada", t0.Add(30*time.Second - time.Nanosecond), false},
		{"window elapsed", "ada", t0.Add(30 * time.Second), true},
	}
	for _, tt := range tests {
		if got := d.Allow(tt.id, tt.ts); got != tt.want {
			t.Errorf("%s: Allow() = %v, want %v", tt.name, got, tt.want)
		}
	}

	d.Reset("ada")
	if !d.Allow("ada", t0.Add(31*time.Second)) {
		t.Error("Expected reset identity to be allowed")
	}
}

// faceBackend reports one face with eye landmarks when the frame is marked.
type faceBackend struct{}

func (faceBackend) Name() string { return "fake" }
func (faceBackend) Close() error { return nil }
func (faceBackend) Detect(ctx context.Context, img image.Image, emit func(models.FaceRegion)) error {
	if img.Bounds().Dx() != 200 {
		return nil // blank frames are narrower
	}
	emit(faceRegion())
	return nil
}

func faceRegion() models.FaceRegion {
	return models.FaceRegion{
		Box:        models.BoundingBox{X: 50, Y: 50, W: 100, H: 100},
		Confidence: 0.95,
		Landmarks: []models.Landmark{
			{Name: models.LandmarkRightEye, Point: models.Point{X: 80, Y: 90}},
			{Name: models.LandmarkLeftEye, Point: models.Point{X: 120, Y: 90}},
		},
	}
}

func faceImage() *image.NRGBA {
	img := imaging.New(200, 200, color.NRGBA{190, 170, 150, 255})
	for _, p := range []image.Point{{80, 90}, {120, 90}, {100, 130}} {
		for y := p.Y - 4; y <= p.Y+4; y++ {
			for x := p.X - 6; x <= p.X+6; x++ {
				img.Set(x, y, color.NRGBA{30, 30, 30, 255})
			}
		}
	}
	return img
}

type fixture struct {
	pipeline *Pipeline
	metrics  *monitor.Metrics
	store    *identity.Store
}

func newFixture(t *testing.T, source *sliceSource, cooldown time.Duration) *fixture {
	t.Helper()
	metrics := monitor.NewMetrics()
	aligner := vision.NewAligner(config.AlignerConfig{Size: 64, MinLandmarks: 2})
	embedder, err := vision.NewLBPEmbedder(64, 4)
	if err != nil {
		t.Fatalf("NewLBPEmbedder failed: %v", err)
	}
	store := identity.NewStore(identity.Options{Metric: identity.MetricCosine, Threshold: 0.2, Dimension: embedder.Dimension()}, nil)

	// enroll the face the fake backend reports
	face, err := aligner.Align(faceImage(), faceRegion())
	if err != nil {
		t.Fatalf("Align failed: %v", err)
	}
	vec, err := embedder.Embed(context.Background(), face)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if _, err := store.Enroll(context.Background(), identity.Ref{Name: "Ada"}, vec); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	detector := vision.NewDetector(faceBackend{}, config.DetectorConfig{Budget: time.Second, IoUThreshold: 0.3, MinConfidence: 0.5})
	pool := processor.NewWorkerPool(processor.NewRegionProcessor(aligner, embedder, store, metrics), 2)
	p := New(config.PipelineConfig{QueueSize: 64, FrameWorkers: 1, Cooldown: cooldown}, source, detector, pool, metrics)
	return &fixture{pipeline: p, metrics: metrics, store: store}
}

type sliceSource struct {
	mu     sync.Mutex
	frames []*models.Frame
}

func (s *sliceSource) ID() string   { return "test-cam" }
func (s *sliceSource) Close() error { return nil }
func (s *sliceSource) Next(ctx context.Context) (*models.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func frameAt(seq uint64, ts time.Time, img image.Image) *models.Frame {
	return &models.Frame{Seq: seq, SourceID: "test-cam", CapturedAt: ts, Image: img}
}

func TestZeroFacesProduceNoEvents(t *testing.T) {
	f := newFixture(t, &sliceSource{}, 30*time.Second)
	blank := imaging.New(100, 100, color.White)
	events := f.pipeline.ProcessFrame(context.Background(), frameAt(1, time.Now(), blank))
	if len(events) != 0 {
		t.Errorf("Expected no events, got %d", len(events))
	}
	if f.metrics.Count(monitor.RegionsDetected) != 0 {
		t.Error("Expected no regions")
	}
	if stats := f.pipeline.Stats(); stats.RegionWorkers != 2 || stats.JobCapacity != 4 || stats.ActiveJobs != 0 {
		t.Errorf("Unexpected pool stats: %+v", stats)
	}
}

func TestDebounceAcrossFrames(t *testing.T) {
	f := newFixture(t, &sliceSource{}, 30*time.Second)
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	total := 0
	for i := 0; i < 5; i++ {
		events := f.pipeline.ProcessFrame(context.Background(), frameAt(uint64(i+1), t0.Add(time.Duration(i)*time.Second), faceImage()))
		total += len(events)
	}
	if total != 1 {
		t.Fatalf("Expected exactly one event within cooldown, got %d", total)
	}
	if f.metrics.Count(monitor.EventsDebounced) != 4 {
		t.Errorf("Expected 4 debounced matches, got %d", f.metrics.Count(monitor.EventsDebounced))
	}

	events := f.pipeline.ProcessFrame(context.Background(), frameAt(6, t0.Add(31*time.Second), faceImage()))
	if len(events) != 1 {
		t.Fatalf("Expected a new event after the cooldown, got %d", len(events))
	}
	ev := events[0]
	if ev.IdentityName != "Ada" || !ev.Timestamp.Equal(t0.Add(31*time.Second)) || ev.Provenance.FrameSeq != 6 {
		t.Errorf("Unexpected event: %+v", ev)
	}
}

func TestRunDrainsAndEmits(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	source := &sliceSource{}
	// two sightings an hour apart plus blank frames
	source.frames = []*models.Frame{
		frameAt(1, t0, faceImage()),
		frameAt(2, t0.Add(time.Second), imaging.New(100, 100, color.White)),
		frameAt(3, t0.Add(time.Hour), faceImage()),
	}
	f := newFixture(t, source, 30*time.Second)

	var mu sync.Mutex
	var got []models.AttendanceEvent
	f.pipeline.OnEvent(func(ctx context.Context, ev models.AttendanceEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	if err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if f.metrics.Count(monitor.FramesCaptured) != 3 {
		t.Errorf("Expected 3 captured frames, got %d", f.metrics.Count(monitor.FramesCaptured))
	}
	if stats := f.pipeline.Stats(); stats.Queue.Queued != 0 {
		t.Errorf("Expected drained queue, got %+v", stats.Queue)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	source := &endlessSource{}
	f := newFixture(t, &sliceSource{}, time.Minute)
	f.pipeline.source = source

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if f.metrics.Count(monitor.FramesCaptured) == 0 {
		t.Error("Expected frames to be captured before cancellation")
	}
}

// endlessSource produces blank frames until cancelled.
type endlessSource struct {
	seq uint64
}

func (s *endlessSource) ID() string   { return "endless" }
func (s *endlessSource) Close() error { return nil }
func (s *endlessSource) Next(ctx context.Context) (*models.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	s.seq++
	return frameAt(s.seq, time.Now(), imaging.New(100, 100, color.White)), nil
}
