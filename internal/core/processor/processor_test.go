package processor

import (
	"context"
	"errors"
	"image/color"
	"sync/atomic"
	"testing"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/identity"
	"face-attendance-go/internal/services/monitor"
	"face-attendance-go/internal/vision"

	"github.com/disintegration/imaging"
)

type stubMatcher struct {
	calls  int64
	result identity.MatchResult
	err    error
}

func (m *stubMatcher) Match(vec []float32) (identity.MatchResult, error) {
	atomic.AddInt64(&m.calls, 1)
	return m.result, m.err
}

func testFrame() *models.Frame {
	return &models.Frame{Seq: 7, Image: imaging.New(200, 200, color.NRGBA{180, 160, 150, 255})}
}

func withEyes(x int) models.FaceRegion {
	return models.FaceRegion{
		Box:        models.BoundingBox{X: x, Y: 40, W: 80, H: 80},
		Confidence: 0.9,
		Landmarks: []models.Landmark{
			{Name: models.LandmarkRightEye, Point: models.Point{X: float64(x + 20), Y: 70}},
			{Name: models.LandmarkLeftEye, Point: models.Point{X: float64(x + 60), Y: 70}},
		},
	}
}

func newTestProcessor(t *testing.T, m Matcher, metrics *monitor.Metrics) *RegionProcessor {
	t.Helper()
	aligner := vision.NewAligner(config.AlignerConfig{Size: 64, MinLandmarks: 2})
	embedder, err := vision.NewLBPEmbedder(64, 4)
	if err != nil {
		t.Fatalf("NewLBPEmbedder failed: %v", err)
	}
	return NewRegionProcessor(aligner, embedder, m, metrics)
}

func TestProcessRegionStages(t *testing.T) {
	metrics := monitor.NewMetrics()
	matcher := &stubMatcher{result: identity.MatchResult{IdentityID: "ada", Name: "Ada", Distance: 0.1}}
	p := newTestProcessor(t, matcher, metrics)

	res := p.Process(context.Background(), testFrame(), withEyes(20))
	if res.Err != nil {
		t.Fatalf("Process failed: %v", res.Err)
	}
	if !res.Match.Known() || res.Match.IdentityID != "ada" || len(res.Vector) == 0 {
		t.Errorf("Unexpected result: %+v", res.Match)
	}
	for _, name := range []string{monitor.RegionsAligned, monitor.RegionsEmbedded, monitor.RegionsMatched} {
		if metrics.Count(name) != 1 {
			t.Errorf("Expected %s = 1, got %d", name, metrics.Count(name))
		}
	}
}

func TestProcessDiscardsOnlyFailingRegion(t *testing.T) {
	metrics := monitor.NewMetrics()
	matcher := &stubMatcher{}
	p := newTestProcessor(t, matcher, metrics)
	pool := NewWorkerPool(p, 2)
	defer pool.Shutdown()

	regions := []models.FaceRegion{
		withEyes(10),
		{Box: models.BoundingBox{X: 100, Y: 100, W: 40, H: 40}, Confidence: 0.9}, // no landmarks
		withEyes(110),
	}
	results := pool.ProcessRegions(context.Background(), testFrame(), regions)
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	var alignErr *models.AlignmentError
	if !errors.As(results[1].Err, &alignErr) {
		t.Errorf("Expected AlignmentError for region without landmarks, got %v", results[1].Err)
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("Other regions must succeed: %v, %v", results[0].Err, results[2].Err)
	}
	for i, r := range results {
		if r.Region.Box != regions[i].Box {
			t.Errorf("Result %d out of order", i)
		}
	}
	if metrics.Count(monitor.RegionsDiscarded) != 1 || metrics.Count(monitor.UnknownFaces) != 2 {
		t.Errorf("Unexpected counters: %v", metrics.Snapshot().Counters)
	}
	if atomic.LoadInt64(&matcher.calls) != 2 {
		t.Errorf("Expected 2 match calls, got %d", matcher.calls)
	}
}

func TestProcessMatcherError(t *testing.T) {
	matcher := &stubMatcher{err: &models.DimensionMismatch{Expected: 3, Got: 4}}
	p := newTestProcessor(t, matcher, nil)
	res := p.Process(context.Background(), testFrame(), withEyes(20))
	var dm *models.DimensionMismatch
	if !errors.As(res.Err, &dm) {
		t.Errorf("Expected DimensionMismatch, got %v", res.Err)
	}
}

func TestDefaultWorkerCount(t *testing.T) {
	if DefaultWorkerCount() < 2 {
		t.Error("Worker count must be at least 2")
	}
	pool := NewWorkerPool(newTestProcessor(t, &stubMatcher{}, nil), 0)
	defer pool.Shutdown()
	if pool.GetWorkerCount() != DefaultWorkerCount() || pool.GetQueueCapacity() != 2*pool.GetWorkerCount() {
		t.Errorf("Unexpected pool sizing: %d workers, %d capacity", pool.GetWorkerCount(), pool.GetQueueCapacity())
	}
	if pool.ActiveJobCount() != 0 {
		t.Error("Expected idle pool")
	}
}
