// Package vision finds, aligns and embeds faces.
package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// Backend scans an image for faces. It reports each candidate through emit
// as soon as it is found and must return promptly once ctx is done.
type Backend interface {
	Name() string
	Detect(ctx context.Context, img image.Image, emit func(models.FaceRegion)) error
	Close() error
}

// Detector wraps a Backend with a time budget, confidence filtering and
// non-maximum suppression.
type Detector struct {
	backend       Backend
	budget        time.Duration
	iouThreshold  float64
	minConfidence float64
}

// NewDetector creates a budgeted detector.
func NewDetector(backend Backend, cfg config.DetectorConfig) *Detector {
	return &Detector{
		backend:       backend,
		budget:        cfg.Budget,
		iouThreshold:  cfg.IoUThreshold,
		minConfidence: cfg.MinConfidence,
	}
}

// Backend returns the wrapped backend.
func (d *Detector) Backend() Backend {
	return d.backend
}

// collector gathers regions emitted by a backend and ignores late emits.
type collector struct {
	mu      sync.Mutex
	regions []models.FaceRegion
	closed  bool
}

func (c *collector) emit(r models.FaceRegion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.regions = append(c.regions, r)
	}
}

func (c *collector) close() []models.FaceRegion {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.regions
}

// Detect returns the suppressed face regions of the frame. When the budget
// expires before the backend finishes it returns what was found so far
// together with a *models.DetectionTimeout.
func (d *Detector) Detect(ctx context.Context, frame *models.Frame) ([]models.FaceRegion, error) {
	if frame == nil || frame.Image == nil {
		return nil, errors.New("frame has no image")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	col := &collector{}
	done := make(chan error, 1)
	go func() {
		done <- d.backend.Detect(runCtx, frame.Image, col.emit)
	}()

	var timer <-chan time.Time
	if d.budget > 0 {
		t := time.NewTimer(d.budget)
		defer t.Stop()
		timer = t.C
	}

	var runErr error
	timedOut := false
	select {
	case runErr = <-done:
	case <-timer:
		timedOut = true
	case <-ctx.Done():
		runErr = ctx.Err()
	}
	cancel()

	regions := NMS(d.filter(col.close()), d.iouThreshold)

	if timedOut {
		log.WithFields(log.Fields{
			"frame":   frame.Seq,
			"backend": d.backend.Name(),
			"found":   len(regions),
		}).Debug("Detection budget exceeded")
		return regions, &models.DetectionTimeout{Budget: d.budget, Found: len(regions)}
	}
	if runErr != nil {
		return regions, fmt.Errorf("%s detector: %w", d.backend.Name(), runErr)
	}
	return regions, nil
}

func (d *Detector) filter(regions []models.FaceRegion) []models.FaceRegion {
	out := regions[:0:0]
	for _, r := range regions {
		if r.Confidence >= d.minConfidence && r.Box.Area() > 0 {
			out = append(out, r)
		}
	}
	return out
}

// Close releases the backend.
func (d *Detector) Close() error {
	return d.backend.Close()
}

// NewBackend builds the configured detector backend.
func NewBackend(cfg config.DetectorConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "pigo":
		return NewPigoBackend(cfg)
	case "opencv":
		return newOpenCVBackend(cfg)
	}
	return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
}
