// Package pipeline turns captured frames into attendance events.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/capture"
	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/core/processor"
	"face-attendance-go/internal/services/monitor"
	"face-attendance-go/internal/vision"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const captureRetryDelay = 2 * time.Second

// EventHandler receives every emitted attendance event. Handlers run on the
// frame workers and must not block.
type EventHandler func(ctx context.Context, event models.AttendanceEvent)

// Pipeline connects a frame source to detection, the region worker pool and
// the debounced event output.
type Pipeline struct {
	source       capture.Source
	queue        *capture.FrameQueue
	detector     *vision.Detector
	pool         *processor.WorkerPool
	debouncer    *Debouncer
	metrics      *monitor.Metrics
	frameWorkers int

	mu       sync.RWMutex
	handlers []EventHandler
}

// Stats reports the queue and worker pool state.
type Stats struct {
	Queue         capture.QueueStats `json:"queue"`
	RegionWorkers int                `json:"region_workers"`
	ActiveJobs    int                `json:"active_jobs"`
	JobCapacity   int                `json:"job_capacity"`
}

// New creates a pipeline. The pool is shut down when Run returns.
func New(cfg config.PipelineConfig, source capture.Source, detector *vision.Detector, pool *processor.WorkerPool, metrics *monitor.Metrics) *Pipeline {
	workers := cfg.FrameWorkers
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		source:       source,
		queue:        capture.NewFrameQueue(cfg.QueueSize),
		detector:     detector,
		pool:         pool,
		debouncer:    NewDebouncer(cfg.Cooldown),
		metrics:      metrics,
		frameWorkers: workers,
	}
}

// OnEvent registers an event handler.
func (p *Pipeline) OnEvent(h EventHandler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// Debouncer exposes the debounce state so identity removals can reset it.
func (p *Pipeline) Debouncer() *Debouncer {
	return p.debouncer
}

// Stats returns a snapshot of the pipeline state.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Queue:         p.queue.Stats(),
		RegionWorkers: p.pool.GetWorkerCount(),
		ActiveJobs:    p.pool.ActiveJobCount(),
		JobCapacity:   p.pool.GetQueueCapacity(),
	}
}

// Run captures until ctx is cancelled or the source is exhausted. Frames
// already queued or in flight are processed to completion before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	// region work must finish even after cancellation
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < p.frameWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				frame, ok := p.queue.Pop()
				if !ok {
					return
				}
				p.ProcessFrame(workCtx, frame)
			}
		}()
	}

	log.WithField("camera", p.source.ID()).Info("Pipeline started")
	p.captureLoop(ctx)

	p.queue.Close()
	wg.Wait()
	p.pool.Shutdown()
	if err := p.source.Close(); err != nil {
		log.WithError(err).Warn("Failed to close frame source")
	}
	log.Info("Pipeline stopped")
	return nil
}

func (p *Pipeline) captureLoop(ctx context.Context) {
	for {
		frame, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				log.WithField("camera", p.source.ID()).Info("Frame source exhausted")
				return
			}
			log.WithError(err).WithField("camera", p.source.ID()).Error("Frame capture failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(captureRetryDelay):
			}
			continue
		}

		p.metrics.Inc(monitor.FramesCaptured)
		if p.queue.Push(frame) {
			p.metrics.Inc(monitor.FramesDropped)
		}
	}
}

// ProcessFrame runs detection and the region stages on one frame and emits
// the resulting events. It returns the emitted events.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame *models.Frame) []models.AttendanceEvent {
	frameStart := time.Now()
	defer p.metrics.Since(monitor.StageFrame, frameStart)

	start := time.Now()
	regions, err := p.detector.Detect(ctx, frame)
	p.metrics.Since(monitor.StageDetect, start)
	if err != nil {
		var timeout *models.DetectionTimeout
		if errors.As(err, &timeout) {
			p.metrics.Inc(monitor.DetectionTimeouts)
		} else {
			log.WithError(err).WithField("frame", frame.Seq).Warn("Detection failed")
			regions = nil
		}
	}
	if len(regions) == 0 {
		if err != nil {
			p.metrics.Inc(monitor.FramesSkipped)
		}
		return nil
	}
	p.metrics.Add(monitor.RegionsDetected, uint64(len(regions)))

	var events []models.AttendanceEvent
	for _, res := range p.pool.ProcessRegions(ctx, frame, regions) {
		if res.Err != nil || !res.Match.Known() {
			continue
		}
		if !p.debouncer.Allow(res.Match.IdentityID, frame.CapturedAt) {
			p.metrics.Inc(monitor.EventsDebounced)
			continue
		}

		event := models.AttendanceEvent{
			ID:           uuid.NewString(),
			IdentityID:   res.Match.IdentityID,
			IdentityName: res.Match.Name,
			Timestamp:    frame.CapturedAt,
			Provenance: models.Provenance{
				SourceID:   frame.SourceID,
				FrameSeq:   frame.Seq,
				CapturedAt: frame.CapturedAt,
				Box:        res.Region.Box,
				Confidence: res.Region.Confidence,
				Distance:   res.Match.Distance,
			},
		}
		p.metrics.Inc(monitor.EventsEmitted)
		log.WithFields(log.Fields{
			"identity": event.IdentityName,
			"event":    event.ID,
			"frame":    frame.Seq,
			"distance": res.Match.Distance,
		}).Info("Attendance recorded")

		p.emit(ctx, event)
		events = append(events, event)
	}
	return events
}

func (p *Pipeline) emit(ctx context.Context, event models.AttendanceEvent) {
	p.mu.RLock()
	handlers := p.handlers
	p.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, event)
	}
}
