package processor

import (
	"context"
	"errors"
	"time"

	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/identity"
	"face-attendance-go/internal/services/monitor"
	"face-attendance-go/internal/vision"

	log "github.com/sirupsen/logrus"
)

// Matcher resolves an embedding to an identity.
type Matcher interface {
	Match(vec []float32) (identity.MatchResult, error)
}

// RegionResult is the outcome of aligning, embedding and matching one region.
// Err is set when the region was discarded.
type RegionResult struct {
	Region models.FaceRegion
	Match  identity.MatchResult
	Vector []float32
	Err    error
}

// RegionProcessor runs the per-region stages after detection.
type RegionProcessor struct {
	aligner  *vision.Aligner
	embedder vision.Embedder
	matcher  Matcher
	metrics  *monitor.Metrics
}

// NewRegionProcessor wires the region stages together.
func NewRegionProcessor(aligner *vision.Aligner, embedder vision.Embedder, matcher Matcher, metrics *monitor.Metrics) *RegionProcessor {
	return &RegionProcessor{aligner: aligner, embedder: embedder, matcher: matcher, metrics: metrics}
}

// Process aligns, embeds and matches a single region of a frame.
func (p *RegionProcessor) Process(ctx context.Context, frame *models.Frame, region models.FaceRegion) RegionResult {
	result := RegionResult{Region: region}
	logger := log.WithFields(log.Fields{"frame": frame.Seq, "box": region.Box})

	start := time.Now()
	face, err := p.aligner.Align(frame.Image, region)
	p.metrics.Since(monitor.StageAlign, start)
	if err != nil {
		return p.discard(result, err, logger)
	}
	p.metrics.Inc(monitor.RegionsAligned)

	start = time.Now()
	vec, err := p.embedder.Embed(ctx, face)
	p.metrics.Since(monitor.StageEmbed, start)
	if err != nil {
		return p.discard(result, err, logger)
	}
	p.metrics.Inc(monitor.RegionsEmbedded)
	result.Vector = vec

	start = time.Now()
	match, err := p.matcher.Match(vec)
	p.metrics.Since(monitor.StageMatch, start)
	if err != nil {
		return p.discard(result, err, logger)
	}
	p.metrics.Inc(monitor.RegionsMatched)
	if !match.Known() {
		p.metrics.Inc(monitor.UnknownFaces)
	}
	result.Match = match
	return result
}

func (p *RegionProcessor) discard(result RegionResult, err error, logger *log.Entry) RegionResult {
	p.metrics.Inc(monitor.RegionsDiscarded)
	var alignErr *models.AlignmentError
	if errors.As(err, &alignErr) {
		logger.WithError(err).Debug("Region discarded")
	} else {
		logger.WithError(err).Warn("Region discarded")
	}
	result.Err = err
	return result
}
