package vision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// Embedder maps an aligned face to a fixed-length vector. Identical input
// must produce bit-identical output.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, face *AlignedFace) ([]float32, error)
	Close() error
}

// NewEmbedder builds the configured embedder wrapped with failure typing and
// slow-call logging.
func NewEmbedder(cfg config.EmbedderConfig, alignedSize int) (Embedder, error) {
	var inner Embedder
	var err error
	switch cfg.Backend {
	case "", "lbp":
		inner, err = NewLBPEmbedder(alignedSize, cfg.Grid)
	case "onnx":
		inner, err = newONNXEmbedder(cfg)
	default:
		err = fmt.Errorf("unknown embedder backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return &budgetedEmbedder{Embedder: inner, budget: cfg.Budget}, nil
}

type budgetedEmbedder struct {
	Embedder
	budget time.Duration
}

func (e *budgetedEmbedder) Embed(ctx context.Context, face *AlignedFace) ([]float32, error) {
	start := time.Now()
	vec, err := e.Embedder.Embed(ctx, face)
	if elapsed := time.Since(start); e.budget > 0 && elapsed > e.budget {
		log.WithFields(log.Fields{"embedder": e.Name(), "elapsed": elapsed}).Warn("Embedding exceeded budget")
	}
	if err != nil {
		var ef *models.EmbeddingFailure
		if errors.As(err, &ef) {
			return nil, err
		}
		return nil, &models.EmbeddingFailure{Cause: err}
	}
	if len(vec) != e.Dimension() {
		return nil, &models.EmbeddingFailure{Cause: &models.DimensionMismatch{Expected: e.Dimension(), Got: len(vec)}}
	}
	return vec, nil
}
