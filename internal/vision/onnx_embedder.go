//go:build onnx

package vision

import (
	"context"
	"fmt"
	"math"
	"sync"

	"face-attendance-go/config"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

const onnxSessionPoolSize = 2

var ortInit sync.Once

type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *onnxSession) destroy() {
	s.session.Destroy()
	s.input.Destroy()
	s.output.Destroy()
}

// ONNXEmbedder runs a face recognition network such as ArcFace. Each session
// owns its tensors, so sessions are handed out from a pool.
type ONNXEmbedder struct {
	sessions  chan *onnxSession
	inputSize int
	dimension int
}

func newONNXEmbedder(cfg config.EmbedderConfig) (Embedder, error) {
	var initErr error
	ortInit.Do(func() {
		if cfg.Runtime != "" {
			ort.SetSharedLibraryPath(cfg.Runtime)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", initErr)
	}

	e := &ONNXEmbedder{
		sessions:  make(chan *onnxSession, onnxSessionPoolSize),
		inputSize: cfg.InputSize,
		dimension: cfg.Dimension,
	}
	for i := 0; i < onnxSessionPoolSize; i++ {
		s, err := newONNXSession(cfg)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		e.sessions <- s
	}
	log.Infof("Loaded ONNX embedding model %s (%d dimensions)", cfg.ModelPath, cfg.Dimension)
	return e, nil
}

func newONNXSession(cfg config.EmbedderConfig) (*onnxSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(cfg.InputSize), int64(cfg.InputSize)))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Dimension)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}, options)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("session: %w", err)
	}
	return &onnxSession{session: session, input: input, output: output}, nil
}

// Name implements Embedder.
func (e *ONNXEmbedder) Name() string { return "onnx" }

// Dimension implements Embedder.
func (e *ONNXEmbedder) Dimension() int { return e.dimension }

// Embed implements Embedder.
func (e *ONNXEmbedder) Embed(ctx context.Context, face *AlignedFace) ([]float32, error) {
	var s *onnxSession
	select {
	case s = <-e.sessions:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { e.sessions <- s }()

	img := face.Image
	if img.Bounds().Dx() != e.inputSize || img.Bounds().Dy() != e.inputSize {
		img = imaging.Resize(img, e.inputSize, e.inputSize, imaging.Lanczos)
	}

	data := s.input.GetData()
	plane := e.inputSize * e.inputSize
	for y := 0; y < e.inputSize; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < e.inputSize; x++ {
			i := y*e.inputSize + x
			data[i] = (float32(row[4*x]) - 127.5) / 128
			data[plane+i] = (float32(row[4*x+1]) - 127.5) / 128
			data[2*plane+i] = (float32(row[4*x+2]) - 127.5) / 128
		}
	}

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	out := s.output.GetData()
	vec := make([]float32, len(out))
	var norm float64
	for _, v := range out {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec, nil
	}
	for i, v := range out {
		vec[i] = float32(float64(v) / norm)
	}
	return vec, nil
}

// Close destroys all pooled sessions.
func (e *ONNXEmbedder) Close() error {
	for {
		select {
		case s := <-e.sessions:
			s.destroy()
		default:
			return nil
		}
	}
}
