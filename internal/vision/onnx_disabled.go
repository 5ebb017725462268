//go:build !onnx

package vision

import (
	"errors"

	"face-attendance-go/config"
)

func newONNXEmbedder(config.EmbedderConfig) (Embedder, error) {
	return nil, errors.New("onnx embedder requires a build with -tags onnx")
}
