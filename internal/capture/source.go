// Package capture produces frames from cameras, video files and image folders.
package capture

import (
	"context"
	"fmt"
	"strings"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"
)

// Source yields frames in capture order. Next returns io.EOF when a finite
// source is exhausted.
type Source interface {
	ID() string
	Next(ctx context.Context) (*models.Frame, error)
	Close() error
}

// NewSource builds the configured frame source.
func NewSource(cfg config.CameraConfig) (Source, error) {
	switch strings.ToLower(cfg.Source) {
	case "", "ffmpeg":
		return NewFFmpegSource(cfg), nil
	case "directory":
		return NewDirectorySource(cfg)
	}
	return nil, fmt.Errorf("unknown camera source %q", cfg.Source)
}
