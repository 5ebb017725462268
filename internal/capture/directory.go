package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".gif": true, ".tif": true, ".tiff": true,
}

// ListImages returns the image files in dir sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// DirectorySource replays the images of a folder in name order, paced to
// the configured frame rate.
type DirectorySource struct {
	id       string
	files    []string
	loop     bool
	interval time.Duration
	pos      int
	seq      uint64
	last     time.Time
}

// NewDirectorySource lists the folder once at creation.
func NewDirectorySource(cfg config.CameraConfig) (*DirectorySource, error) {
	files, err := ListImages(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to list frame directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", cfg.URL)
	}
	s := &DirectorySource{id: cfg.ID, files: files, loop: cfg.Loop}
	if cfg.FPS > 0 {
		s.interval = time.Duration(float64(time.Second) / cfg.FPS)
	}
	return s, nil
}

// ID implements Source.
func (s *DirectorySource) ID() string { return s.id }

// Next implements Source.
func (s *DirectorySource) Next(ctx context.Context) (*models.Frame, error) {
	for {
		if s.pos >= len(s.files) {
			if !s.loop {
				return nil, io.EOF
			}
			s.pos = 0
		}
		if err := s.wait(ctx); err != nil {
			return nil, err
		}

		path := s.files[s.pos]
		s.pos++
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			log.WithError(err).WithField("file", path).Warn("Skipping unreadable frame")
			continue
		}
		s.seq++
		s.last = time.Now()
		return &models.Frame{Seq: s.seq, SourceID: s.id, CapturedAt: s.last, Image: img}, nil
	}
}

func (s *DirectorySource) wait(ctx context.Context) error {
	if s.interval <= 0 || s.last.IsZero() {
		return ctx.Err()
	}
	delay := time.Until(s.last.Add(s.interval))
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close implements Source.
func (s *DirectorySource) Close() error { return nil }
