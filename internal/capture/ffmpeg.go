package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

const megabyte = 1024 * 1024

// FFmpegSource decodes RTSP streams, V4L2 devices or video files through an
// ffmpeg child process emitting MJPEG on stdout.
type FFmpegSource struct {
	cfg config.CameraConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  bytes.Buffer
	scanner *bufio.Scanner
	seq     uint64
}

// NewFFmpegSource creates a source; the process starts on the first Next.
func NewFFmpegSource(cfg config.CameraConfig) *FFmpegSource {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	return &FFmpegSource{cfg: cfg}
}

// ID implements Source.
func (s *FFmpegSource) ID() string { return s.cfg.ID }

// args builds the ffmpeg command line for the configured input.
func (s *FFmpegSource) args() []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	switch {
	case strings.HasPrefix(s.cfg.URL, "rtsp://"):
		args = append(args, "-rtsp_transport", "tcp")
	case strings.HasPrefix(s.cfg.URL, "/dev/video"):
		args = append(args, "-f", "v4l2")
	}
	if s.cfg.Loop && !strings.Contains(s.cfg.URL, "://") && !strings.HasPrefix(s.cfg.URL, "/dev/") {
		args = append(args, "-stream_loop", "-1", "-re")
	}
	args = append(args, "-i", s.cfg.URL)
	if s.cfg.FPS > 0 {
		args = append(args, "-r", strconv.FormatFloat(s.cfg.FPS, 'f', -1, 64))
	}
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
}

func (s *FFmpegSource) start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.cfg.FFmpegBin, s.args()...)
	cmd.Stderr = &s.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)

	s.cmd, s.stdout, s.scanner = cmd, stdout, scanner
	log.WithFields(log.Fields{"camera": s.cfg.ID, "url": s.cfg.URL}).Info("Started ffmpeg capture")
	return nil
}

// Next implements Source.
func (s *FFmpegSource) Next(ctx context.Context) (*models.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.scanner == nil {
		if err := s.start(ctx); err != nil {
			return nil, err
		}
	}

	for s.scanner.Scan() {
		img, err := imaging.Decode(bytes.NewReader(s.scanner.Bytes()))
		if err != nil {
			log.WithError(err).WithField("camera", s.cfg.ID).Warn("Skipping undecodable frame")
			continue
		}
		s.seq++
		return &models.Frame{Seq: s.seq, SourceID: s.cfg.ID, CapturedAt: time.Now(), Image: img}, nil
	}

	scanErr := s.scanner.Err()
	waitErr := s.cmd.Wait()
	s.scanner = nil
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, fmt.Errorf("frame scanner failed: %w", scanErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && s.stderr.Len() > 0 {
			return nil, fmt.Errorf("ffmpeg failed: %w: %s", waitErr, strings.TrimSpace(s.stderr.String()))
		}
		return nil, fmt.Errorf("ffmpeg failed: %w", waitErr)
	}
	return nil, io.EOF
}

// Close implements Source.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.scanner == nil {
		return nil
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.stdout.Close()
	s.cmd.Wait()
	s.scanner = nil
	return nil
}
