package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"

	"github.com/disintegration/imaging"
)

func TestSplitJpeg(t *testing.T) {
	frame1 := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	frame2 := []byte{0xFF, 0xD8, 0x03, 0xFF, 0xD9}
	stream := append(append([]byte{0x00, 0x00}, frame1...), frame2...)

	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(SplitJpeg)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Scanner failed: %v", err)
	}
	if len(got) != 2 || !bytes.Equal(got[0], frame1) || !bytes.Equal(got[1], frame2) {
		t.Errorf("Unexpected frames: %x", got)
	}
}

func TestSplitJpegTruncatedTail(t *testing.T) {
	stream := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9, 0xFF, 0xD8, 0x02}
	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(SplitJpeg)
	n := 0
	for scanner.Scan() {
		n++
	}
	if n != 1 {
		t.Errorf("Expected 1 complete frame, got %d", n)
	}
}

func frame(seq uint64) *models.Frame {
	return &models.Frame{Seq: seq}
}

func TestFrameQueueDropsOldest(t *testing.T) {
	q := NewFrameQueue(3)
	for i := uint64(1); i <= 5; i++ {
		q.Push(frame(i))
	}
	stats := q.Stats()
	if stats.Pushed != 5 || stats.Dropped != 2 || stats.Queued != 3 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	q.Close()
	var seqs []uint64
	for {
		f, ok := q.Pop()
		if !ok {
			break
		}
		seqs = append(seqs, f.Seq)
	}
	want := []uint64{3, 4, 5}
	if len(seqs) != len(want) {
		t.Fatalf("Got %v, want %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Errorf("Got %v, want %v", seqs, want)
		}
	}
}

func TestFrameQueueBlocksUntilPushOrClose(t *testing.T) {
	q := NewFrameQueue(1)
	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Pop()
			results <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Push(frame(1))
	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(results)

	got := map[bool]int{}
	for ok := range results {
		got[ok]++
	}
	if got[true] != 1 || got[false] != 1 {
		t.Errorf("Expected one frame and one close, got %v", got)
	}
	if q.Push(frame(2)) {
		t.Error("Push after close must not drop")
	}
}

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.jpg", "notes.txt"} {
		path := filepath.Join(dir, name)
		if filepath.Ext(name) == ".txt" {
			os.WriteFile(path, []byte("not an image"), 0644)
			continue
		}
		img := imaging.New(8, 8, color.NRGBA{100, 100, 100, 255})
		if err := imaging.Save(img, path); err != nil {
			t.Fatalf("Failed to write fixture: %v", err)
		}
	}

	src, err := NewDirectorySource(config.CameraConfig{ID: "cam", URL: dir})
	if err != nil {
		t.Fatalf("NewDirectorySource failed: %v", err)
	}
	ctx := context.Background()
	for i := uint64(1); i <= 2; i++ {
		f, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if f.Seq != i || f.SourceID != "cam" || f.Image.Bounds() != image.Rect(0, 0, 8, 8) {
			t.Errorf("Unexpected frame %+v", f)
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}

	if _, err := NewDirectorySource(config.CameraConfig{URL: t.TempDir()}); err == nil {
		t.Error("Expected error for empty directory")
	}
}

func TestFFmpegArgs(t *testing.T) {
	s := NewFFmpegSource(config.CameraConfig{URL: "rtsp://cam/stream", FPS: 5})
	joined := strings.Join(s.args(), " ")
	for _, want := range []string{"-rtsp_transport tcp", "-i rtsp://cam/stream", "-r 5", "image2pipe"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected %q in %s", want, joined)
		}
	}
}
