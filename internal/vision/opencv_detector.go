//go:build gocv

package vision

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

// OpenCVBackend uses Haar cascades for faces and eyes. CascadeClassifier is
// not safe for concurrent use, so detection is serialised.
type OpenCVBackend struct {
	mu      sync.Mutex
	face    gocv.CascadeClassifier
	eyes    gocv.CascadeClassifier
	hasEyes bool
	minSize int
	maxSize int
}

func newOpenCVBackend(cfg config.DetectorConfig) (Backend, error) {
	b := &OpenCVBackend{
		face:    gocv.NewCascadeClassifier(),
		minSize: cfg.MinFaceSize,
		maxSize: cfg.MaxFaceSize,
	}
	if !b.face.Load(cfg.CascadeFile) {
		b.face.Close()
		return nil, fmt.Errorf("failed to load face cascade %s", cfg.CascadeFile)
	}

	if cfg.EyeCascade != "" {
		b.eyes = gocv.NewCascadeClassifier()
		if !b.eyes.Load(cfg.EyeCascade) {
			b.face.Close()
			b.eyes.Close()
			return nil, fmt.Errorf("failed to load eye cascade %s", cfg.EyeCascade)
		}
		b.hasEyes = true
	} else {
		log.Warn("No eye cascade configured, OpenCV regions carry no landmarks")
	}
	return b, nil
}

// Name implements Backend.
func (b *OpenCVBackend) Name() string { return "opencv" }

// Close implements Backend.
func (b *OpenCVBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.face.Close()
	if b.hasEyes {
		b.eyes.Close()
	}
	return nil
}

// Detect implements Backend.
func (b *OpenCVBackend) Detect(ctx context.Context, img image.Image, emit func(models.FaceRegion)) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorRGBToGray)
	gocv.EqualizeHist(gray, &gray)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	faces := b.face.DetectMultiScaleWithParams(gray, 1.1, 4, 0,
		image.Pt(b.minSize, b.minSize), image.Pt(b.maxSize, b.maxSize))

	origin := img.Bounds().Min
	for _, rect := range faces {
		if err := ctx.Err(); err != nil {
			return err
		}
		region := models.FaceRegion{
			Box: models.BoundingBox{
				X: origin.X + rect.Min.X,
				Y: origin.Y + rect.Min.Y,
				W: rect.Dx(),
				H: rect.Dy(),
			},
			// Haar cascades report no score; min_confidence applies to pigo only
			Confidence: 1.0,
		}
		if b.hasEyes {
			region.Landmarks = b.detectEyes(gray, rect, origin)
		}
		emit(region)
	}
	return nil
}

// detectEyes searches the upper half of the face for two eyes.
func (b *OpenCVBackend) detectEyes(gray gocv.Mat, face image.Rectangle, origin image.Point) []models.Landmark {
	upper := image.Rect(face.Min.X, face.Min.Y, face.Max.X, face.Min.Y+face.Dy()/2)
	roi := gray.Region(upper)
	defer roi.Close()

	eyes := b.eyes.DetectMultiScale(roi)
	if len(eyes) < 2 {
		return nil
	}
	sort.Slice(eyes, func(i, j int) bool { return eyes[i].Dx() > eyes[j].Dx() })
	pair := eyes[:2]
	sort.Slice(pair, func(i, j int) bool { return pair[i].Min.X < pair[j].Min.X })

	center := func(r image.Rectangle) models.Point {
		return models.Point{
			X: float64(origin.X+upper.Min.X) + float64(r.Min.X+r.Max.X)/2,
			Y: float64(origin.Y+upper.Min.Y) + float64(r.Min.Y+r.Max.Y)/2,
		}
	}
	// image left is the subject's right eye
	return []models.Landmark{
		{Name: models.LandmarkRightEye, Point: center(pair[0])},
		{Name: models.LandmarkLeftEye, Point: center(pair[1])},
	}
}
