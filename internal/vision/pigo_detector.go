package vision

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"

	"github.com/disintegration/imaging"
	pigo "github.com/esimov/pigo/core"
	log "github.com/sirupsen/logrus"
)

const (
	pigoShiftFactor   = 0.1
	pigoScaleFactor   = 1.1
	pigoClusterIoU    = 0.2
	pigoQualityScale  = 10.0
	pigoPupilPerturbs = 63
)

// PigoBackend detects faces with the pure Go pigo cascade. The scan is split
// into scale bands so partial results are available before the whole pyramid
// is processed. Pupils come from the optional puploc cascade.
type PigoBackend struct {
	classifier *pigo.Pigo
	puploc     *pigo.PuplocCascade
	minSize    int
	maxSize    int
	bands      int
}

// NewPigoBackend loads the facefinder and, if configured, puploc cascades.
func NewPigoBackend(cfg config.DetectorConfig) (*PigoBackend, error) {
	cascade, err := os.ReadFile(cfg.CascadeFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read face cascade: %w", err)
	}
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack face cascade: %w", err)
	}

	b := &PigoBackend{
		classifier: classifier,
		minSize:    cfg.MinFaceSize,
		maxSize:    cfg.MaxFaceSize,
		bands:      cfg.ScaleBands,
	}
	if b.bands < 1 {
		b.bands = 1
	}

	if cfg.PuplocFile != "" {
		data, err := os.ReadFile(cfg.PuplocFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read puploc cascade: %w", err)
		}
		b.puploc, err = pigo.NewPuplocCascade().UnpackCascade(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack puploc cascade: %w", err)
		}
	} else {
		log.Warn("No puploc cascade configured, eye positions are estimated from the face box")
	}
	return b, nil
}

// Name implements Backend.
func (b *PigoBackend) Name() string { return "pigo" }

// Close implements Backend.
func (b *PigoBackend) Close() error { return nil }

// Detect implements Backend.
func (b *PigoBackend) Detect(ctx context.Context, img image.Image, emit func(models.FaceRegion)) error {
	bounds := img.Bounds()
	cols, rows := bounds.Dx(), bounds.Dy()
	src := img
	if bounds.Min != (image.Point{}) {
		// the grayscale conversion assumes a zero origin
		src = imaging.Clone(img)
	}
	params := pigo.ImageParams{
		Pixels: pigo.RgbToGrayscale(src),
		Rows:   rows,
		Cols:   cols,
		Dim:    cols,
	}

	maxSize := b.maxSize
	if side := min(cols, rows); maxSize <= 0 || maxSize > side {
		maxSize = side
	}
	for _, band := range scaleBands(b.minSize, maxSize, b.bands) {
		if err := ctx.Err(); err != nil {
			return err
		}
		dets := b.classifier.RunCascade(pigo.CascadeParams{
			MinSize:     band[0],
			MaxSize:     band[1],
			ShiftFactor: pigoShiftFactor,
			ScaleFactor: pigoScaleFactor,
			ImageParams: params,
		}, 0.0)
		dets = b.classifier.ClusterDetections(dets, pigoClusterIoU)

		for _, det := range dets {
			emit(b.region(det, params, bounds.Min))
		}
	}
	return nil
}

func (b *PigoBackend) region(det pigo.Detection, params pigo.ImageParams, origin image.Point) models.FaceRegion {
	half := det.Scale / 2
	region := models.FaceRegion{
		Box: models.BoundingBox{
			X: origin.X + det.Col - half,
			Y: origin.Y + det.Row - half,
			W: det.Scale,
			H: det.Scale,
		},
		Confidence: qualityToConfidence(det.Q),
	}

	scale := float64(det.Scale)
	eyeRow := det.Row - int(0.075*scale)
	// the subject's left eye is on the right side of the image
	eyes := []struct {
		name string
		col  int
	}{
		{models.LandmarkRightEye, det.Col - int(0.175*scale)},
		{models.LandmarkLeftEye, det.Col + int(0.185*scale)},
	}
	for _, eye := range eyes {
		p, ok := b.pupil(eyeRow, eye.col, scale, params)
		if !ok {
			continue
		}
		region.Landmarks = append(region.Landmarks, models.Landmark{
			Name:  eye.name,
			Point: models.Point{X: p.X + float64(origin.X), Y: p.Y + float64(origin.Y)},
		})
	}
	return region
}

func (b *PigoBackend) pupil(row, col int, scale float64, params pigo.ImageParams) (models.Point, bool) {
	if b.puploc == nil {
		return models.Point{X: float64(col), Y: float64(row)}, true
	}
	found := b.puploc.RunDetector(pigo.Puploc{
		Row:      row,
		Col:      col,
		Scale:    float32(scale) * 0.25,
		Perturbs: pigoPupilPerturbs,
	}, params, 0.0, false)
	if found == nil || found.Row <= 0 || found.Col <= 0 {
		return models.Point{}, false
	}
	return models.Point{X: float64(found.Col), Y: float64(found.Row)}, true
}

// qualityToConfidence maps the unbounded cascade score into [0, 1).
func qualityToConfidence(q float32) float64 {
	if q <= 0 {
		return 0
	}
	return 1 - math.Exp(-float64(q)/pigoQualityScale)
}

// scaleBands splits [minSize, maxSize] into n geometric bands, largest first.
func scaleBands(minSize, maxSize, n int) [][2]int {
	if minSize < 1 {
		minSize = 1
	}
	if maxSize <= minSize {
		return [][2]int{{minSize, max(minSize, maxSize)}}
	}
	ratio := math.Pow(float64(maxSize)/float64(minSize), 1/float64(n))
	bands := make([][2]int, 0, n)
	hi := maxSize
	for i := n - 1; i >= 0; i-- {
		lo := int(math.Round(float64(minSize) * math.Pow(ratio, float64(i))))
		if i == 0 {
			lo = minSize
		}
		if lo > hi {
			continue
		}
		bands = append(bands, [2]int{lo, hi})
		hi = lo
	}
	return bands
}
