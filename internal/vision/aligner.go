package vision

import (
	"image"
	"image/color"
	"math"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"

	"github.com/disintegration/imaging"
)

const (
	// crop side relative to the inter-eye distance
	alignCropFactor = 2.5
	// vertical eye position within the crop
	alignEyeLine   = 0.35
	minEyeDistance = 4.0
)

// AlignedFace is a square grayscale face crop with levelled eyes.
type AlignedFace struct {
	Image  *image.NRGBA
	Region models.FaceRegion
}

// Aligner normalises detected regions to a fixed-size canonical crop.
type Aligner struct {
	size         int
	minLandmarks int
}

// NewAligner creates an aligner from config.
func NewAligner(cfg config.AlignerConfig) *Aligner {
	return &Aligner{size: cfg.Size, minLandmarks: cfg.MinLandmarks}
}

// Size returns the output side length in pixels.
func (a *Aligner) Size() int {
	return a.size
}

// Align rotates the frame around the eye midpoint so the eyes are level and
// crops a square around them. Regions without enough landmarks fail with
// *models.AlignmentError.
func (a *Aligner) Align(img image.Image, region models.FaceRegion) (*AlignedFace, error) {
	if len(region.Landmarks) < a.minLandmarks {
		return nil, &models.AlignmentError{Resolved: len(region.Landmarks), Required: a.minLandmarks}
	}
	// the subject's right eye is on the image left
	left, okL := region.Landmark(models.LandmarkRightEye)
	right, okR := region.Landmark(models.LandmarkLeftEye)
	if !okL || !okR {
		return nil, &models.AlignmentError{Resolved: len(region.Landmarks), Required: a.minLandmarks, Reason: "both eye landmarks are required"}
	}

	dx, dy := right.X-left.X, right.Y-left.Y
	dist := math.Hypot(dx, dy)
	if dist < minEyeDistance {
		return nil, &models.AlignmentError{Resolved: len(region.Landmarks), Required: a.minLandmarks, Reason: "eye landmarks too close"}
	}
	angle := math.Atan2(dy, dx) * 180 / math.Pi
	cx, cy := (left.X+right.X)/2, (left.Y+right.Y)/2

	// square patch centred on the eyes, large enough to survive any rotation
	half := int(math.Ceil(dist*alignCropFactor*math.Sqrt2/2)) + 2
	fx, fy := int(math.Floor(cx)), int(math.Floor(cy))
	patchRect := image.Rect(fx-half, fy-half, fx+half, fy+half)
	patch := imaging.New(2*half, 2*half, color.Black)
	if inter := patchRect.Intersect(img.Bounds()); !inter.Empty() {
		patch = imaging.Paste(patch, imaging.Crop(img, inter), inter.Min.Sub(patchRect.Min))
	}

	rotated := imaging.Rotate(patch, angle, color.Black)
	// the eye midpoint stays at the centre of the rotated patch, offset by the
	// fractional part dropped when building patchRect
	rb := rotated.Bounds()
	ox := float64(rb.Dx())/2 + (cx - float64(fx))
	oy := float64(rb.Dy())/2 + (cy - float64(fy))

	side := dist * alignCropFactor
	x0 := int(math.Round(ox - side/2))
	y0 := int(math.Round(oy - side*alignEyeLine))
	s := int(math.Round(side))
	crop := imaging.Crop(rotated, image.Rect(x0, y0, x0+s, y0+s))

	face := imaging.Grayscale(imaging.Resize(crop, a.size, a.size, imaging.Lanczos))
	return &AlignedFace{Image: face, Region: region}, nil
}
