// Package enrollment turns still images into reference embeddings.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sort"
	"time"

	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/identity"
	"face-attendance-go/internal/vision"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

// ErrNoFace is returned when an enrollment image contains no usable face.
var ErrNoFace = errors.New("no face found in image")

// Enroller runs detection, alignment and embedding on enrollment images and
// writes the result to the identity store.
type Enroller struct {
	detector *vision.Detector
	aligner  *vision.Aligner
	embedder vision.Embedder
	store    *identity.Store
}

// New creates an enroller.
func New(detector *vision.Detector, aligner *vision.Aligner, embedder vision.Embedder, store *identity.Store) *Enroller {
	return &Enroller{detector: detector, aligner: aligner, embedder: embedder, store: store}
}

// Decode reads an image and applies its EXIF orientation.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Embed returns the embedding of the largest face in img that can be
// aligned.
func (e *Enroller) Embed(ctx context.Context, img image.Image) ([]float32, models.FaceRegion, error) {
	frame := &models.Frame{SourceID: "enrollment", CapturedAt: time.Now(), Image: img}
	regions, err := e.detector.Detect(ctx, frame)
	if err != nil && len(regions) == 0 {
		return nil, models.FaceRegion{}, fmt.Errorf("detection failed: %w", err)
	}

	var lastErr error = ErrNoFace
	for _, region := range largestFirst(regions) {
		face, err := e.aligner.Align(img, region)
		if err != nil {
			lastErr = err
			continue
		}
		vec, err := e.embedder.Embed(ctx, face)
		if err != nil {
			return nil, region, err
		}
		return vec, region, nil
	}
	return nil, models.FaceRegion{}, lastErr
}

// Enroll adds the face in img as a reference for ref.
func (e *Enroller) Enroll(ctx context.Context, ref identity.Ref, img image.Image) (models.Identity, error) {
	vec, region, err := e.Embed(ctx, img)
	if err != nil {
		return models.Identity{}, err
	}
	ident, err := e.store.Enroll(ctx, ref, vec)
	if err != nil {
		return models.Identity{}, err
	}
	log.WithFields(log.Fields{
		"identity":   ident.Name,
		"confidence": region.Confidence,
	}).Debug("Enrollment image accepted")
	return ident, nil
}

// ReEnroll replaces the references of id with the faces of imgs.
func (e *Enroller) ReEnroll(ctx context.Context, id string, imgs []image.Image) (models.Identity, error) {
	vecs := make([][]float32, 0, len(imgs))
	for i, img := range imgs {
		vec, _, err := e.Embed(ctx, img)
		if err != nil {
			return models.Identity{}, fmt.Errorf("image %d: %w", i+1, err)
		}
		vecs = append(vecs, vec)
	}
	return e.store.ReEnroll(ctx, id, vecs)
}

func largestFirst(regions []models.FaceRegion) []models.FaceRegion {
	out := append([]models.FaceRegion(nil), regions...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Box.Area() > out[j].Box.Area() })
	return out
}
