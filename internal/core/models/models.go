package models

import (
	"image"
	"time"

	"gorm.io/datatypes"
)

// Landmark names produced by the detector backends
const (
	LandmarkLeftEye    = "left_eye"
	LandmarkRightEye   = "right_eye"
	LandmarkNose       = "nose"
	LandmarkMouthLeft  = "mouth_left"
	LandmarkMouthRight = "mouth_right"
)

// Frame is a single captured camera image. It is not modified after capture.
type Frame struct {
	Seq        uint64
	SourceID   string
	CapturedAt time.Time
	Image      image.Image
}

// Point is a sub-pixel image coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Landmark is a named facial keypoint in frame coordinates.
type Landmark struct {
	Name  string `json:"name"`
	Point Point  `json:"point"`
}

// BoundingBox is an axis-aligned box in frame coordinates.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Area returns the box area in pixels.
func (b BoundingBox) Area() int {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// IoU returns the intersection over union of two boxes.
func (b BoundingBox) IoU(other BoundingBox) float64 {
	inter := b.Rect().Intersect(other.Rect())
	if inter.Empty() {
		return 0
	}
	interArea := inter.Dx() * inter.Dy()
	union := b.Area() + other.Area() - interArea
	if union <= 0 {
		return 0
	}
	return float64(interArea) / float64(union)
}

// FaceRegion is a detected face candidate inside a specific frame.
type FaceRegion struct {
	Box        BoundingBox `json:"box"`
	Confidence float64     `json:"confidence"`
	Landmarks  []Landmark  `json:"landmarks,omitempty"`
}

// Landmark looks up a landmark by name.
func (r FaceRegion) Landmark(name string) (Point, bool) {
	for _, l := range r.Landmarks {
		if l.Name == name {
			return l.Point, true
		}
	}
	return Point{}, false
}

// Embedding is a face vector together with its match outcome.
type Embedding struct {
	Vector     []float32
	IdentityID string
	FrameTime  time.Time
}

// Identity is an enrolled person with its reference embeddings.
type Identity struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	References [][]float32 `json:"-"`
	EnrolledAt time.Time   `json:"enrolled_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Provenance ties an attendance event back to the frame it came from.
type Provenance struct {
	SourceID   string      `json:"source_id"`
	FrameSeq   uint64      `json:"frame_seq"`
	CapturedAt time.Time   `json:"captured_at"`
	Box        BoundingBox `json:"box"`
	Confidence float64     `json:"confidence"`
	Distance   float64     `json:"distance"`
}

// AttendanceEvent is emitted once per debounced identity match.
type AttendanceEvent struct {
	ID           string     `json:"id"`
	IdentityID   string     `json:"identity_id"`
	IdentityName string     `json:"identity_name"`
	Timestamp    time.Time  `json:"timestamp"`
	Provenance   Provenance `json:"provenance"`
}

// Identity change actions, shared by backend commands and local updates.
const (
	IdentityActionEnroll   = "enroll"
	IdentityActionReEnroll = "reenroll"
	IdentityActionRemove   = "remove"
)

// IdentityUpdate reports an identity change made on the device. Enroll and
// re-enroll carry the complete reference set; remove carries only the id.
type IdentityUpdate struct {
	Action     string      `json:"action"`
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	Embeddings [][]float32 `json:"embeddings,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Signature  string      `json:"signature,omitempty"`
}

// IdentityRecord is the persisted form of an Identity.
type IdentityRecord struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Name       string    `gorm:"not null"`
	NameKey    string    `gorm:"uniqueIndex;not null"` // case-folded name
	EnrolledAt time.Time `gorm:"index"`
	UpdatedAt  time.Time
	References []ReferenceRecord `gorm:"foreignKey:IdentityID;constraint:OnDelete:CASCADE;"`
}

// ReferenceRecord stores one reference embedding as little-endian float32 bytes.
type ReferenceRecord struct {
	ID         uint   `gorm:"primaryKey"`
	IdentityID string `gorm:"index;not null;size:64"`
	Position   int    `gorm:"not null"`
	Dimension  int    `gorm:"not null"`
	Vector     []byte `gorm:"not null"`
	CreatedAt  time.Time
}

// AttendanceRecord is the local attendance log entry.
type AttendanceRecord struct {
	ID           uint           `gorm:"primaryKey"`
	EventID      string         `gorm:"uniqueIndex;not null;size:64"`
	IdentityID   string         `gorm:"index;not null;size:64"`
	IdentityName string         `gorm:"not null"`
	Timestamp    time.Time      `gorm:"index"`
	SourceID     string         `gorm:"index"`
	Provenance   datatypes.JSON `gorm:"type:json"`
	CreatedAt    time.Time
}

// Statistics summarises the local database.
type Statistics struct {
	IdentityCount   int64     `json:"identity_count"`
	ReferenceCount  int64     `json:"reference_count"`
	AttendanceCount int64     `json:"attendance_count"`
	PendingEvents   int64     `json:"pending_events"`
	FailedEvents    int64     `json:"failed_events"`
	LatestEvent     time.Time `json:"latest_event"`
}
