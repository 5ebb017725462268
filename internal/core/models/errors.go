package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrIdentityNotFound is returned for operations on an unknown identity id.
var ErrIdentityNotFound = errors.New("identity not found")

// DetectionTimeout reports that the detection budget ran out. Found holds the
// number of regions that were collected before the deadline.
type DetectionTimeout struct {
	Budget time.Duration
	Found  int
}

func (e *DetectionTimeout) Error() string {
	return fmt.Sprintf("detection budget of %v exceeded (%d regions found)", e.Budget, e.Found)
}

// AlignmentError means a region could not be normalised and must be skipped.
type AlignmentError struct {
	Resolved int
	Required int
	Reason   string
}

func (e *AlignmentError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("alignment failed: %s", e.Reason)
	}
	return fmt.Sprintf("alignment failed: %d of %d required landmarks resolved", e.Resolved, e.Required)
}

// EmbeddingFailure wraps an error from the embedding backend.
type EmbeddingFailure struct {
	Cause error
}

func (e *EmbeddingFailure) Error() string {
	return fmt.Sprintf("embedding failed: %v", e.Cause)
}

func (e *EmbeddingFailure) Unwrap() error { return e.Cause }

// DimensionMismatch rejects a vector whose length differs from the store dimension.
type DimensionMismatch struct {
	Expected int
	Got      int
}

func (e *DimensionMismatch) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// SyncDeliveryFailure is surfaced when an event exhausted its delivery attempts.
type SyncDeliveryFailure struct {
	EventID  string
	Attempts int
	Cause    error
}

func (e *SyncDeliveryFailure) Error() string {
	return fmt.Sprintf("delivery of event %s failed after %d attempts: %v", e.EventID, e.Attempts, e.Cause)
}

func (e *SyncDeliveryFailure) Unwrap() error { return e.Cause }
