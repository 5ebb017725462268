package models

import (
	"time"

	"gorm.io/datatypes"
)

// PendingEvent is an outbox row for a message that must reach the backend.
// The auto-increment ID defines delivery order.
type PendingEvent struct {
	ID          uint           `gorm:"primaryKey;autoIncrement"`
	EventID     string         `gorm:"uniqueIndex;not null;size:64"`
	Kind        string         `gorm:"index;not null"` // envelope kind of the sync channel
	Payload     datatypes.JSON `gorm:"type:json;not null"`
	CreatedAt   time.Time      `gorm:"index"`
	LastAttempt time.Time
	Retries     int `gorm:"default:0"`
	MaxRetries  int `gorm:"default:8"`
	LastError   string
	Status      string `gorm:"index;default:'pending'"` // see PEStatus*
	DeliveredAt *time.Time
}

// Outbox statuses
const (
	PEStatusPending   = "pending"
	PEStatusFailed    = "failed"
	PEStatusDelivered = "delivered"
)
