package homeassistant

import (
	"fmt"
	"time"

	"face-attendance-go/internal/core/models"
)

// PresenceState is the retained state of an identity sensor.
type PresenceState struct {
	Timestamp string `json:"timestamp"`
	Name      string `json:"name"`
	EventID   string `json:"event_id"`
	Source    string `json:"source"`
}

// PublishAttendance updates the sensor of the event's identity.
func (d *Discovery) PublishAttendance(event models.AttendanceEvent) error {
	state := PresenceState{
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Name:      event.IdentityName,
		EventID:   event.ID,
		Source:    event.Provenance.SourceID,
	}
	if err := d.pub.PublishRetain(d.StateTopic(event.IdentityID), state); err != nil {
		return fmt.Errorf("failed to publish presence for %s: %w", event.IdentityID, err)
	}
	return nil
}
