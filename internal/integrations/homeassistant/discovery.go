// Package homeassistant exposes attendance as Home Assistant sensors through
// MQTT discovery.
package homeassistant

import (
	"fmt"
	"strings"
	"sync"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/util/names"

	log "github.com/sirupsen/logrus"
)

// Constants for Home Assistant MQTT Discovery
const (
	ComponentSensor = "sensor"
	NodeID          = "face_attendance"
)

// Publisher sends retained MQTT messages. *mqtt.Client implements it.
type Publisher interface {
	PublishRetain(topic string, payload interface{}) error
}

// SensorConfig is the discovery payload of one sensor.
type SensorConfig struct {
	Name                string  `json:"name"`
	UniqueID            string  `json:"unique_id"`
	ObjectID            string  `json:"object_id,omitempty"`
	StateTopic          string  `json:"state_topic"`
	Icon                string  `json:"icon,omitempty"`
	DeviceClass         string  `json:"device_class,omitempty"`
	JSONAttributesTopic string  `json:"json_attributes_topic,omitempty"`
	ValueTemplate       string  `json:"value_template,omitempty"`
	AvailabilityTopic   string  `json:"availability_topic,omitempty"`
	PayloadAvailable    string  `json:"payload_available,omitempty"`
	PayloadNotAvailable string  `json:"payload_not_available,omitempty"`
	Device              *Device `json:"device,omitempty"`
}

// Device groups all sensors of one terminal in Home Assistant.
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// Discovery registers one "last seen" sensor per enrolled identity and
// publishes attendance events as sensor state.
type Discovery struct {
	pub             Publisher
	discoveryPrefix string
	topicPrefix     string
	deviceSlug      string
	device          *Device

	mu         sync.Mutex
	registered map[string]bool // identity ids with a published config
}

// NewDiscovery creates a discovery manager for the terminal deviceID.
func NewDiscovery(pub Publisher, cfg config.MQTTConfig, deviceID, version string) *Discovery {
	prefix := cfg.DiscoveryPrefix
	if prefix == "" {
		prefix = "homeassistant"
	}
	slug := names.Slug(deviceID)
	if slug == "" {
		slug = "terminal"
	}
	return &Discovery{
		pub:             pub,
		discoveryPrefix: strings.TrimSuffix(prefix, "/"),
		topicPrefix:     strings.TrimSuffix(cfg.TopicPrefix, "/"),
		deviceSlug:      slug,
		device: &Device{
			Identifiers:  []string{NodeID + "_" + slug},
			Name:         "Attendance " + deviceID,
			Manufacturer: "face-attendance-go",
			Model:        "Face recognition terminal",
			SWVersion:    version,
		},
		registered: make(map[string]bool),
	}
}

// ConfigTopic is the discovery topic of the identity's sensor.
func (d *Discovery) ConfigTopic(identityID string) string {
	return fmt.Sprintf("%s/%s/%s_%s/%s/config", d.discoveryPrefix, ComponentSensor, NodeID, d.deviceSlug, d.objectKey(identityID))
}

// StateTopic carries the latest attendance of the identity.
func (d *Discovery) StateTopic(identityID string) string {
	return fmt.Sprintf("%s/presence/%s", d.topicPrefix, d.objectKey(identityID))
}

func (d *Discovery) objectKey(identityID string) string {
	if slug := names.Slug(identityID); slug != "" {
		return slug
	}
	return "identity"
}

// RegisterIdentities publishes sensor configs for all identities and clears
// sensors of identities that no longer exist.
func (d *Discovery) RegisterIdentities(identities []models.Identity) error {
	current := make(map[string]bool, len(identities))
	var firstErr error
	for _, identity := range identities {
		current[identity.ID] = true
		if err := d.Register(identity); err != nil {
			log.Errorf("Failed to register sensor for identity %s: %v", identity.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	d.mu.Lock()
	var stale []string
	for id := range d.registered {
		if !current[id] {
			stale = append(stale, id)
		}
	}
	d.mu.Unlock()

	for _, id := range stale {
		if err := d.Unregister(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Register publishes the sensor config of one identity.
func (d *Discovery) Register(identity models.Identity) error {
	key := d.objectKey(identity.ID)
	sensor := SensorConfig{
		Name:                identity.Name,
		UniqueID:            fmt.Sprintf("%s_%s_%s", NodeID, d.deviceSlug, key),
		ObjectID:            fmt.Sprintf("%s_%s", NodeID, key),
		StateTopic:          d.StateTopic(identity.ID),
		JSONAttributesTopic: d.StateTopic(identity.ID),
		ValueTemplate:       "{{ value_json.timestamp }}",
		DeviceClass:         "timestamp",
		Icon:                "mdi:face-recognition",
		AvailabilityTopic:   d.topicPrefix + "/status",
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		Device:              d.device,
	}

	log.Debugf("Registering Home Assistant sensor for identity: %s", identity.Name)
	if err := d.pub.PublishRetain(d.ConfigTopic(identity.ID), sensor); err != nil {
		return fmt.Errorf("failed to publish discovery configuration: %w", err)
	}

	d.mu.Lock()
	d.registered[identity.ID] = true
	d.mu.Unlock()
	return nil
}

// Unregister removes the sensor and its retained state.
func (d *Discovery) Unregister(identityID string) error {
	if err := d.pub.PublishRetain(d.ConfigTopic(identityID), ""); err != nil {
		return fmt.Errorf("failed to clear discovery configuration: %w", err)
	}
	if err := d.pub.PublishRetain(d.StateTopic(identityID), ""); err != nil {
		return fmt.Errorf("failed to clear sensor state: %w", err)
	}

	d.mu.Lock()
	delete(d.registered, identityID)
	d.mu.Unlock()
	log.Infof("Removed Home Assistant sensor for identity %s", identityID)
	return nil
}
