// Package mqtt connects the device to the backend broker. It delivers sync
// envelopes and receives identity updates.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/security"
	syncsvc "face-attendance-go/internal/services/sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Client is the MQTT transport of the sync channel.
type Client struct {
	config    config.MQTTConfig
	client    mqtt.Client
	signer    *security.Signer
	mu        sync.RWMutex
	handler   *CommandHandler
	onConnect []func()
}

// Availability payloads on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// NewClient creates an MQTT client. Call Start to connect.
func NewClient(cfg config.MQTTConfig, signer *security.Signer) *Client {
	return &Client{config: cfg, signer: signer}
}

// SetCommandHandler registers the handler for identity updates. It must be
// set before Start.
func (c *Client) SetCommandHandler(h *CommandHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// OnConnect registers fn to run after every (re)connect. It must be set
// before Start.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// BrokerURL returns the configured broker address.
func (c *Client) BrokerURL() string {
	scheme := c.config.Scheme
	if scheme == "" {
		scheme = "tcp"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.config.Broker, c.config.Port)
}

// Topic joins a suffix to the configured prefix.
func (c *Client) Topic(suffix string) string {
	return strings.TrimSuffix(c.config.TopicPrefix, "/") + "/" + suffix
}

// Start connects to the broker. Reconnects happen automatically afterwards.
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT client is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.BrokerURL())
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetWill(c.Topic("status"), StatusOffline, 1, true)
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(true)

	c.client = mqtt.NewClient(opts)

	// with ConnectRetry the token completes once connected; the sync channel
	// buffers in the meantime
	log.Infof("Connecting to MQTT broker at %s", c.BrokerURL())
	token := c.client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		log.Info("Disconnecting MQTT client...")
		// a clean disconnect does not fire the will
		c.client.Publish(c.Topic("status"), 1, true, StatusOffline).WaitTimeout(2 * time.Second)
		c.client.Disconnect(250)
		log.Info("MQTT client disconnected")
	}
}

// Connected reports whether the broker connection is up.
func (c *Client) Connected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

func (c *Client) onConnectHandler(client mqtt.Client) {
	log.Infof("Connected to MQTT broker at %s", c.BrokerURL())

	c.mu.RLock()
	handler := c.handler
	hooks := append([]func(){}, c.onConnect...)
	c.mu.RUnlock()

	if token := client.Publish(c.Topic("status"), 1, true, StatusOnline); token.Wait() && token.Error() != nil {
		log.Warnf("Failed to publish availability: %v", token.Error())
	}

	if handler != nil {
		topic := c.Topic("identities/+")
		if token := client.Subscribe(topic, 1, c.messageHandler); token.Wait() && token.Error() != nil {
			log.Errorf("Failed to subscribe to topic %s: %v", topic, token.Error())
		} else {
			log.Infof("Subscribed to topic: %s", topic)
		}
	}

	// paho runs this handler on its own goroutine, hooks may publish
	for _, fn := range hooks {
		go fn()
	}
}

func (c *Client) connectionLostHandler(client mqtt.Client, err error) {
	log.Errorf("MQTT connection lost: %v", err)
}

func (c *Client) messageHandler(client mqtt.Client, msg mqtt.Message) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	action := msg.Topic()[strings.LastIndex(msg.Topic(), "/")+1:]
	log.Debugf("Received identity command %q", action)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := handler.Handle(ctx, action, msg.Payload()); err != nil {
		log.WithError(err).WithField("action", action).Warn("Identity command rejected")
	}
}

// Deliver publishes a signed envelope with QoS 1 and waits for the broker's
// acknowledgement.
func (c *Client) Deliver(ctx context.Context, env syncsvc.Envelope) error {
	if !c.Connected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	env.Signature = c.signer.Sign([]byte(env.ID), []byte(env.Kind), env.Payload)
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	topic := c.envelopeTopic(env.Kind)
	token := c.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}

	log.Debugf("Published %s %s to topic: %s", env.Kind, env.ID, topic)
	return nil
}

func (c *Client) envelopeTopic(kind string) string {
	switch kind {
	case syncsvc.KindTelemetry:
		return c.Topic("telemetry")
	case syncsvc.KindIdentity:
		// not under identities/, which carries commands to the device
		return c.Topic("enrollments")
	}
	return c.Topic("events")
}

// PublishRetain publishes a retained message with QoS 1. Strings and byte
// slices are sent as is, anything else is encoded as JSON. An empty payload
// clears the retained message.
func (c *Client) PublishRetain(topic string, payload interface{}) error {
	if !c.Connected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	var data []byte
	switch p := payload.(type) {
	case string:
		data = []byte(p)
	case []byte:
		data = p
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	token := c.client.Publish(topic, 1, true, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}
	log.Debugf("Published retained message to topic: %s", topic)
	return nil
}
