// Package sse fans attendance events out to Server-Sent Events clients.
package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"face-attendance-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// Client is the message channel of one connected subscriber.
type Client chan []byte

// Hub tracks subscribers and broadcasts to them.
type Hub struct {
	clients    map[Client]bool
	broadcast  chan []byte
	register   chan Client
	unregister chan Client
	done       chan struct{}
	mu         sync.Mutex
}

// AttendanceData is the payload of an attendance message.
type AttendanceData struct {
	Type       string    `json:"type"`
	EventID    string    `json:"event_id"`
	IdentityID string    `json:"identity_id"`
	Identity   string    `json:"identity"`
	Timestamp  time.Time `json:"timestamp"`
	Camera     string    `json:"camera"`
	Distance   float64   `json:"distance"`
}

// NewHub creates a hub. Run must be started before clients register.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 100),
		register:   make(chan Client),
		unregister: make(chan Client),
		clients:    make(map[Client]bool),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx ends. All clients are
// closed on return.
func (h *Hub) Run(ctx context.Context) {
	log.Debug("SSE hub started")
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Debugf("SSE client registered. Total clients: %d", clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
				log.Debugf("SSE client unregistered. Total clients: %d", len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- message:
				default:
					log.Warn("SSE client channel full, removing client")
					delete(h.clients, client)
					close(client)
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()
			log.Debug("SSE hub stopped")
			return
		}
	}
}

// Register adds a client. It reports false when the hub has stopped.
func (h *Hub) Register(client Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client and closes its channel.
func (h *Hub) Unregister(client Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues a message for all clients without blocking.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// BroadcastAttendance publishes an attendance event.
func (h *Hub) BroadcastAttendance(event models.AttendanceEvent) {
	data, err := json.Marshal(AttendanceData{
		Type:       "attendance",
		EventID:    event.ID,
		IdentityID: event.IdentityID,
		Identity:   event.IdentityName,
		Timestamp:  event.Timestamp,
		Camera:     event.Provenance.SourceID,
		Distance:   event.Provenance.Distance,
	})
	if err != nil {
		log.Errorf("Failed to marshal attendance event for SSE: %v", err)
		return
	}
	h.Broadcast(data)
}
