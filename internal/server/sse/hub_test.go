package sse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"face-attendance-go/internal/core/models"
)

func TestHubBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	go hub.Run(ctx)

	client := make(Client, 4)
	if !hub.Register(client) {
		t.Fatal("Register failed")
	}
	hub.BroadcastAttendance(models.AttendanceEvent{ID: "evt-1", IdentityID: "ada", IdentityName: "Ada", Provenance: models.Provenance{SourceID: "door"}})

	select {
	case msg := <-client:
		var data AttendanceData
		if err := json.Unmarshal(msg, &data); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if data.EventID != "evt-1" || data.Identity != "Ada" || data.Camera != "door" {
			t.Errorf("Unexpected payload: %+v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for broadcast")
	}

	cancel()
	select {
	case _, ok := <-client:
		if ok {
			t.Error("Expected client channel closed on shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Client not closed on shutdown")
	}
	if hub.Register(make(Client)) {
		t.Error("Expected Register to fail after shutdown")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)

	slow := make(Client) // unbuffered and never read
	hub.Register(slow)
	hub.Broadcast([]byte("x"))

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Error("Expected slow client removed")
	}
}
