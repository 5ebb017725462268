package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/pipeline"
	"face-attendance-go/internal/services/monitor"
	syncsvc "face-attendance-go/internal/services/sync"
	"face-attendance-go/internal/util/timezone"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Uptime          string              `json:"uptime"`
	Identities      int                 `json:"identities"`
	References      int                 `json:"references"`
	AttendanceToday int64               `json:"attendance_today"`
	Database        models.Statistics   `json:"database"`
	Sync            *syncsvc.Status     `json:"sync,omitempty"`
	Pipeline        *pipeline.Stats     `json:"pipeline,omitempty"`
	System          monitor.SystemStats `json:"system"`
	Metrics         monitor.Snapshot    `json:"metrics"`
}

// GetStatus reports the health of every component.
func (h *APIHandler) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()
	stats, err := h.deps.Repo.GetStatistics(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to read database statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read statistics"})
		return
	}

	resp := StatusResponse{
		Uptime:     time.Since(h.started).Truncate(time.Second).String(),
		Identities: h.deps.Store.Len(),
		References: h.deps.Store.ReferenceCount(),
		Database:   stats,
	}
	if h.deps.Sync != nil {
		st, err := h.deps.Sync.Status(ctx)
		if err == nil {
			resp.Sync = &st
		} else {
			log.WithError(err).Warn("Failed to read sync status")
		}
	}
	if h.deps.Pipeline != nil {
		st := h.deps.Pipeline.Stats()
		resp.Pipeline = &st
	}
	if h.deps.Monitor != nil {
		resp.System = h.deps.Monitor.SystemStats()
		resp.Metrics = h.deps.Monitor.Metrics().Snapshot()
	}
	if n, err := h.deps.Repo.CountAttendanceSince(ctx, timezone.StartOfDay(time.Now())); err == nil {
		resp.AttendanceToday = n
	}
	c.JSON(http.StatusOK, resp)
}

// AttendanceView is the JSON form of an attendance record.
type AttendanceView struct {
	EventID    string `json:"event_id"`
	IdentityID string `json:"identity_id"`
	Identity   string `json:"identity"`
	Timestamp  string `json:"timestamp"`
	Camera     string `json:"camera"`
}

// ListAttendance returns the attendance log, newest first.
func (h *APIHandler) ListAttendance(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := h.deps.Repo.ListAttendance(c.Request.Context(), limit, offset)
	if err != nil {
		log.WithError(err).Error("Failed to list attendance")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list attendance"})
		return
	}
	views := make([]AttendanceView, 0, len(records))
	for _, r := range records {
		views = append(views, AttendanceView{
			EventID:    r.EventID,
			IdentityID: r.IdentityID,
			Identity:   r.IdentityName,
			Timestamp:  timezone.RFC3339(r.Timestamp),
			Camera:     r.SourceID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"records": views, "total": total, "limit": limit, "offset": offset})
}

// ListFailed returns events that exhausted their delivery retries.
func (h *APIHandler) ListFailed(c *gin.Context) {
	if h.deps.Sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync is disabled"})
		return
	}
	rows, err := h.deps.Sync.Outbox().Failed(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list failed events"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		out = append(out, gin.H{
			"event_id":     r.EventID,
			"kind":         r.Kind,
			"attempts":     r.Retries,
			"last_error":   r.LastError,
			"last_attempt": timezone.RFC3339(r.LastAttempt),
		})
	}
	c.JSON(http.StatusOK, gin.H{"failed": out, "count": len(out)})
}

// RequeueFailed moves failed events back into the delivery queue.
func (h *APIHandler) RequeueFailed(c *gin.Context) {
	if h.deps.Sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync is disabled"})
		return
	}
	n, err := h.deps.Sync.RequeueFailed(c.Request.Context())
	if err != nil {
		log.WithError(err).Error("Failed to requeue events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to requeue events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

// StreamEvents streams attendance events as Server-Sent Events.
func (h *APIHandler) StreamEvents(c *gin.Context) {
	if h.deps.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream is disabled"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithError(http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientChannel := make(chan []byte, 16)
	if !h.deps.Hub.Register(clientChannel) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream stopped"})
		return
	}
	defer h.deps.Hub.Unregister(clientChannel)

	c.Status(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case message, open := <-clientChannel:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(c.Writer, "event: attendance\ndata: %s\n\n", message); err != nil {
				log.Debugf("SSE client write failed: %v", err)
				return
			}
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
