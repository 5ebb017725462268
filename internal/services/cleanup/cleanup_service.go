// Package cleanup prunes old attendance records and delivered outbox rows.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"face-attendance-go/config"

	log "github.com/sirupsen/logrus"
)

// AttendancePruner deletes attendance records older than a cutoff.
type AttendancePruner interface {
	DeleteAttendanceBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OutboxPruner deletes delivered outbox rows older than a cutoff.
type OutboxPruner interface {
	PruneDelivered(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result reports what a cleanup run removed.
type Result struct {
	Attendance int64 `json:"attendance"`
	Delivered  int64 `json:"delivered"`
}

// CleanupService periodically applies the retention policy.
type CleanupService struct {
	attendance    AttendancePruner
	outbox        OutboxPruner
	config        config.CleanupConfig
	checkInterval time.Duration
	now           func() time.Time
}

// NewCleanupService creates a cleanup service.
func NewCleanupService(attendance AttendancePruner, outbox OutboxPruner, cfg config.CleanupConfig) *CleanupService {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &CleanupService{
		attendance:    attendance,
		outbox:        outbox,
		config:        cfg,
		checkInterval: interval,
		now:           time.Now,
	}
}

// Start runs cleanup immediately and then on every interval until ctx ends.
func (s *CleanupService) Start(ctx context.Context) {
	log.Info("Cleanup service started")

	if _, err := s.RunCleanup(ctx); err != nil {
		log.Errorf("Initial cleanup failed: %v", err)
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Debug("Running scheduled cleanup")
			if _, err := s.RunCleanup(ctx); err != nil {
				log.Errorf("Scheduled cleanup failed: %v", err)
			}
		case <-ctx.Done():
			log.Info("Cleanup service stopped")
			return
		}
	}
}

// RunCleanup removes data older than the retention window. Pending and
// failed outbox rows are never removed.
func (s *CleanupService) RunCleanup(ctx context.Context) (Result, error) {
	var res Result
	if s.config.RetentionDays <= 0 {
		log.Debug("Cleanup disabled (retention days <= 0)")
		return res, nil
	}

	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
	log.Debugf("Cleaning up data older than %s", cutoff.Format("2006-01-02"))

	var err error
	if s.attendance != nil {
		if res.Attendance, err = s.attendance.DeleteAttendanceBefore(ctx, cutoff); err != nil {
			return res, fmt.Errorf("failed to prune attendance records: %w", err)
		}
	}
	if s.outbox != nil {
		if res.Delivered, err = s.outbox.PruneDelivered(ctx, cutoff); err != nil {
			return res, fmt.Errorf("failed to prune delivered events: %w", err)
		}
	}

	if res.Attendance > 0 || res.Delivered > 0 {
		log.Infof("Cleanup completed: removed %d attendance records and %d delivered events", res.Attendance, res.Delivered)
	}
	return res, nil
}
