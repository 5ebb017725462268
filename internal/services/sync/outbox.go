package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"face-attendance-go/internal/core/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outbox is the durable, ordered queue of envelopes awaiting delivery.
type Outbox struct {
	db         *gorm.DB
	maxRetries int
}

// NewOutbox creates an outbox over the pending_events table.
func NewOutbox(db *gorm.DB, maxRetries int) *Outbox {
	return &Outbox{db: db, maxRetries: maxRetries}
}

// Append stores envelopes in the given order. Envelopes already in the
// outbox are ignored.
func (o *Outbox) Append(ctx context.Context, envs []Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	rows := make([]models.PendingEvent, 0, len(envs))
	for _, env := range envs {
		payload, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode envelope %s: %w", env.ID, err)
		}
		rows = append(rows, models.PendingEvent{
			EventID:    env.ID,
			Kind:       env.Kind,
			Payload:    datatypes.JSON(payload),
			CreatedAt:  env.CreatedAt,
			MaxRetries: o.maxRetries,
			Status:     models.PEStatusPending,
		})
	}
	// one insert per row keeps ids in submission order
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
				Create(&rows[i]).Error
			if err != nil {
				return fmt.Errorf("append %s: %w", rows[i].EventID, err)
			}
		}
		return nil
	})
}

// Head returns the oldest pending row, or nil when nothing is pending.
func (o *Outbox) Head(ctx context.Context) (*models.PendingEvent, error) {
	var row models.PendingEvent
	err := o.db.WithContext(ctx).
		Where("status = ?", models.PEStatusPending).
		Order("id ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Envelope decodes the stored envelope of a row.
func (o *Outbox) Envelope(row *models.PendingEvent) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(row.Payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode outbox row %d: %w", row.ID, err)
	}
	return env, nil
}

// MarkDelivered records a successful delivery.
func (o *Outbox) MarkDelivered(ctx context.Context, row *models.PendingEvent, at time.Time) error {
	at = at.UTC()
	row.Retries++
	row.LastAttempt = at
	row.Status = models.PEStatusDelivered
	row.DeliveredAt = &at
	row.LastError = ""
	return o.db.WithContext(ctx).Save(row).Error
}

// MarkAttempt records a failed delivery. It returns true when the row has
// used up its retries and was marked failed.
func (o *Outbox) MarkAttempt(ctx context.Context, row *models.PendingEvent, at time.Time, cause error) (bool, error) {
	row.Retries++
	row.LastAttempt = at
	row.LastError = cause.Error()
	exhausted := row.Retries >= row.MaxRetries
	if exhausted {
		row.Status = models.PEStatusFailed
	}
	return exhausted, o.db.WithContext(ctx).Save(row).Error
}

// MarkFailed marks a row failed without further attempts.
func (o *Outbox) MarkFailed(ctx context.Context, row *models.PendingEvent, at time.Time, cause error) error {
	row.LastAttempt = at
	row.LastError = cause.Error()
	row.Status = models.PEStatusFailed
	return o.db.WithContext(ctx).Save(row).Error
}

// RequeueFailed resets failed rows to pending with a fresh retry budget.
func (o *Outbox) RequeueFailed(ctx context.Context) (int64, error) {
	res := o.db.WithContext(ctx).Model(&models.PendingEvent{}).
		Where("status = ?", models.PEStatusFailed).
		Updates(map[string]interface{}{
			"status":       models.PEStatusPending,
			"retries":      0,
			"last_attempt": time.Time{},
			"last_error":   "",
		})
	return res.RowsAffected, res.Error
}

// Failed lists failed rows in outbox order.
func (o *Outbox) Failed(ctx context.Context) ([]models.PendingEvent, error) {
	var rows []models.PendingEvent
	err := o.db.WithContext(ctx).Where("status = ?", models.PEStatusFailed).Order("id ASC").Find(&rows).Error
	return rows, err
}

// Counts returns the number of pending and failed rows.
func (o *Outbox) Counts(ctx context.Context) (pending, failed int64, err error) {
	if err = o.db.WithContext(ctx).Model(&models.PendingEvent{}).Where("status = ?", models.PEStatusPending).Count(&pending).Error; err != nil {
		return 0, 0, err
	}
	err = o.db.WithContext(ctx).Model(&models.PendingEvent{}).Where("status = ?", models.PEStatusFailed).Count(&failed).Error
	return pending, failed, err
}

// PruneDelivered deletes delivered rows older than cutoff.
func (o *Outbox) PruneDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	res := o.db.WithContext(ctx).
		Where("status = ? AND delivered_at < ?", models.PEStatusDelivered, cutoff.UTC()).
		Delete(&models.PendingEvent{})
	return res.RowsAffected, res.Error
}
