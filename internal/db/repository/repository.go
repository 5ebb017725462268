package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/util/names"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdentityRepository persists identities and their reference embeddings.
type IdentityRepository interface {
	LoadIdentities(ctx context.Context) ([]models.Identity, error)
	// SaveIdentity upserts the identity and replaces its reference set.
	SaveIdentity(ctx context.Context, identity models.Identity) error
	DeleteIdentity(ctx context.Context, id string) error
	// Reset removes every identity.
	Reset(ctx context.Context) error
}

// Repository is the full local data access layer.
type Repository interface {
	IdentityRepository

	SaveAttendance(ctx context.Context, event models.AttendanceEvent) error
	ListAttendance(ctx context.Context, limit, offset int) ([]models.AttendanceRecord, int64, error)
	CountAttendanceSince(ctx context.Context, since time.Time) (int64, error)
	DeleteAttendanceBefore(ctx context.Context, cutoff time.Time) (int64, error)

	GetStatistics(ctx context.Context) (models.Statistics, error)
}

// SQLiteRepository implements Repository with gorm.
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository creates a repository on an opened and migrated database.
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// LoadIdentities returns all identities ordered by enrollment time.
func (r *SQLiteRepository) LoadIdentities(ctx context.Context) ([]models.Identity, error) {
	var records []models.IdentityRecord
	err := r.db.WithContext(ctx).
		Preload("References", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order("enrolled_at ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	identities := make([]models.Identity, 0, len(records))
	for _, rec := range records {
		identity := models.Identity{
			ID:         rec.ID,
			Name:       rec.Name,
			EnrolledAt: rec.EnrolledAt,
			UpdatedAt:  rec.UpdatedAt,
			References: make([][]float32, 0, len(rec.References)),
		}
		for _, ref := range rec.References {
			vec, err := models.DecodeVector(ref.Vector)
			if err != nil {
				return nil, fmt.Errorf("identity %s reference %d: %w", rec.ID, ref.Position, err)
			}
			identity.References = append(identity.References, vec)
		}
		identities = append(identities, identity)
	}
	return identities, nil
}

// SaveIdentity writes the identity row and its references in one transaction.
func (r *SQLiteRepository) SaveIdentity(ctx context.Context, identity models.Identity) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := models.IdentityRecord{
			ID:         identity.ID,
			Name:       identity.Name,
			NameKey:    names.Key(identity.Name),
			EnrolledAt: identity.EnrolledAt,
			UpdatedAt:  identity.UpdatedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "name_key", "updated_at"}),
		}).Omit("References").Create(&rec).Error; err != nil {
			return err
		}

		if err := tx.Where("identity_id = ?", identity.ID).Delete(&models.ReferenceRecord{}).Error; err != nil {
			return err
		}
		if len(identity.References) == 0 {
			return nil
		}

		refs := make([]models.ReferenceRecord, len(identity.References))
		for i, vec := range identity.References {
			refs[i] = models.ReferenceRecord{
				IdentityID: identity.ID,
				Position:   i,
				Dimension:  len(vec),
				Vector:     models.EncodeVector(vec),
			}
		}
		return tx.Create(&refs).Error
	})
}

// DeleteIdentity removes the identity and its references.
func (r *SQLiteRepository) DeleteIdentity(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identity_id = ?", id).Delete(&models.ReferenceRecord{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.IdentityRecord{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrIdentityNotFound
		}
		return nil
	})
}

// Reset deletes all identities and references.
func (r *SQLiteRepository) Reset(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ReferenceRecord{}).Error; err != nil {
			return err
		}
		return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.IdentityRecord{}).Error
	})
}

// SaveAttendance appends an event to the local attendance log. Saving the
// same event twice is a no-op.
func (r *SQLiteRepository) SaveAttendance(ctx context.Context, event models.AttendanceEvent) error {
	provenance, err := json.Marshal(event.Provenance)
	if err != nil {
		return fmt.Errorf("failed to encode provenance: %w", err)
	}
	rec := models.AttendanceRecord{
		EventID:      event.ID,
		IdentityID:   event.IdentityID,
		IdentityName: event.IdentityName,
		Timestamp:    event.Timestamp.UTC(),
		SourceID:     event.Provenance.SourceID,
		Provenance:   provenance,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&rec).Error
}

// ListAttendance pages through the attendance log, newest first.
func (r *SQLiteRepository) ListAttendance(ctx context.Context, limit, offset int) ([]models.AttendanceRecord, int64, error) {
	var records []models.AttendanceRecord
	var total int64

	db := r.db.WithContext(ctx)
	if err := db.Model(&models.AttendanceRecord{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := db.Order("timestamp DESC, id DESC").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// DeleteAttendanceBefore prunes attendance records older than cutoff.
func (r *SQLiteRepository) DeleteAttendanceBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("timestamp < ?", cutoff.UTC()).Delete(&models.AttendanceRecord{})
	return result.RowsAffected, result.Error
}

// CountAttendanceSince counts attendance records at or after since.
func (r *SQLiteRepository) CountAttendanceSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.AttendanceRecord{}).Where("timestamp >= ?", since.UTC()).Count(&n).Error
	return n, err
}

// GetStatistics counts identities, references, attendance and outbox rows.
func (r *SQLiteRepository) GetStatistics(ctx context.Context) (models.Statistics, error) {
	var stats models.Statistics
	db := r.db.WithContext(ctx)

	if err := db.Model(&models.IdentityRecord{}).Count(&stats.IdentityCount).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&models.ReferenceRecord{}).Count(&stats.ReferenceCount).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&models.AttendanceRecord{}).Count(&stats.AttendanceCount).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&models.PendingEvent{}).Where("status = ?", models.PEStatusPending).Count(&stats.PendingEvents).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&models.PendingEvent{}).Where("status = ?", models.PEStatusFailed).Count(&stats.FailedEvents).Error; err != nil {
		return stats, err
	}

	var latest models.AttendanceRecord
	if err := db.Order("timestamp DESC").First(&latest).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return stats, err
		}
	} else {
		stats.LatestEvent = latest.Timestamp
	}

	return stats, nil
}
