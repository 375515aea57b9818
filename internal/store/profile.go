package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/gmsas95/medx/internal/errors"
	"github.com/gmsas95/medx/internal/medication"
	"github.com/gmsas95/medx/internal/preferences"
)

// ==================== User Methods ====================

// EnsureUser returns the user, creating it when missing.
func (s *Store) EnsureUser(ctx context.Context, id, displayName string) (*User, error) {
	user := User{ID: id, DisplayName: displayName}
	if err := s.db.WithContext(ctx).Where(User{ID: id}).FirstOrCreate(&user).Error; err != nil {
		return nil, persistence(err)
	}
	return &user, nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, persistence(err)
	}
	return &user, nil
}

// ActiveUserIDs lists users that have at least one medication.
func (s *Store) ActiveUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&MedicationRecord{}).
		Distinct("user_id").
		Order("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, persistence(err)
	}
	return ids, nil
}

// ==================== Medication Methods ====================

// Medications returns the user's medications in creation order.
func (s *Store) Medications(ctx context.Context, userID string) ([]medication.Record, error) {
	var rows []MedicationRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, persistence(err)
	}

	out := make([]medication.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToRecord())
	}
	return out, nil
}

// GetMedication retrieves one medication owned by userID
func (s *Store) GetMedication(ctx context.Context, userID, id string) (*MedicationRecord, error) {
	var row MedicationRecord
	err := s.db.WithContext(ctx).First(&row, "id = ? AND user_id = ?", id, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrMedicationNotFound
		}
		return nil, persistence(err)
	}
	return &row, nil
}

// CreateMedication stores a new medication and returns it with its ID.
func (s *Store) CreateMedication(ctx context.Context, userID string, r medication.Record) (medication.Record, error) {
	row := medicationFromRecord(userID, r)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return medication.Record{}, persistence(err)
	}
	return row.ToRecord(), nil
}

// UpdateMedication replaces the editable fields of a medication.
func (s *Store) UpdateMedication(ctx context.Context, userID string, r medication.Record) (medication.Record, error) {
	row := medicationFromRecord(userID, r)
	columns := []any{"dosage", "frequency", "time", "start_date", "end_date", "taken", "instructions", "stock", "color", "updated_at"}
	if !row.Taken {
		columns = append(columns, "taken_at")
	}
	res := s.db.WithContext(ctx).Model(&MedicationRecord{}).
		Where("id = ? AND user_id = ?", r.ID, userID).
		Select("name", columns...).
		Updates(&row)
	if res.Error != nil {
		return medication.Record{}, persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return medication.Record{}, apperrors.ErrMedicationNotFound
	}

	updated, err := s.GetMedication(ctx, userID, r.ID)
	if err != nil {
		return medication.Record{}, err
	}
	return updated.ToRecord(), nil
}

// DeleteMedication removes a medication
func (s *Store) DeleteMedication(ctx context.Context, userID, id string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&MedicationRecord{})
	if res.Error != nil {
		return persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrMedicationNotFound
	}
	return nil
}

// MarkTaken acknowledges today's dose and takes one pill from the stock.
func (s *Store) MarkTaken(ctx context.Context, userID, id string, at time.Time) (medication.Record, error) {
	var row MedicationRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ? AND user_id = ?", id, userID).Error; err != nil {
			return err
		}
		if row.Taken {
			return nil
		}

		row.Taken = true
		row.TakenAt = &at
		if row.Stock != nil && *row.Stock > 0 {
			left := *row.Stock - 1
			row.Stock = &left
		}
		return tx.Model(&row).Select("taken", "taken_at", "stock").Updates(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return medication.Record{}, apperrors.ErrMedicationNotFound
		}
		return medication.Record{}, persistence(err)
	}
	return row.ToRecord(), nil
}

// UpdateStock sets the remaining pill count.
func (s *Store) UpdateStock(ctx context.Context, userID, id string, stock int) error {
	if stock < 0 {
		return apperrors.WithCause(apperrors.ErrBadRequest, errors.New("stock must not be negative"))
	}
	res := s.db.WithContext(ctx).Model(&MedicationRecord{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("stock", stock)
	if res.Error != nil {
		return persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrMedicationNotFound
	}
	return nil
}

// ResetTaken clears every taken flag. Run at the start of each day. TakenAt
// is kept so doses from the day before stay acknowledged after midnight.
func (s *Store) ResetTaken(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&MedicationRecord{}).
		Where("taken = ?", true).
		Update("taken", false)
	if res.Error != nil {
		return 0, persistence(res.Error)
	}
	return res.RowsAffected, nil
}

// LowStock lists medications whose tracked stock is below threshold.
func (s *Store) LowStock(ctx context.Context, threshold int) ([]MedicationRecord, error) {
	var rows []MedicationRecord
	err := s.db.WithContext(ctx).
		Where("stock IS NOT NULL AND stock < ?", threshold).
		Order("user_id, created_at").
		Find(&rows).Error
	if err != nil {
		return nil, persistence(err)
	}
	return rows, nil
}

// ==================== Preference Methods ====================

// Preferences returns the user's settings, or the configured defaults.
func (s *Store) Preferences(ctx context.Context, userID string) (preferences.Preferences, error) {
	var row PreferenceRecord
	err := s.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.defaults.Snapshot(), nil
	}
	if err != nil {
		return preferences.Preferences{}, persistence(err)
	}
	return row.toPreferences(), nil
}

// SavePreferences upserts the user's settings.
func (s *Store) SavePreferences(ctx context.Context, userID string, p preferences.Preferences) error {
	row := preferenceRecord(userID, p)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"reminder_notifications", "missed_dose_alerts", "reminder_timing", "refill_reminders", "updated_at"}),
	}).Create(&row).Error
	return persistence(err)
}

// ==================== Permission Methods ====================

// Permission returns the stored grant. A user who never answered is in the
// default state.
func (s *Store) Permission(ctx context.Context, userID string) (*Permission, error) {
	var p Permission
	err := s.db.WithContext(ctx).First(&p, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Permission{UserID: userID, State: PermissionDefault}, nil
	}
	if err != nil {
		return nil, persistence(err)
	}
	return &p, nil
}

// SavePermission upserts the user's grant and subscription.
func (s *Store) SavePermission(ctx context.Context, p *Permission) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(p).Error
	return persistence(err)
}

// RevokePermission marks the grant denied and drops the subscription.
func (s *Store) RevokePermission(ctx context.Context, userID string) error {
	return s.SavePermission(ctx, &Permission{UserID: userID, State: PermissionDenied})
}

// ==================== Dear One Methods ====================

// DearOnes lists a user's caregivers
func (s *Store) DearOnes(ctx context.Context, userID string) ([]DearOne, error) {
	var out []DearOne
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&out).Error
	if err != nil {
		return nil, persistence(err)
	}
	return out, nil
}

// CreateDearOne adds a caregiver
func (s *Store) CreateDearOne(ctx context.Context, d *DearOne) error {
	return persistence(s.db.WithContext(ctx).Create(d).Error)
}

// DeleteDearOne removes a caregiver
func (s *Store) DeleteDearOne(ctx context.Context, userID, id string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&DearOne{})
	if res.Error != nil {
		return persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func persistence(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.WithCause(apperrors.ErrPersistenceFailure, err)
}
