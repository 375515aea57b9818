package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"gorm.io/gorm/clause"

	apperrors "github.com/gmsas95/medx/internal/errors"
)

// MarkerTTL is how long a sent marker lives in badger. Two days covers the
// yesterday/today window a tick can still fire for.
const MarkerTTL = 48 * time.Hour

// Identity is the de-duplication key of a notification.
type Identity struct {
	UserID       string
	MedicationID string
	Day          string
	Kind         string
	Slot         string
}

func (id Identity) key() []byte {
	return []byte("sent/" + strings.Join([]string{id.UserID, id.MedicationID, id.Day, id.Kind, id.Slot}, "/"))
}

// ==================== Notification Log ====================

// AppendNotification writes rec unless a record with the same identity
// exists. created is false when the write was a duplicate.
func (s *Store) AppendNotification(ctx context.Context, rec *NotificationRecord) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, persistence(res.Error)
	}

	created := res.RowsAffected == 1
	// The marker is an optimization; the unique index is authoritative.
	_ = s.setMarker(rec.Identity())
	return created, nil
}

// WasSent reports whether a notification with this identity was recorded.
// The badger marker answers most lookups without touching SQLite.
func (s *Store) WasSent(ctx context.Context, id Identity) (bool, error) {
	if ok, err := s.hasMarker(id); err == nil && ok {
		return true, nil
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&NotificationRecord{}).
		Where("user_id = ? AND medication_id = ? AND day = ? AND kind = ? AND slot = ?",
			id.UserID, id.MedicationID, id.Day, id.Kind, id.Slot).
		Count(&count).Error
	if err != nil {
		return false, persistence(err)
	}
	if count > 0 {
		_ = s.setMarker(id)
	}
	return count > 0, nil
}

// MarkRead flags one notification as read
func (s *Store) MarkRead(ctx context.Context, userID, id string) error {
	res := s.db.WithContext(ctx).Model(&NotificationRecord{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("read", true)
	if res.Error != nil {
		return persistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// MarkAllRead flags every notification of the user as read
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&NotificationRecord{}).
		Where("user_id = ? AND read = ?", userID, false).
		Update("read", true)
	if res.Error != nil {
		return 0, persistence(res.Error)
	}
	return res.RowsAffected, nil
}

// ListUnread returns unread notifications, newest first
func (s *Store) ListUnread(ctx context.Context, userID string, limit int) ([]NotificationRecord, error) {
	var out []NotificationRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND read = ?", userID, false).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, persistence(err)
	}
	return out, nil
}

// ListNotifications lists all notifications with pagination, newest first
func (s *Store) ListNotifications(ctx context.Context, userID string, limit, offset int) ([]NotificationRecord, error) {
	var out []NotificationRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, persistence(err)
	}
	return out, nil
}

// UnreadCount returns the number of unread notifications
func (s *Store) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&NotificationRecord{}).
		Where("user_id = ? AND read = ?", userID, false).
		Count(&count).Error
	return count, persistence(err)
}

// ClearNotifications deletes the user's whole log. Markers are kept so a
// cleared dose does not notify again the same day.
func (s *Store) ClearNotifications(ctx context.Context, userID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&NotificationRecord{})
	if res.Error != nil {
		return 0, persistence(res.Error)
	}
	return res.RowsAffected, nil
}

// PruneNotifications deletes records created before cutoff.
func (s *Store) PruneNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&NotificationRecord{})
	if res.Error != nil {
		return 0, persistence(res.Error)
	}
	return res.RowsAffected, nil
}

// ==================== Sent Markers (BadgerDB) ====================

func (s *Store) setMarker(id Identity) error {
	return s.badger.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(id.key(), []byte{1}).WithTTL(MarkerTTL)
		return txn.SetEntry(e)
	})
}

func (s *Store) hasMarker(id Identity) (bool, error) {
	err := s.badger.View(func(txn *badger.Txn) error {
		_, err := txn.Get(id.key())
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}
