package store

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gmsas95/medx/internal/medication"
	"github.com/gmsas95/medx/internal/preferences"
)

// User is a patient profile
type User struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MedicationRecord is the stored form of a medication. Fields stay loosely
// typed; validation happens when the scheduler reads them.
type MedicationRecord struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	UserID       string     `gorm:"index" json:"user_id"`
	Name         string     `json:"name"`
	Dosage       string     `json:"dosage"`
	Frequency    string     `json:"frequency"`
	Time         string     `json:"time"`
	StartDate    string     `json:"start_date,omitempty"`
	EndDate      string     `json:"end_date,omitempty"`
	Taken        bool       `json:"taken"`
	TakenAt      *time.Time `json:"taken_at,omitempty"`
	Instructions string     `json:"instructions,omitempty" gorm:"type:text"`
	Stock        *int       `json:"stock,omitempty"`
	Color        string     `json:"color,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (MedicationRecord) TableName() string {
	return "medications"
}

// BeforeCreate hook for MedicationRecord
func (m *MedicationRecord) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = generateID("med")
	}
	return nil
}

// ToRecord converts to the shape the medication package parses.
func (m MedicationRecord) ToRecord() medication.Record {
	return medication.Record{
		ID:           m.ID,
		UserID:       m.UserID,
		Name:         m.Name,
		Dosage:       m.Dosage,
		Frequency:    m.Frequency,
		Time:         m.Time,
		StartDate:    m.StartDate,
		EndDate:      m.EndDate,
		Taken:        m.Taken,
		TakenAt:      m.TakenAt,
		Instructions: m.Instructions,
		Stock:        m.Stock,
		Color:        m.Color,
	}
}

func medicationFromRecord(userID string, r medication.Record) MedicationRecord {
	return MedicationRecord{
		ID:           r.ID,
		UserID:       userID,
		Name:         r.Name,
		Dosage:       r.Dosage,
		Frequency:    r.Frequency,
		Time:         r.Time,
		StartDate:    r.StartDate,
		EndDate:      r.EndDate,
		Taken:        r.Taken,
		Instructions: r.Instructions,
		Stock:        r.Stock,
		Color:        r.Color,
	}
}

// PreferenceRecord stores one user's notification settings. ReminderTiming
// keeps the string form clients send ("15").
type PreferenceRecord struct {
	UserID                string    `gorm:"primaryKey" json:"user_id"`
	ReminderNotifications bool      `json:"reminder_notifications"`
	MissedDoseAlerts      bool      `json:"missed_dose_alerts"`
	ReminderTiming        string    `json:"reminder_timing"`
	RefillReminders       bool      `json:"refill_reminders"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func (PreferenceRecord) TableName() string {
	return "preferences"
}

func (p PreferenceRecord) toPreferences() preferences.Preferences {
	return preferences.Preferences{
		ReminderNotifications: p.ReminderNotifications,
		MissedDoseAlerts:      p.MissedDoseAlerts,
		ReminderTiming:        preferences.ParseTiming(p.ReminderTiming),
		RefillReminders:       p.RefillReminders,
	}
}

func preferenceRecord(userID string, p preferences.Preferences) PreferenceRecord {
	p = p.Normalized()
	return PreferenceRecord{
		UserID:                userID,
		ReminderNotifications: p.ReminderNotifications,
		MissedDoseAlerts:      p.MissedDoseAlerts,
		ReminderTiming:        strconv.Itoa(p.ReminderTiming),
		RefillReminders:       p.RefillReminders,
	}
}

// NotificationRecord is one entry of the per-user notification log. The
// identity columns carry a unique index: one record per dose, day and kind.
type NotificationRecord struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"uniqueIndex:idx_notification_identity;index:idx_notification_user_created" json:"user_id"`
	MedicationID string    `gorm:"uniqueIndex:idx_notification_identity" json:"medication_id,omitempty"`
	Day          string    `gorm:"uniqueIndex:idx_notification_identity" json:"day"`
	Kind         string    `gorm:"uniqueIndex:idx_notification_identity" json:"kind"`
	Slot         string    `gorm:"uniqueIndex:idx_notification_identity" json:"slot,omitempty"`
	Title        string    `json:"title"`
	Body         string    `json:"body" gorm:"type:text"`
	Channel      string    `json:"channel"`
	TargetView   string    `json:"target_view,omitempty"`
	Read         bool      `gorm:"index" json:"read"`
	CreatedAt    time.Time `gorm:"index:idx_notification_user_created" json:"created_at"`
}

func (NotificationRecord) TableName() string {
	return "notifications"
}

// BeforeCreate hook for NotificationRecord
func (n *NotificationRecord) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = generateID("ntf")
	}
	return nil
}

// Identity returns the de-duplication identity of the record.
func (n NotificationRecord) Identity() Identity {
	return Identity{UserID: n.UserID, MedicationID: n.MedicationID, Day: n.Day, Kind: n.Kind, Slot: n.Slot}
}

// DearOne is a caregiver who receives alerts about a patient.
type DearOne struct {
	ID               string    `gorm:"primaryKey" json:"id"`
	UserID           string    `gorm:"index" json:"user_id"`
	Name             string    `json:"name"`
	Relationship     string    `json:"relationship,omitempty"`
	Email            string    `json:"email,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	TelegramChatID   int64     `json:"telegram_chat_id,omitempty"`
	DiscordUserID    string    `json:"discord_user_id,omitempty"`
	NotifyMissedDose bool      `json:"notify_missed_dose"`
	NotifyLowStock   bool      `json:"notify_low_stock"`
	CreatedAt        time.Time `json:"created_at"`
}

// Reachable reports whether the dear one has any contact to alert.
func (d DearOne) Reachable() bool {
	return d.Email != "" || d.Phone != "" || d.TelegramChatID != 0 || d.DiscordUserID != ""
}

// BeforeCreate hook for DearOne
func (d *DearOne) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = generateID("dear")
	}
	return nil
}

// Permission states mirror the browser Notification API.
const (
	PermissionDefault = "default"
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
)

// Permission is a user's native notification grant plus the push
// subscription that backs it.
type Permission struct {
	UserID    string    `gorm:"primaryKey" json:"user_id"`
	State     string    `json:"state"`
	Endpoint  string    `json:"endpoint,omitempty"`
	P256dh    string    `json:"p256dh,omitempty"`
	Auth      string    `json:"auth,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Granted reports whether the user agreed to receive notifications.
func (p *Permission) Granted() bool {
	return p != nil && p.State == PermissionGranted
}

// CanPush reports whether a push subscription backs the grant.
func (p *Permission) CanPush() bool {
	return p.Granted() && p.Endpoint != ""
}

// generateID creates a prefixed unique ID
func generateID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
