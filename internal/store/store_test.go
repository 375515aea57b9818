package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmsas95/medx/internal/config"
	apperrors "github.com/gmsas95/medx/internal/errors"
	"github.com/gmsas95/medx/internal/medication"
	"github.com/gmsas95/medx/internal/preferences"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(&config.Config{Storage: config.StorageConfig{InMemory: true}})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func intPtr(n int) *int { return &n }

func TestNew_CreatesDefaultUser(t *testing.T) {
	st := setupTestStore(t)

	user, err := st.GetUser(context.Background(), DefaultUserID)
	require.NoError(t, err)
	assert.Equal(t, "User", user.DisplayName)
	assert.NoError(t, st.Ping(context.Background()))
}

func TestMedications_CRUD(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	first, err := st.CreateMedication(ctx, "u1", medication.Record{Name: "Lisinopril", Time: "08:00", Frequency: "Once daily"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "u1", first.UserID)

	_, err = st.CreateMedication(ctx, "u1", medication.Record{Name: "Metformin", Time: "09:00"})
	require.NoError(t, err)
	_, err = st.CreateMedication(ctx, "u2", medication.Record{Name: "Aspirin", Time: "10:00"})
	require.NoError(t, err)

	meds, err := st.Medications(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, meds, 2)
	assert.Equal(t, "Lisinopril", meds[0].Name)
	assert.Equal(t, "Metformin", meds[1].Name)

	first.Dosage = "10mg"
	updated, err := st.UpdateMedication(ctx, "u1", first)
	require.NoError(t, err)
	assert.Equal(t, "10mg", updated.Dosage)

	_, err = st.UpdateMedication(ctx, "u2", first)
	assert.ErrorIs(t, err, apperrors.ErrMedicationNotFound)

	require.NoError(t, st.DeleteMedication(ctx, "u1", first.ID))
	assert.ErrorIs(t, st.DeleteMedication(ctx, "u1", first.ID), apperrors.ErrMedicationNotFound)

	ids, err := st.ActiveUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)
}

func TestMarkTaken_DecrementsStockOnce(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	rec, err := st.CreateMedication(ctx, "u1", medication.Record{Name: "Lisinopril", Time: "08:00", Stock: intPtr(3)})
	require.NoError(t, err)

	now := time.Date(2026, 6, 10, 8, 5, 0, 0, time.UTC)
	taken, err := st.MarkTaken(ctx, "u1", rec.ID, now)
	require.NoError(t, err)
	assert.True(t, taken.Taken)
	assert.Equal(t, 2, *taken.Stock)

	again, err := st.MarkTaken(ctx, "u1", rec.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 2, *again.Stock)

	n, err := st.ResetTaken(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	meds, err := st.Medications(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, meds[0].Taken)
	require.NotNil(t, meds[0].TakenAt, "reset keeps the last acknowledgment")
	assert.True(t, meds[0].TakenAt.Equal(now))

	meds[0].Taken = false
	updated, err := st.UpdateMedication(ctx, "u1", meds[0])
	require.NoError(t, err)
	assert.Nil(t, updated.TakenAt, "clearing taken drops the acknowledgment")

	_, err = st.MarkTaken(ctx, "u1", "missing", now)
	assert.ErrorIs(t, err, apperrors.ErrMedicationNotFound)
}

func TestLowStock(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	low, err := st.CreateMedication(ctx, "u1", medication.Record{Name: "Lisinopril", Time: "08:00", Stock: intPtr(2)})
	require.NoError(t, err)
	_, err = st.CreateMedication(ctx, "u1", medication.Record{Name: "Metformin", Time: "09:00", Stock: intPtr(30)})
	require.NoError(t, err)
	_, err = st.CreateMedication(ctx, "u1", medication.Record{Name: "Vitamin D", Time: "09:00"})
	require.NoError(t, err)

	rows, err := st.LowStock(ctx, 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, low.ID, rows[0].ID)

	require.NoError(t, st.UpdateStock(ctx, "u1", low.ID, 40))
	rows, err = st.LowStock(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, rows)

	assert.ErrorIs(t, st.UpdateStock(ctx, "u1", low.ID, -1), apperrors.ErrBadRequest)
}

func TestPreferences_DefaultsAndUpsert(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	p, err := st.Preferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, preferences.Defaults(), p)

	want := preferences.Preferences{ReminderNotifications: false, MissedDoseAlerts: true, ReminderTiming: 30}
	require.NoError(t, st.SavePreferences(ctx, "u1", want))
	got, err := st.Preferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.ReminderTiming = 5
	require.NoError(t, st.SavePreferences(ctx, "u1", want))
	got, err = st.Preferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.ReminderTiming)
}

func TestPermission_Lifecycle(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	p, err := st.Permission(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, PermissionDefault, p.State)
	assert.False(t, p.Granted())

	require.NoError(t, st.SavePermission(ctx, &Permission{UserID: "u1", State: PermissionGranted}))
	p, err = st.Permission(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Granted())
	assert.False(t, p.CanPush())

	require.NoError(t, st.SavePermission(ctx, &Permission{UserID: "u1", State: PermissionGranted, Endpoint: "https://push.example/1"}))
	p, err = st.Permission(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.CanPush())

	require.NoError(t, st.RevokePermission(ctx, "u1"))
	p, err = st.Permission(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, PermissionDenied, p.State)
	assert.Empty(t, p.Endpoint)
}

func TestDearOnes(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	d := &DearOne{UserID: "u1", Name: "Ana", Email: "ana@example.com", NotifyMissedDose: true}
	require.NoError(t, st.CreateDearOne(ctx, d))
	assert.NotEmpty(t, d.ID)

	list, err := st.DearOnes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].NotifyMissedDose)

	assert.ErrorIs(t, st.DeleteDearOne(ctx, "u2", d.ID), apperrors.ErrNotFound)
	require.NoError(t, st.DeleteDearOne(ctx, "u1", d.ID))
}

func TestAppendNotification_AtMostOncePerIdentity(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	rec := func() *NotificationRecord {
		return &NotificationRecord{
			UserID: "u1", MedicationID: "m1", Day: "2026-06-10", Kind: "reminder", Slot: "08:00",
			Title: "Medication Reminder: Lisinopril", Channel: "toast",
		}
	}
	id := rec().Identity()

	sent, err := st.WasSent(ctx, id)
	require.NoError(t, err)
	assert.False(t, sent)

	created, err := st.AppendNotification(ctx, rec())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = st.AppendNotification(ctx, rec())
	require.NoError(t, err)
	assert.False(t, created)

	sent, err = st.WasSent(ctx, id)
	require.NoError(t, err)
	assert.True(t, sent)

	other := rec()
	other.Slot = "20:00"
	created, err = st.AppendNotification(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)

	list, err := st.ListNotifications(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestWasSent_FallsBackToSQL(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	rec := &NotificationRecord{UserID: "u1", MedicationID: "m1", Day: "2026-06-10", Kind: "missed", Slot: "08:00"}
	require.NoError(t, st.DB().Create(rec).Error)

	sent, err := st.WasSent(ctx, rec.Identity())
	require.NoError(t, err)
	assert.True(t, sent)

	ok, err := st.hasMarker(rec.Identity())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNotifications_ReadAndList(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)
	var ids []string
	for i, kind := range []string{"reminder", "missed", "low_stock"} {
		rec := &NotificationRecord{UserID: "u1", MedicationID: "m1", Day: "2026-06-10", Kind: kind, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		_, err := st.AppendNotification(ctx, rec)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	unread, err := st.ListUnread(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, unread, 3)
	assert.Equal(t, "low_stock", unread[0].Kind)
	assert.Equal(t, "reminder", unread[2].Kind)

	require.NoError(t, st.MarkRead(ctx, "u1", ids[2]))
	assert.ErrorIs(t, st.MarkRead(ctx, "u2", ids[0]), apperrors.ErrNotFound)

	count, err := st.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	limited, err := st.ListUnread(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "missed", limited[0].Kind)

	n, err := st.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pruned, err := st.PruneNotifications(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	cleared, err := st.ClearNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
}
