package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gmsas95/medx/internal/config"
	"github.com/gmsas95/medx/internal/dose"
	apperrors "github.com/gmsas95/medx/internal/errors"
	"github.com/gmsas95/medx/internal/medication"
	"github.com/gmsas95/medx/internal/metrics"
	"github.com/gmsas95/medx/internal/store"
	"github.com/gmsas95/medx/internal/toast"
)

type fakeSurface struct {
	mu      sync.Mutex
	state   PermissionState
	showErr error
	shown   []Message
}

func (f *fakeSurface) RequestPermission(context.Context, string) (PermissionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeSurface) Show(_ context.Context, _ string, msg Message) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.showErr != nil {
		return "", f.showErr
	}
	f.shown = append(f.shown, msg)
	return Handle("h1"), nil
}

func (f *fakeSurface) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shown)
}

type failingLog struct {
	Log
	appendErr error
	lookupErr error
}

func (f failingLog) WasSent(ctx context.Context, id store.Identity) (bool, error) {
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	return f.Log.WasSent(ctx, id)
}

func (f failingLog) AppendNotification(ctx context.Context, rec *store.NotificationRecord) (bool, error) {
	if f.appendErr != nil {
		return false, f.appendErr
	}
	return f.Log.AppendNotification(ctx, rec)
}

type fixture struct {
	store      *store.Store
	hub        *toast.Hub
	surface    *fakeSurface
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T, state PermissionState, wrap func(Log) Log) *fixture {
	t.Helper()
	st, err := store.New(&config.Config{Storage: config.StorageConfig{InMemory: true}})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:   st,
		hub:     toast.NewHub(10, zap.NewNop()),
		surface: &fakeSurface{state: state},
		metrics: metrics.New(),
	}

	var log Log = st
	if wrap != nil {
		log = wrap(st)
	}

	f.dispatcher = NewDispatcher(Options{
		Native:   NewNativeChannel(f.surface, BreakerSettings{MaxFailures: 2, OpenTimeout: time.Hour}, zap.NewNop()),
		Fallback: NewFallbackChannel(f.hub),
		Log:      log,
		Metrics:  f.metrics,
		Logger:   zap.NewNop(),
	})
	return f
}

func lisinopril(t *testing.T) medication.Medication {
	t.Helper()
	m, err := medication.ParseIn(medication.Record{
		ID: "m1", UserID: "u1", Name: "Lisinopril", Dosage: "10mg", Time: "08:00",
	}, time.UTC)
	require.NoError(t, err)
	return m
}

func reminderAt(diff int) dose.Event {
	instant := medication.MustClock("08:00")
	return dose.Event{
		MedicationID: "m1",
		Instant:      instant,
		Day:          "2026-06-10",
		At:           instant.On(time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)),
		Diff:         diff,
		Status:       dose.StatusUpcoming,
		Kind:         dose.KindReminder,
	}
}

var now = time.Date(2026, 6, 10, 7, 50, 0, 0, time.UTC)

func TestDispatch_NativeWhenGranted(t *testing.T) {
	f := newFixture(t, PermissionGranted, nil)

	res := f.dispatcher.Dispatch(context.Background(), lisinopril(t), reminderAt(10), now)
	require.NoError(t, res.Err)
	assert.True(t, res.Delivered)
	assert.True(t, res.Recorded)
	assert.Equal(t, ChannelNative, res.Channel)
	assert.Equal(t, 1, f.surface.count())
	assert.Empty(t, f.hub.Recent("u1"))

	list, err := f.store.ListUnread(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Medication Reminder: Lisinopril", list[0].Title)
	assert.Equal(t, "Your 10mg dose of Lisinopril is due in 10 minutes.", list[0].Body)
	assert.Equal(t, "/dashboard", list[0].TargetView)
	assert.Equal(t, ChannelNative, list[0].Channel)
}

// Permission denied: the toast carries the message and a record is still written.
func TestDispatch_PermissionDeniedFallsBackToToast(t *testing.T) {
	f := newFixture(t, PermissionDenied, nil)

	res := f.dispatcher.Dispatch(context.Background(), lisinopril(t), reminderAt(10), now)
	require.NoError(t, res.Err)
	assert.True(t, res.Delivered)
	assert.Equal(t, ChannelToast, res.Channel)
	assert.Zero(t, f.surface.count())

	toasts := f.hub.Recent("u1")
	require.Len(t, toasts, 1)
	assert.Equal(t, "Medication Reminder: Lisinopril", toasts[0].Title)

	list, err := f.store.ListUnread(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ChannelToast, list[0].Channel)
}

func TestDispatch_NativeFailureFallsThrough(t *testing.T) {
	f := newFixture(t, PermissionGranted, nil)
	f.surface.showErr = errors.New("push service down")

	res := f.dispatcher.Dispatch(context.Background(), lisinopril(t), reminderAt(10), now)
	require.NoError(t, res.Err)
	assert.Equal(t, ChannelToast, res.Channel)
	assert.Len(t, f.hub.Recent("u1"), 1)
}

func TestDispatch_IdempotentWithinDay(t *testing.T) {
	f := newFixture(t, PermissionGranted, nil)
	ctx := context.Background()
	m := lisinopril(t)

	first := f.dispatcher.Dispatch(ctx, m, reminderAt(10), now)
	second := f.dispatcher.Dispatch(ctx, m, reminderAt(10), now.Add(30*time.Second))
	third := f.dispatcher.Dispatch(ctx, m, reminderAt(0), now.Add(10*time.Minute))

	assert.True(t, first.Delivered)
	assert.True(t, second.Suppressed)
	assert.True(t, third.Suppressed)
	assert.Equal(t, 1, f.surface.count())

	count, err := f.store.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// A different kind is a different identity.
	missed := reminderAt(-30)
	missed.Kind = dose.KindMissed
	res := f.dispatcher.Dispatch(ctx, m, missed, now.Add(40*time.Minute))
	assert.True(t, res.Delivered)
	assert.Equal(t, "Time to take Lisinopril!", f.surface.shown[1].Title)
	assert.Equal(t, "Your 10mg dose of Lisinopril is 30 minutes overdue.", f.surface.shown[1].Body)
}

func TestDispatch_PersistenceFailureIsNonFatal(t *testing.T) {
	appendErr := apperrors.WithCause(apperrors.ErrPersistenceFailure, errors.New("disk full"))
	f := newFixture(t, PermissionGranted, func(l Log) Log { return failingLog{Log: l, appendErr: appendErr} })
	ctx := context.Background()
	m := lisinopril(t)

	res := f.dispatcher.Dispatch(ctx, m, reminderAt(10), now)
	assert.True(t, res.Delivered)
	assert.False(t, res.Recorded)
	assert.ErrorIs(t, res.Err, apperrors.ErrPersistenceFailure)

	// The same process does not notify again for the same dose.
	again := f.dispatcher.Dispatch(ctx, m, reminderAt(10), now.Add(30*time.Second))
	assert.True(t, again.Suppressed)
	assert.Equal(t, 1, f.surface.count())
}

func TestDispatch_LookupFailureFailsOpen(t *testing.T) {
	f := newFixture(t, PermissionGranted, func(l Log) Log {
		return failingLog{Log: l, lookupErr: errors.New("locked")}
	})

	res := f.dispatcher.Dispatch(context.Background(), lisinopril(t), reminderAt(10), now)
	require.NoError(t, res.Err)
	assert.True(t, res.Delivered)
	assert.True(t, res.Recorded)
}

func TestDispatch_TwiceDailySlotsAreDistinct(t *testing.T) {
	f := newFixture(t, PermissionGranted, nil)
	ctx := context.Background()
	m := lisinopril(t)

	morning := reminderAt(10)
	evening := reminderAt(10)
	evening.Instant = medication.MustClock("20:00")

	assert.True(t, f.dispatcher.Dispatch(ctx, m, morning, now).Delivered)
	assert.True(t, f.dispatcher.Dispatch(ctx, m, evening, now.Add(12*time.Hour)).Delivered)
}

func TestNativeChannel_BreakerOpensAndRoutesToToast(t *testing.T) {
	f := newFixture(t, PermissionGranted, nil)
	f.surface.showErr = errors.New("push service down")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		id := store.Identity{UserID: "u1", Day: "2026-06-10", Kind: KindTest, Slot: string(rune('a' + i))}
		f.dispatcher.Send(ctx, id, TestMessage(), now)
	}

	native := f.dispatcher.native.(*NativeChannel)
	assert.Equal(t, "open", native.BreakerState())
	assert.False(t, native.Ready(ctx, "u1"))

	res := f.dispatcher.SendTest(ctx, "u1", now)
	assert.Equal(t, ChannelToast, res.Channel)
}

func TestNativeChannel_RevokedSubscriptionDoesNotTrip(t *testing.T) {
	surface := &fakeSurface{state: PermissionGranted, showErr: apperrors.ErrPermissionUnavailable}
	ch := NewNativeChannel(surface, BreakerSettings{MaxFailures: 1}, zap.NewNop())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, ch.Deliver(context.Background(), "u1", TestMessage()), apperrors.ErrPermissionUnavailable)
	}
	assert.Equal(t, "closed", ch.BreakerState())
}

func TestSendTest_NeverSuppressed(t *testing.T) {
	f := newFixture(t, PermissionDenied, nil)
	ctx := context.Background()

	a := f.dispatcher.SendTest(ctx, "u1", now)
	b := f.dispatcher.SendTest(ctx, "u1", now.Add(time.Second))
	assert.True(t, a.Delivered)
	assert.True(t, b.Delivered)

	toasts := f.hub.Recent("u1")
	require.Len(t, toasts, 2)
	assert.Equal(t, "Test Notification", toasts[0].Title)
	assert.Equal(t, toast.LevelSuccess, toasts[0].Level)
}

func TestSendLowStock_OncePerDay(t *testing.T) {
	f := newFixture(t, PermissionDenied, nil)
	ctx := context.Background()
	m := lisinopril(t)

	assert.True(t, f.dispatcher.SendLowStock(ctx, m, 3, now).Delivered)
	assert.True(t, f.dispatcher.SendLowStock(ctx, m, 3, now.Add(time.Hour)).Suppressed)
	assert.True(t, f.dispatcher.SendLowStock(ctx, m, 2, now.Add(24*time.Hour)).Delivered)
}

func TestNotifyUnavailable_IsNotRecorded(t *testing.T) {
	f := newFixture(t, PermissionDenied, nil)
	ctx := context.Background()

	f.dispatcher.NotifyUnavailable(ctx, "u1")

	assert.Len(t, f.hub.Recent("u1"), 1)
	count, err := f.store.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDoseMessage_Texts(t *testing.T) {
	m := lisinopril(t)
	m.Dosage = ""
	m.Instructions = "Take with food."

	due := DoseMessage(m, reminderAt(0), "/dashboard")
	assert.Equal(t, "Your prescribed dose of Lisinopril is due now. Take with food.", due.Body)
	assert.Equal(t, "reminder-m1-08:00", due.Tag)
}

func TestSummary(t *testing.T) {
	var s Summary
	s.Add(Result{Delivered: true})
	s.Add(Result{Suppressed: true})
	s.Add(Result{Delivered: true, Err: apperrors.ErrPersistenceFailure})

	assert.Equal(t, 2, s.Delivered)
	assert.Equal(t, 1, s.Suppressed)
	assert.Equal(t, 1, s.Failed)
}
