package scheduler

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
	"github.com/gmsas95/medx/internal/medication"
	"github.com/gmsas95/medx/internal/metrics"
	"github.com/gmsas95/medx/internal/notify"
	"github.com/gmsas95/medx/internal/preferences"
	"github.com/gmsas95/medx/internal/store"
	"github.com/gmsas95/medx/internal/toast"
)

type fakeProfile struct {
	mu      sync.Mutex
	meds    []medication.Record
	prefs   preferences.Preferences
	perm    string
	medsErr error
	users   []string
}

func (f *fakeProfile) Medications(context.Context, string) ([]medication.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]medication.Record(nil), f.meds...), f.medsErr
}

func (f *fakeProfile) Preferences(context.Context, string) (preferences.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefs, nil
}

func (f *fakeProfile) Permission(_ context.Context, userID string) (*store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &store.Permission{UserID: userID, State: f.perm}, nil
}

func (f *fakeProfile) ActiveUserIDs(context.Context) ([]string, error) {
	return f.users, nil
}

type recordingDispatcher struct {
	mu       sync.Mutex
	events   []dose.Event
	notices  int
	block    chan struct{}
	entered  chan struct{}
	delivers bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, m medication.Medication, ev dose.Event, _ time.Time) notify.Result {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return notify.Result{Delivered: d.delivers}
}

func (d *recordingDispatcher) NotifyUnavailable(context.Context, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices++
}

func (d *recordingDispatcher) snapshot() ([]dose.Event, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dose.Event(nil), d.events...), d.notices
}

type fakeTicker struct {
	ch      chan time.Time
	stopped chan struct{}
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { close(t.stopped) }

type tickers struct {
	mu      sync.Mutex
	created []*fakeTicker
	periods []time.Duration
}

func (ts *tickers) factory(d time.Duration) Ticker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
	ts.created = append(ts.created, t)
	ts.periods = append(ts.periods, d)
	return t
}

func (ts *tickers) last() *fakeTicker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.created[len(ts.created)-1]
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestScheduler(profile *fakeProfile, disp *recordingDispatcher, ts *tickers, now time.Time) *Scheduler {
	return New(context.Background(), "u1", Options{
		Interval:   time.Second,
		Location:   time.UTC,
		Profile:    profile,
		Dispatcher: disp,
		Logger:     zap.NewNop(),
		Clock:      fixedClock(now),
		NewTicker:  ts.factory,
	})
}

func grantedProfile(meds ...medication.Record) *fakeProfile {
	return &fakeProfile{meds: meds, prefs: preferences.Defaults(), perm: store.PermissionGranted}
}

var at0750 = time.Date(2026, 6, 10, 7, 50, 0, 0, time.UTC)

func TestReconcile_StartsWhenAllConditionsHold(t *testing.T) {
	profile := grantedProfile(medication.Record{ID: "m1", Name: "Aspirin", Time: "08:00"})
	disp := &recordingDispatcher{}
	ts := &tickers{}
	s := newTestScheduler(profile, disp, ts, at0750)
	defer s.Stop()

	state, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, StateRunning, s.State())

	// The immediate pass runs before the first tick.
	require.Eventually(t, func() bool {
		events, _ := disp.snapshot()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	events, _ := disp.snapshot()
	assert.Equal(t, dose.KindReminder, events[0].Kind)
	assert.Equal(t, 10, events[0].Diff)
	assert.Equal(t, []time.Duration{time.Second}, ts.periods)
}

func TestReconcile_StopsWhenConditionsFail(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *fakeProfile)
		notices int
	}{
		{
			name:    "permission denied",
			mutate:  func(p *fakeProfile) { p.perm = store.PermissionDenied },
			notices: 1,
		},
		{
			name: "all kinds disabled",
			mutate: func(p *fakeProfile) {
				p.prefs.ReminderNotifications = false
				p.prefs.MissedDoseAlerts = false
			},
		},
		{
			name:   "no valid medications",
			mutate: func(p *fakeProfile) { p.meds = []medication.Record{{ID: "bad", Name: "", Time: "08:00"}} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile := grantedProfile(medication.Record{ID: "m1", Name: "Aspirin", Time: "08:00"})
			disp := &recordingDispatcher{}
			s := newTestScheduler(profile, disp, &tickers{}, at0750)

			_, err := s.Reconcile(context.Background())
			require.NoError(t, err)
			require.Equal(t, StateRunning, s.State())

			tt.mutate(profile)
			state, err := s.Reconcile(context.Background())
			require.NoError(t, err)
			assert.Equal(t, StateStopped, state)
			assert.Equal(t, StateStopped, s.State())

			_, notices := disp.snapshot()
			assert.Equal(t, tt.notices, notices)
		})
	}
}

func TestReconcile_PermissionNoticeOncePerRun(t *testing.T) {
	profile := grantedProfile(medication.Record{ID: "m1", Name: "Aspirin", Time: "08:00"})
	profile.perm = store.PermissionDefault
	disp := &recordingDispatcher{}
	s := newTestScheduler(profile, disp, &tickers{}, at0750)

	for i := 0; i < 3; i++ {
		_, err := s.Reconcile(context.Background())
		require.NoError(t, err)
	}
	_, notices := disp.snapshot()
	assert.Equal(t, 1, notices)

	// Granting and losing permission again shows it again.
	profile.perm = store.PermissionGranted
	_, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	profile.perm = store.PermissionDenied
	_, err = s.Reconcile(context.Background())
	require.NoError(t, err)

	_, notices = disp.snapshot()
	assert.Equal(t, 2, notices)
}

func TestReconcile_LoadErrorKeepsState(t *testing.T) {
	profile := grantedProfile(medication.Record{ID: "m1", Name: "Aspirin", Time: "08:00"})
	profile.medsErr = errors.New("db locked")
	s := newTestScheduler(profile, &recordingDispatcher{}, &tickers{}, at0750)

	state, err := s.Reconcile(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateStopped, state)
}

func TestStart_RestartsRunningLoop(t *testing.T) {
	profile := grantedProfile(medication.Record{ID: "m1", Name: "Aspirin", Time: "08:00"})
	ts := &tickers{}
	s := newTestScheduler(profile, &recordingDispatcher{}, ts, at0750)

	s.Start()
	first := ts.last()
	s.Start()
	defer s.Stop()

	select {
	case <-first.stopped:
	case <-time.After(time.Second):
		t.Fatal("first loop was not stopped")
	}
	assert.Len(t, ts.created, 2)
}

func TestTicks_RunEachPeriod(t *testing.T) {
	profile := grantedProfile(medication.Record{ID: "m1", Name: "Aspirin", Time: "08:00"})
	disp := &recordingDispatcher{}
	ts := &tickers{}
	s := newTestScheduler(profile, disp, ts, at0750)

	_, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	ts.last().ch <- at0750
	ts.last().ch <- at0750
	s.Stop()

	events, _ := disp.snapshot()
	assert.Len(t, events, 3)
}

// Scenario: a taken medication at its due instant produces nothing.
func TestTick_TakenMedicationIsSkipped(t *testing.T) {
	profile := grantedProfile(
		medication.Record{ID: "m1", Name: "Aspirin", Time: "08:00", Taken: true},
		medication.Record{ID: "m2", Name: "Metformin", Time: "08:00"},
	)
	disp := &recordingDispatcher{}
	s := newTestScheduler(profile, disp, &tickers{}, time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC))

	sum, ran, err := s.CheckNow(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Zero(t, sum.Failed)

	events, _ := disp.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "m2", events[0].MedicationID)
}

func TestTick_OverlappingPassIsSkipped(t *testing.T) {
	profile := grantedProfile(medication.Record{ID: "m1", Name: "Aspirin", Time: "08:00"})
	disp := &recordingDispatcher{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	m := metrics.New()
	s := New(context.Background(), "u1", Options{
		Location:   time.UTC,
		Profile:    profile,
		Dispatcher: disp,
		Metrics:    m,
		Clock:      fixedClock(at0750),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ran, err := s.CheckNow(context.Background())
		assert.NoError(t, err)
		assert.True(t, ran)
	}()
	<-disp.entered

	_, ran, err := s.CheckNow(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	close(disp.block)
	<-done
}

func TestTick_MissedHookOnDeliveredMissed(t *testing.T) {
	profile := grantedProfile(medication.Record{ID: "m1", Name: "Aspirin", Time: "08:00"})
	disp := &recordingDispatcher{delivers: true}
	var hooked []string
	s := New(context.Background(), "u1", Options{
		Location:   time.UTC,
		Profile:    profile,
		Dispatcher: disp,
		Clock:      fixedClock(time.Date(2026, 6, 10, 8, 30, 0, 0, time.UTC)),
		OnMissed: func(_ context.Context, m medication.Medication, ev dose.Event, _ time.Time) {
			hooked = append(hooked, m.ID+"/"+string(ev.Kind))
		},
	})

	_, _, err := s.CheckNow(context.Background())
	require.NoError(t, err)

	// Inside the overlap both kinds fire; only the missed one reaches the hook.
	events, _ := disp.snapshot()
	assert.Len(t, events, 2)
	assert.Equal(t, []string{"m1/missed"}, hooked)
}

func TestSetInterval_RestartsWithNewPeriod(t *testing.T) {
	profile := grantedProfile(medication.Record{ID: "m1", Name: "Aspirin", Time: "08:00"})
	ts := &tickers{}
	s := newTestScheduler(profile, &recordingDispatcher{}, ts, at0750)

	_, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	s.SetInterval(time.Minute)
	s.SetInterval(time.Minute)
	s.Stop()

	assert.Equal(t, []time.Duration{time.Second, time.Minute}, ts.periods)
}

// Two passes against the real dispatcher and store deliver once.
func TestTick_IdempotentAcrossPasses(t *testing.T) {
	st, err := store.New(&config.Config{Storage: config.StorageConfig{InMemory: true}})
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	_, err = st.CreateMedication(ctx, store.DefaultUserID, medication.Record{Name: "Aspirin", Dosage: "81mg", Time: "08:00"})
	require.NoError(t, err)
	require.NoError(t, st.SavePermission(ctx, &store.Permission{UserID: store.DefaultUserID, State: store.PermissionGranted}))

	hub := toast.NewHub(10, zap.NewNop())
	disp := notify.NewDispatcher(notify.Options{
		Fallback: notify.NewFallbackChannel(hub),
		Log:      st,
	})

	s := New(ctx, store.DefaultUserID, Options{
		Location:   time.UTC,
		Profile:    st,
		Dispatcher: disp,
		Clock:      fixedClock(at0750),
	})

	first, _, err := s.CheckNow(ctx)
	require.NoError(t, err)
	second, _, err := s.CheckNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Delivered)
	assert.Equal(t, 0, second.Delivered)
	assert.Equal(t, 1, second.Suppressed)
	assert.Len(t, hub.Recent(store.DefaultUserID), 1)
}

// A late dose taken before midnight stays quiet after the daily reset.
func TestTick_TakenLateDoseSurvivesDailyReset(t *testing.T) {
	st, err := store.New(&config.Config{Storage: config.StorageConfig{InMemory: true}})
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	rec, err := st.CreateMedication(ctx, store.DefaultUserID, medication.Record{Name: "Night", Time: "23:50"})
	require.NoError(t, err)
	require.NoError(t, st.SavePermission(ctx, &store.Permission{UserID: store.DefaultUserID, State: store.PermissionGranted}))

	hub := toast.NewHub(10, zap.NewNop())
	disp := notify.NewDispatcher(notify.Options{
		Fallback: notify.NewFallbackChannel(hub),
		Log:      st,
	})

	now := time.Date(2026, 6, 10, 23, 40, 0, 0, time.UTC)
	var hooked int
	s := New(ctx, store.DefaultUserID, Options{
		Location:   time.UTC,
		Profile:    st,
		Dispatcher: disp,
		Clock:      func() time.Time { return now },
		OnMissed: func(context.Context, medication.Medication, dose.Event, time.Time) {
			hooked++
		},
	})

	reminder, _, err := s.CheckNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reminder.Delivered)

	_, err = st.MarkTaken(ctx, store.DefaultUserID, rec.ID, time.Date(2026, 6, 10, 23, 45, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = st.ResetTaken(ctx)
	require.NoError(t, err)

	now = time.Date(2026, 6, 11, 0, 0, 0, 0, time.UTC)
	after, _, err := s.CheckNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, after.Delivered)
	assert.Zero(t, hooked)
	assert.Len(t, hub.Recent(store.DefaultUserID), 1)
}

func TestManager(t *testing.T) {
	profile := grantedProfile(medication.Record{ID: "m1", Name: "Aspirin", Time: "08:00"})
	profile.users = []string{"u1", "u2"}
	ts := &tickers{}
	m := NewManager(context.Background(), profile, Options{
		Location:   time.UTC,
		Dispatcher: &recordingDispatcher{},
		Clock:      fixedClock(at0750),
		NewTicker:  ts.factory,
	})
	defer m.StopAll()

	require.NoError(t, m.ReconcileAll(context.Background()))
	assert.Equal(t, map[string]State{"u1": StateRunning, "u2": StateRunning}, m.States())
	assert.Same(t, m.For("u1"), m.For("u1"))

	m.SetInterval(time.Minute)
	assert.Contains(t, ts.periods, time.Minute)

	m.StopAll()
	assert.Equal(t, map[string]State{"u1": StateStopped, "u2": StateStopped}, m.States())
}
