// Package scheduler runs the polling loop that turns medication schedules
// into reminder and missed-dose notifications.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/medx/internal/dose"
	"github.com/gmsas95/medx/internal/medication"
	"github.com/gmsas95/medx/internal/metrics"
	"github.com/gmsas95/medx/internal/notify"
	"github.com/gmsas95/medx/internal/preferences"
	"github.com/gmsas95/medx/internal/store"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 30 * time.Second

// State is the lifecycle state of a scheduler.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// ProfileSource supplies the per-user inputs a scheduler reconciles against.
type ProfileSource interface {
	Medications(ctx context.Context, userID string) ([]medication.Record, error)
	Preferences(ctx context.Context, userID string) (preferences.Preferences, error)
	Permission(ctx context.Context, userID string) (*store.Permission, error)
}

// Dispatcher is the delivery side the scheduler feeds.
type Dispatcher interface {
	Dispatch(ctx context.Context, m medication.Medication, ev dose.Event, now time.Time) notify.Result
	NotifyUnavailable(ctx context.Context, userID string)
}

// MissedHook runs after a missed-dose notification was delivered.
type MissedHook func(ctx context.Context, m medication.Medication, ev dose.Event, now time.Time)

// Ticker is the part of time.Ticker the loop uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a ticker for the given period.
type TickerFunc func(d time.Duration) Ticker

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

func newStdTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}

// Options configures a Scheduler. Profile and Dispatcher are required.
type Options struct {
	Interval   time.Duration
	Location   *time.Location
	Profile    ProfileSource
	Dispatcher Dispatcher
	OnMissed   MissedHook
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Clock      func() time.Time
	NewTicker  TickerFunc
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewTicker == nil {
		o.NewTicker = newStdTicker
	}
	return o
}

// Scheduler polls one user's medications. Reconcile decides whether it runs.
type Scheduler struct {
	userID string
	opts   Options
	parent context.Context
	logger *zap.Logger

	gate     *preferences.Gate
	meds     atomic.Pointer[[]medication.Medication]
	interval atomic.Int64
	ticking  atomic.Bool

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	// noticeShown limits the permission notice to once per run.
	noticeShown bool
}

// New creates a stopped scheduler for userID. The loop runs under parent
// until Stop or parent is cancelled.
func New(parent context.Context, userID string, opts Options) *Scheduler {
	opts = opts.withDefaults()
	s := &Scheduler{
		userID: userID,
		opts:   opts,
		parent: parent,
		logger: opts.Logger.With(zap.String("user_id", userID)),
		gate:   preferences.NewGate(preferences.Defaults()),
	}
	s.interval.Store(int64(opts.Interval))
	empty := []medication.Medication{}
	s.meds.Store(&empty)
	return s
}

// snapshot is one consistent read of a user's profile.
type snapshot struct {
	meds       []medication.Medication
	prefs      preferences.Preferences
	permission *store.Permission
}

func (s *Scheduler) load(ctx context.Context) (snapshot, error) {
	var snap snapshot

	perm, err := s.opts.Profile.Permission(ctx, s.userID)
	if err != nil {
		return snap, fmt.Errorf("load permission: %w", err)
	}
	snap.permission = perm

	prefs, err := s.opts.Profile.Preferences(ctx, s.userID)
	if err != nil {
		return snap, fmt.Errorf("load preferences: %w", err)
	}
	snap.prefs = prefs

	records, err := s.opts.Profile.Medications(ctx, s.userID)
	if err != nil {
		return snap, fmt.Errorf("load medications: %w", err)
	}
	meds, rejected := medication.ParseAll(records, s.opts.Location)
	for _, r := range rejected {
		s.logger.Warn("Skipping invalid medication",
			zap.String("medication_id", r.Record.ID),
			zap.String("name", r.Record.Name),
			zap.Error(r.Err),
		)
	}
	snap.meds = meds
	return snap, nil
}

func (s *Scheduler) apply(snap snapshot) {
	s.gate.Replace(snap.prefs)
	meds := snap.meds
	s.meds.Store(&meds)
}

// Reconcile loads the user's profile and starts or stops the loop. It runs
// only when permission is granted, at least one dose notification kind is
// enabled and at least one medication is valid.
func (s *Scheduler) Reconcile(ctx context.Context) (State, error) {
	snap, err := s.load(ctx)
	if err != nil {
		return s.State(), err
	}
	s.apply(snap)

	granted := snap.permission.Granted()
	wanted := snap.prefs.AnyEnabled() && len(snap.meds) > 0

	if wanted && !granted {
		s.mu.Lock()
		show := !s.noticeShown
		s.noticeShown = true
		s.mu.Unlock()
		if show {
			s.opts.Dispatcher.NotifyUnavailable(ctx, s.userID)
		}
	}

	if granted && wanted {
		s.Start()
		return StateRunning, nil
	}

	s.Stop()
	return StateStopped, nil
}

// Start begins polling. A running loop is stopped first.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	ctx, cancel := context.WithCancel(s.parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.state = StateRunning
	s.noticeShown = false
	s.opts.Metrics.SchedulerStarted()

	interval := time.Duration(s.interval.Load())
	s.logger.Info("Starting medication scheduler", zap.Duration("interval", interval))

	go s.run(ctx, done, interval)
}

// Stop ends the loop. An in-flight pass finishes first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.state != StateRunning {
		return
	}
	s.cancel()
	<-s.done
	s.state = StateStopped
	s.cancel = nil
	s.done = nil
	s.opts.Metrics.SchedulerStopped()
	s.logger.Info("Medication scheduler stopped")
}

// State reports whether the loop is running.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetInterval changes the tick period, restarting a running loop.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 || time.Duration(s.interval.Swap(int64(d))) == d {
		return
	}
	if s.State() == StateRunning {
		s.Start()
	}
}

// CheckNow reloads the profile and runs one pass immediately, whether or not
// the loop is running. ran is false when a pass was already in progress.
func (s *Scheduler) CheckNow(ctx context.Context) (sum notify.Summary, ran bool, err error) {
	snap, err := s.load(ctx)
	if err != nil {
		return sum, false, err
	}
	s.apply(snap)
	sum, ran = s.tick(ctx)
	return sum, ran, nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}, interval time.Duration) {
	defer close(done)

	ticker := s.opts.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.tick(ctx)
		}
	}
}

// tick runs one pass over the medication snapshot. Overlapping passes are
// skipped. Stop does not interrupt a pass in progress.
func (s *Scheduler) tick(ctx context.Context) (sum notify.Summary, ran bool) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.opts.Metrics.RecordSkippedTick()
		s.logger.Debug("Skipping tick, previous pass still running")
		return sum, false
	}
	defer s.ticking.Store(false)

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	now := s.opts.Clock().In(s.opts.Location)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in scheduler pass", zap.Any("recover", r))
		}
		s.opts.Metrics.RecordTick(time.Since(start))
		s.logSummary(sum)
	}()

	for _, m := range *s.meds.Load() {
		for _, ev := range dose.Evaluate(m, s.gate, now) {
			res := s.opts.Dispatcher.Dispatch(ctx, m, ev, now)
			sum.Add(res)
			if ev.Kind == dose.KindMissed && res.Delivered && s.opts.OnMissed != nil {
				s.opts.OnMissed(ctx, m, ev, now)
			}
		}
	}
	return sum, true
}

func (s *Scheduler) logSummary(sum notify.Summary) {
	if sum.Failed > 0 {
		s.logger.Warn("Scheduler pass finished with errors",
			zap.Int("delivered", sum.Delivered),
			zap.Int("suppressed", sum.Suppressed),
			zap.Int("failed", sum.Failed),
			zap.Strings("errors", sum.Errors),
		)
		return
	}
	if sum.Delivered > 0 {
		s.logger.Info("Notifications delivered",
			zap.Int("delivered", sum.Delivered),
			zap.Int("suppressed", sum.Suppressed),
		)
		return
	}
	s.logger.Debug("Scheduler pass finished", zap.Int("suppressed", sum.Suppressed))
}
