// Package cron runs the daily maintenance jobs: resetting taken flags,
// low-stock checks and notification retention.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gmsas95/medx/internal/medication"
	"github.com/gmsas95/medx/internal/notify"
	"github.com/gmsas95/medx/internal/preferences"
	"github.com/gmsas95/medx/internal/store"
)

// Config holds cron runner configuration
type Config struct {
	DailyReset        string
	LowStock          string
	Prune             string
	RetentionDays     int
	LowStockThreshold int
	Location          *time.Location
}

// Store is the persistence the jobs operate on.
type Store interface {
	ResetTaken(ctx context.Context) (int64, error)
	PruneNotifications(ctx context.Context, cutoff time.Time) (int64, error)
	LowStock(ctx context.Context, threshold int) ([]store.MedicationRecord, error)
	Preferences(ctx context.Context, userID string) (preferences.Preferences, error)
}

// Reconciler re-evaluates schedulers after taken flags change.
type Reconciler interface {
	ReconcileAll(ctx context.Context) error
}

// RefillNotifier tells the patient a medication needs a refill.
type RefillNotifier interface {
	SendLowStock(ctx context.Context, m medication.Medication, stock int, now time.Time) notify.Result
}

// CaregiverNotifier tells dear ones a medication is running low.
type CaregiverNotifier interface {
	LowStock(ctx context.Context, m medication.Medication, stock int, now time.Time) int
}

// Deps are the collaborators of the runner. Reconciler, Refill and
// Caregivers are optional.
type Deps struct {
	Store      Store
	Reconciler Reconciler
	Refill     RefillNotifier
	Caregivers CaregiverNotifier
	Clock      func() time.Time
}

// Runner manages scheduled job execution
type Runner struct {
	config Config
	deps   Deps
	logger *zap.Logger
	cron   *robfig.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	running bool
	entries map[string]robfig.EntryID
}

// NewRunner creates a new cron runner
func NewRunner(config Config, deps Deps, logger *zap.Logger) *Runner {
	if config.DailyReset == "" {
		config.DailyReset = "0 0 * * *"
	}
	if config.LowStock == "" {
		config.LowStock = "0 9 * * *"
	}
	if config.Prune == "" {
		config.Prune = "@daily"
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 30
	}
	if config.LowStockThreshold <= 0 {
		config.LowStockThreshold = 5
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	cronLogger := zapCronLogger{logger.Sugar()}

	return &Runner{
		config: config,
		deps:   deps,
		logger: logger,
		cron: robfig.New(
			robfig.WithLocation(config.Location),
			robfig.WithLogger(cronLogger),
			robfig.WithChain(robfig.Recover(cronLogger), robfig.SkipIfStillRunning(cronLogger)),
		),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]robfig.EntryID),
	}
}

// Start registers the jobs and starts the cron runner
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("cron runner already running")
	}

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"daily_reset", r.config.DailyReset, func() { r.RunDailyReset(r.ctx) }},
		{"low_stock", r.config.LowStock, func() { r.RunLowStockCheck(r.ctx) }},
		{"prune", r.config.Prune, func() { r.RunPrune(r.ctx) }},
	}
	for _, job := range jobs {
		if _, ok := r.entries[job.name]; ok {
			continue
		}
		id, err := r.cron.AddFunc(job.spec, job.run)
		if err != nil {
			return fmt.Errorf("invalid cron expression for %s: %w", job.name, err)
		}
		r.entries[job.name] = id
	}

	r.cron.Start()
	r.running = true
	r.logger.Info("Cron runner started", zap.Int("jobs", len(r.entries)))
	return nil
}

// Stop stops the cron runner and waits for running jobs
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	<-r.cron.Stop().Done()
	r.logger.Info("Cron runner stopped")
}

// IsRunning returns whether the runner is active
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name string    `json:"name"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// ListJobs returns the registered jobs with their next run
func (r *Runner) ListJobs() []JobInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]JobInfo, 0, len(r.entries))
	for name, id := range r.entries {
		e := r.cron.Entry(id)
		out = append(out, JobInfo{Name: name, Next: e.Next, Prev: e.Prev})
	}
	return out
}

// RunDailyReset clears yesterday's taken flags and reconciles schedulers.
func (r *Runner) RunDailyReset(ctx context.Context) error {
	n, err := r.deps.Store.ResetTaken(ctx)
	if err != nil {
		r.logger.Error("Failed to reset taken flags", zap.Error(err))
		return err
	}
	r.logger.Info("Taken flags reset", zap.Int64("medications", n))

	if r.deps.Reconciler != nil {
		if err := r.deps.Reconciler.ReconcileAll(ctx); err != nil {
			r.logger.Warn("Reconcile after reset failed", zap.Error(err))
		}
	}
	return nil
}

// RunPrune deletes notification records past the retention period.
func (r *Runner) RunPrune(ctx context.Context) (int64, error) {
	cutoff := r.deps.Clock().AddDate(0, 0, -r.config.RetentionDays)
	n, err := r.deps.Store.PruneNotifications(ctx, cutoff)
	if err != nil {
		r.logger.Error("Failed to prune notifications", zap.Error(err))
		return 0, err
	}
	r.logger.Info("Notifications pruned", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// RunLowStockCheck sends refill reminders to patients who enabled them and
// alerts dear ones. It returns the number of low medications found.
func (r *Runner) RunLowStockCheck(ctx context.Context) (int, error) {
	rows, err := r.deps.Store.LowStock(ctx, r.config.LowStockThreshold)
	if err != nil {
		r.logger.Error("Failed to list low stock", zap.Error(err))
		return 0, err
	}

	now := r.deps.Clock().In(r.config.Location)
	prefs := make(map[string]preferences.Preferences)

	for _, row := range rows {
		m, err := medication.ParseIn(row.ToRecord(), r.config.Location)
		if err != nil {
			r.logger.Debug("Skipping invalid medication in low stock check",
				zap.String("medication_id", row.ID), zap.Error(err))
			continue
		}
		stock := *row.Stock

		p, ok := prefs[row.UserID]
		if !ok {
			p, err = r.deps.Store.Preferences(ctx, row.UserID)
			if err != nil {
				r.logger.Warn("Failed to load preferences", zap.String("user_id", row.UserID), zap.Error(err))
				continue
			}
			prefs[row.UserID] = p
		}

		if p.RefillReminders && r.deps.Refill != nil {
			res := r.deps.Refill.SendLowStock(ctx, m, stock, now)
			if res.Err != nil {
				r.logger.Warn("Refill reminder failed",
					zap.String("medication_id", m.ID), zap.Error(res.Err))
			}
		}
		if r.deps.Caregivers != nil {
			r.deps.Caregivers.LowStock(ctx, m, stock, now)
		}
	}

	if len(rows) > 0 {
		r.logger.Info("Low stock check completed", zap.Int("medications", len(rows)))
	}
	return len(rows), nil
}

// zapCronLogger adapts zap to the cron library's logger.
type zapCronLogger struct {
	s *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
