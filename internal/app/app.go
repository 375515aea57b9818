package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/medx/internal/api"
	"github.com/gmsas95/medx/internal/caregiver"
	"github.com/gmsas95/medx/internal/config"
	"github.com/gmsas95/medx/internal/cron"
	"github.com/gmsas95/medx/internal/dose"
	"github.com/gmsas95/medx/internal/medication"
	"github.com/gmsas95/medx/internal/metrics"
	"github.com/gmsas95/medx/internal/notify"
	"github.com/gmsas95/medx/internal/scheduler"
	"github.com/gmsas95/medx/internal/store"
	"github.com/gmsas95/medx/internal/toast"
)

type App struct {
	Config     *config.Config
	Store      *store.Store
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Hub        *toast.Hub
	Push       *notify.WebPush
	Native     *notify.NativeChannel
	Dispatcher *notify.Dispatcher
	Caregivers *caregiver.Notifier
	Manager    *scheduler.Manager
	CronRunner *cron.Runner
	Location   *time.Location
	Version    string

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires the notification pipeline. Nothing is started until RunServer.
func New(cfg *config.Config, st *store.Store, logger *zap.Logger, version string) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.Default()

	app := &App{
		Config:   cfg,
		Store:    st,
		Logger:   logger,
		Metrics:  m,
		Hub:      toast.NewHub(cfg.Notifications.Toast.Buffer, logger),
		Location: loc,
		Version:  version,
		ctx:      ctx,
		cancel:   cancel,
	}

	var native notify.NotificationChannel
	if app.pushConfigured() {
		app.Push = notify.NewWebPush(notify.WebPushConfig{
			VAPIDPublicKey:  cfg.Notifications.Native.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Notifications.Native.VAPIDPrivateKey,
			Subscriber:      cfg.Notifications.Native.Subscriber,
			TTL:             cfg.Notifications.Native.TTL,
		}, st, logger)
		app.Native = notify.NewNativeChannel(app.Push, notify.BreakerSettings{
			MaxFailures: cfg.Notifications.Breaker.MaxFailures,
			OpenTimeout: cfg.Notifications.Breaker.OpenTimeout,
		}, logger)
		native = app.Native
	}

	app.Dispatcher = notify.NewDispatcher(notify.Options{
		Native:     native,
		Fallback:   notify.NewFallbackChannel(app.Hub),
		Log:        st,
		TargetView: cfg.Notifications.TargetView,
		Metrics:    m,
		Logger:     logger,
	})

	var onMissed scheduler.MissedHook
	if cfg.Caregivers.Enabled {
		app.Caregivers = caregiver.New(caregiver.Options{
			Directory:     st,
			Log:           st,
			Senders:       caregiverSenders(cfg.Caregivers, logger),
			RatePerMinute: cfg.Caregivers.RatePerMinute,
			Metrics:       m,
			Logger:        logger,
		})
		onMissed = func(ctx context.Context, med medication.Medication, ev dose.Event, now time.Time) {
			app.Caregivers.MissedDose(ctx, med, ev, now)
		}
	}

	app.Manager = scheduler.NewManager(ctx, st, scheduler.Options{
		Interval:   cfg.Scheduler.Interval,
		Location:   loc,
		Dispatcher: app.Dispatcher,
		OnMissed:   onMissed,
		Metrics:    m,
		Logger:     logger,
	})

	if app.Push != nil {
		app.Push.OnRevoke(func(userID string) {
			app.Manager.Reconcile(app.ctx, userID)
		})
	}

	deps := cron.Deps{
		Store:      st,
		Reconciler: app.Manager,
		Refill:     app.Dispatcher,
	}
	if app.Caregivers != nil {
		deps.Caregivers = app.Caregivers
	}
	app.CronRunner = cron.NewRunner(cron.Config{
		DailyReset:        cfg.Housekeeping.DailyResetCron,
		LowStock:          cfg.Housekeeping.LowStockCron,
		Prune:             cfg.Housekeeping.PruneCron,
		RetentionDays:     cfg.Housekeeping.RetentionDays,
		LowStockThreshold: cfg.Caregivers.LowStockThreshold,
		Location:          loc,
	}, deps, logger)

	return app, nil
}

// caregiverSenders builds one sender per configured medium. A chat bot that
// fails to authorize is skipped.
func caregiverSenders(cfg config.CaregiversConfig, logger *zap.Logger) []caregiver.Sender {
	senders := []caregiver.Sender{
		caregiver.NewEmailSender(cfg.EmailFrom, logger),
		caregiver.NewSMSSender(logger),
	}
	if cfg.TelegramToken != "" {
		tg, err := caregiver.NewTelegramSender(cfg.TelegramToken, logger)
		if err != nil {
			logger.Warn("Telegram caregiver alerts disabled", zap.Error(err))
		} else {
			senders = append(senders, tg)
		}
	}
	if cfg.DiscordToken != "" {
		dc, err := caregiver.NewDiscordSender(cfg.DiscordToken, logger)
		if err != nil {
			logger.Warn("Discord caregiver alerts disabled", zap.Error(err))
		} else {
			senders = append(senders, dc)
		}
	}
	return senders
}

func (app *App) pushConfigured() bool {
	native := app.Config.Notifications.Native
	if !native.Enabled {
		return false
	}
	if native.VAPIDPublicKey == "" || native.VAPIDPrivateKey == "" {
		app.Logger.Warn("Native notifications enabled without VAPID keys, using in-app toasts only",
			zap.String("hint", "run `medx vapid` to generate a key pair"))
		return false
	}
	return true
}

// RunServer starts schedulers, housekeeping and the HTTP API, then blocks
// until SIGINT or SIGTERM.
func (app *App) RunServer() {
	if err := app.Manager.ReconcileAll(app.ctx); err != nil {
		app.Logger.Warn("Initial scheduler reconcile incomplete", zap.Error(err))
	}

	if err := app.CronRunner.Start(); err != nil {
		app.Logger.Error("Failed to start cron runner", zap.Error(err))
	}

	app.Config.Watch(app.Logger, app.applyConfig)

	server := api.New(app.Config, api.Deps{
		Store:      app.Store,
		Manager:    app.Manager,
		Dispatcher: app.Dispatcher,
		Hub:        app.Hub,
		Push:       app.Push,
		Native:     app.Native,
		Cron:       app.CronRunner,
		Metrics:    app.Metrics,
	}, app.Logger)

	go func() {
		if err := server.Start(); err != nil {
			app.Logger.Fatal("Server error", zap.Error(err))
		}
	}()

	app.Logger.Info("Server started",
		zap.String("address", app.Config.Server.Address),
		zap.Int("port", app.Config.Server.Port),
		zap.String("url", fmt.Sprintf("http://localhost:%d", app.Config.Server.Port)),
		zap.Bool("native_push", app.Push != nil),
		zap.Duration("interval", app.Config.Scheduler.Interval),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info("Shutting down...")

	if err := server.Shutdown(); err != nil {
		app.Logger.Error("Server shutdown error", zap.Error(err))
	}
	app.Close()
}

// applyConfig installs a reloaded config file.
func (app *App) applyConfig(next *config.Config) {
	app.Store.SetDefaultPreferences(next.DefaultPreferences())
	app.Manager.SetInterval(next.Scheduler.Interval)
	if err := app.Manager.ReconcileAll(app.ctx); err != nil {
		app.Logger.Warn("Reconcile after config reload incomplete", zap.Error(err))
	}
}

// Close stops background work. The store is closed by the caller.
func (app *App) Close() {
	app.CronRunner.Stop()
	app.Manager.StopAll()
	app.cancel()
}

// CheckNow runs one immediate pass for the user.
func (app *App) CheckNow(ctx context.Context, userID string) (notify.Summary, error) {
	sum, _, err := app.Manager.CheckNow(ctx, userID)
	return sum, err
}

// Today lists the user's doses for today with their status.
func (app *App) Today(ctx context.Context, userID string) ([]dose.Schedule, error) {
	records, err := app.Store.Medications(ctx, userID)
	if err != nil {
		return nil, err
	}
	prefs, err := app.Store.Preferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	meds, rejected := medication.ParseAll(records, app.Location)
	for _, r := range rejected {
		app.Logger.Warn("Skipping invalid medication", zap.String("name", r.Record.Name), zap.Error(r.Err))
	}
	return dose.Today(meds, prefs.ReminderTiming, time.Now().In(app.Location)), nil
}
