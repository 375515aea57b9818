package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/gmsas95/medx/internal/config"
	"github.com/gmsas95/medx/internal/cron"
	"github.com/gmsas95/medx/internal/metrics"
	"github.com/gmsas95/medx/internal/notify"
	"github.com/gmsas95/medx/internal/scheduler"
	"github.com/gmsas95/medx/internal/security"
	"github.com/gmsas95/medx/internal/store"
	"github.com/gmsas95/medx/internal/toast"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// Deps are the services the HTTP layer drives. Push and Cron may be nil.
type Deps struct {
	Store      *store.Store
	Manager    *scheduler.Manager
	Dispatcher *notify.Dispatcher
	Hub        *toast.Hub
	Push       *notify.WebPush
	Native     *notify.NativeChannel
	Cron       *cron.Runner
	Metrics    *metrics.Metrics
	Clock      func() time.Time
}

type Server struct {
	app        *fiber.App
	config     *config.Config
	store      *store.Store
	manager    *scheduler.Manager
	dispatcher *notify.Dispatcher
	hub        *toast.Hub
	push       *notify.WebPush
	native     *notify.NativeChannel
	cron       *cron.Runner
	metrics    *metrics.Metrics
	clock      func() time.Time
	location   *time.Location
	validator  *security.InputValidator
	logger     *zap.Logger
}

func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	readTimeout := 30 * time.Second
	if cfg.Server.ReadTimeout > 0 {
		readTimeout = time.Duration(cfg.Server.ReadTimeout) * time.Second
	}
	writeTimeout := 30 * time.Second
	if cfg.Server.WriteTimeout > 0 {
		writeTimeout = time.Duration(cfg.Server.WriteTimeout) * time.Second
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           readTimeout,
		WriteTimeout:          writeTimeout,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
	})

	loc, err := cfg.Location()
	if err != nil {
		logger.Warn("Invalid scheduler timezone, using local time", zap.Error(err))
		loc = time.Local
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}

	s := &Server{
		app:        app,
		config:     cfg,
		store:      deps.Store,
		manager:    deps.Manager,
		dispatcher: deps.Dispatcher,
		hub:        deps.Hub,
		push:       deps.Push,
		native:     deps.Native,
		cron:       deps.Cron,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		location:   loc,
		validator:  security.NewInputValidator(),
		logger:     logger,
	}

	s.setupRoutes()
	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

type loginRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type stockRequest struct {
	Stock int `json:"stock"`
}

type preferencesRequest struct {
	ReminderNotifications *bool   `json:"reminder_notifications"`
	MissedDoseAlerts      *bool   `json:"missed_dose_alerts"`
	ReminderTiming        *timing `json:"reminder_timing"`
	RefillReminders       *bool   `json:"refill_reminders"`
}

type permissionRequest struct {
	State    string `json:"state"`
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type dearOneRequest struct {
	Name             string `json:"name"`
	Relationship     string `json:"relationship"`
	Email            string `json:"email"`
	Phone            string `json:"phone"`
	TelegramChatID   int64  `json:"telegram_chat_id"`
	DiscordUserID    string `json:"discord_user_id"`
	NotifyMissedDose bool   `json:"notify_missed_dose"`
	NotifyLowStock   bool   `json:"notify_low_stock"`
}

// timing accepts the lead time as a number or as the numeric string the
// settings form sends ("15").
type timing string

func (t *timing) UnmarshalJSON(b []byte) error {
	*t = timing(strings.Trim(string(b), `"`))
	return nil
}
