package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gmsas95/medx/internal/preferences"
)

// Config holds all configuration for MedX
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Caregivers    CaregiversConfig    `mapstructure:"caregivers"`
	Housekeeping  HousekeepingConfig  `mapstructure:"housekeeping"`
	Security      SecurityConfig      `mapstructure:"security"`
	Log           LogConfig           `mapstructure:"log"`

	v    *viper.Viper
	file string
	mu   sync.Mutex
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	BadgerPath string `mapstructure:"badger_path"`
	InMemory   bool   `mapstructure:"in_memory"`
}

// SchedulerConfig tunes the polling loop.
type SchedulerConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	DefaultLeadMinutes int           `mapstructure:"default_lead_minutes"`
	Timezone           string        `mapstructure:"timezone"`
}

// NotificationsConfig covers both delivery surfaces.
type NotificationsConfig struct {
	TargetView string        `mapstructure:"target_view"`
	Native     NativeConfig  `mapstructure:"native"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
	Toast      ToastConfig   `mapstructure:"toast"`
}

// NativeConfig holds Web Push settings
type NativeConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	VAPIDPublicKey  string `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"vapid_private_key"`
	Subscriber      string `mapstructure:"subscriber"`
	TTL             int    `mapstructure:"ttl"`
}

// BreakerConfig configures the circuit breaker in front of the native surface.
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type ToastConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// CaregiversConfig holds dear-one alert settings
type CaregiversConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	LowStockThreshold int    `mapstructure:"low_stock_threshold"`
	EmailFrom         string `mapstructure:"email_from"`
	RatePerMinute     int    `mapstructure:"rate_per_minute"`
	// Bot tokens. A chat medium is enabled when its token is set.
	TelegramToken string `mapstructure:"telegram_token"`
	DiscordToken  string `mapstructure:"discord_token"`
}

// HousekeepingConfig holds the cron schedules of the maintenance jobs
type HousekeepingConfig struct {
	DailyResetCron string `mapstructure:"daily_reset_cron"`
	LowStockCron   string `mapstructure:"low_stock_cron"`
	PruneCron      string `mapstructure:"prune_cron"`
	RetentionDays  int    `mapstructure:"retention_days"`
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	AllowOrigins []string      `mapstructure:"allow_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v.SetDefault("storage.data_dir", dataDir)
	v.SetDefault("storage.sqlite_path", filepath.Join(dataDir, "medx.db"))
	v.SetDefault("storage.badger_path", filepath.Join(dataDir, "badger"))

	if configPath == "" {
		configPath = filepath.Join(dataDir, "medx.yaml")
	}

	file := ""
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		file = configPath
	}

	// MEDX_SERVER_PORT, MEDX_SCHEDULER_INTERVAL, ...
	v.SetEnvPrefix("MEDX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.v = v
	cfg.file = file
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.default_lead_minutes", preferences.DefaultLeadMinutes)
	v.SetDefault("scheduler.timezone", "Local")

	v.SetDefault("notifications.target_view", "/dashboard")
	v.SetDefault("notifications.native.enabled", false)
	v.SetDefault("notifications.native.subscriber", "mailto:reminders@medx.local")
	v.SetDefault("notifications.native.ttl", 3600)
	v.SetDefault("notifications.breaker.max_failures", 5)
	v.SetDefault("notifications.breaker.open_timeout", "1m")
	v.SetDefault("notifications.toast.buffer", 50)

	v.SetDefault("caregivers.enabled", true)
	v.SetDefault("caregivers.low_stock_threshold", 5)
	v.SetDefault("caregivers.email_from", "alerts@medx.local")
	v.SetDefault("caregivers.rate_per_minute", 30)

	v.SetDefault("housekeeping.daily_reset_cron", "0 0 * * *")
	v.SetDefault("housekeeping.low_stock_cron", "0 9 * * *")
	v.SetDefault("housekeeping.prune_cron", "@daily")
	v.SetDefault("housekeeping.retention_days", 30)

	v.SetDefault("security.token_ttl", "720h")
	v.SetDefault("security.allow_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// DefaultDataDir is MEDX_DATA_DIR, else the XDG data directory.
func DefaultDataDir() string {
	if dir := os.Getenv("MEDX_DATA_DIR"); dir != "" {
		return dir
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "medx")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "medx")
}

// loadEnvOverrides applies the unprefixed aliases (VAPID_PUBLIC_KEY, JWT_SECRET, ...)
// that AutomaticEnv does not know about.
func loadEnvOverrides(cfg *Config) {
	if val := ResolveEnvWithAliases("MEDX_SECURITY_JWT_SECRET"); val != "" {
		cfg.Security.JWTSecret = val
	}
	if val := ResolveEnvWithAliases("MEDX_NOTIFICATIONS_NATIVE_VAPID_PUBLIC_KEY"); val != "" {
		cfg.Notifications.Native.VAPIDPublicKey = val
	}
	if val := ResolveEnvWithAliases("MEDX_NOTIFICATIONS_NATIVE_VAPID_PRIVATE_KEY"); val != "" {
		cfg.Notifications.Native.VAPIDPrivateKey = val
	}
	if val := ResolveEnvWithAliases("MEDX_NOTIFICATIONS_NATIVE_SUBSCRIBER"); val != "" {
		cfg.Notifications.Native.Subscriber = val
	}
	if val := ResolveEnvWithAliases("MEDX_CAREGIVERS_TELEGRAM_TOKEN"); val != "" {
		cfg.Caregivers.TelegramToken = val
	}
	if val := ResolveEnvWithAliases("MEDX_CAREGIVERS_DISCORD_TOKEN"); val != "" {
		cfg.Caregivers.DiscordToken = val
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}

	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}

	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}

	if cfg.Scheduler.DefaultLeadMinutes < 0 {
		cfg.Scheduler.DefaultLeadMinutes = preferences.DefaultLeadMinutes
	}

	native := cfg.Notifications.Native
	if native.Enabled && (native.VAPIDPublicKey == "" || native.VAPIDPrivateKey == "") {
		return fmt.Errorf("notifications.native requires vapid_public_key and vapid_private_key")
	}

	if cfg.Housekeeping.RetentionDays < 0 {
		return fmt.Errorf("housekeeping.retention_days must not be negative")
	}

	if cfg.Notifications.Toast.Buffer <= 0 {
		cfg.Notifications.Toast.Buffer = 50
	}

	// Generate JWT secret if not provided
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	}

	return nil
}

// Location is the time zone dose times are interpreted in.
func (c *Config) Location() (*time.Location, error) {
	switch c.Scheduler.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// DefaultPreferences is the snapshot new users start with.
func (c *Config) DefaultPreferences() preferences.Preferences {
	p := preferences.Defaults()
	if c.Scheduler.DefaultLeadMinutes > 0 {
		p.ReminderTiming = c.Scheduler.DefaultLeadMinutes
	}
	return p
}

// ConfigFile returns the file the config was read from, if any.
func (c *Config) ConfigFile() string {
	return c.file
}

// Watch reloads the config file on change and hands the fresh config to fn.
// Invalid edits are logged and ignored. No-op when no file was loaded.
func (c *Config) Watch(logger *zap.Logger, fn func(*Config)) {
	if c.v == nil || c.file == "" {
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()

		next, err := decode(c.v)
		if err != nil {
			logger.Warn("Ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		next.v = c.v
		next.file = c.file

		logger.Info("Config reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		fn(next)
	})
	c.v.WatchConfig()
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	var zc zap.Config
	if c.Log.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
