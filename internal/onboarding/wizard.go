// Package onboarding runs the first-run setup that writes medx.yaml and .env.
package onboarding

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gmsas95/medx/internal/notify"
	"github.com/gmsas95/medx/internal/preferences"
)

const (
	ConfigFileName = "medx.yaml"
	EnvFileName    = ".env"
)

// Answers holds what the wizard collected.
type Answers struct {
	Timezone      string
	Port          int
	LeadMinutes   int
	NativePush    bool
	Subscriber    string
	Caregivers    bool
	TelegramToken string
	DiscordToken  string
}

// Wizard handles the interactive setup process
type Wizard struct {
	reader  *bufio.Reader
	out     io.Writer
	dataDir string
	logger  *zap.Logger
	answers Answers

	generateKeys func() (string, string, error)
}

// NewWizard creates a wizard that writes into dataDir.
func NewWizard(in io.Reader, out io.Writer, dataDir string, logger *zap.Logger) *Wizard {
	return &Wizard{
		reader:       bufio.NewReader(in),
		out:          out,
		dataDir:      dataDir,
		logger:       logger,
		generateKeys: notify.GenerateVAPIDKeys,
	}
}

// Run asks the setup questions and writes the config files. It returns the
// config file path.
func (w *Wizard) Run() (string, error) {
	fmt.Fprintln(w.out, "medx setup")
	fmt.Fprintln(w.out, "Press enter to accept the default shown in brackets.")
	fmt.Fprintln(w.out)

	if err := os.MkdirAll(w.dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	w.askSchedule()
	w.askNotifications()
	w.askCaregivers()

	path, err := w.write()
	if err != nil {
		return "", err
	}

	fmt.Fprintln(w.out)
	fmt.Fprintf(w.out, "Configuration written to %s\n", path)
	fmt.Fprintf(w.out, "Secrets written to %s\n", filepath.Join(w.dataDir, EnvFileName))
	fmt.Fprintln(w.out, "Start the server with: medx serve")
	return path, nil
}

// Answers returns the collected answers.
func (w *Wizard) Answers() Answers {
	return w.answers
}

func (w *Wizard) askSchedule() {
	tz := w.ask("Time zone for dose times", "Local")
	if tz != "Local" && tz != "UTC" {
		if _, err := time.LoadLocation(tz); err != nil {
			fmt.Fprintf(w.out, "Unknown time zone %q, using Local\n", tz)
			tz = "Local"
		}
	}
	w.answers.Timezone = tz

	w.answers.Port = w.askInt("HTTP port", 8080, 1, 65535)
	w.answers.LeadMinutes = w.askInt("Remind how many minutes before a dose", preferences.DefaultLeadMinutes, 0, 720)
}

func (w *Wizard) askNotifications() {
	w.answers.NativePush = w.confirm("Enable native push notifications", true)
	if w.answers.NativePush {
		w.answers.Subscriber = w.ask("Contact for push services (mailto: or https:)", "mailto:reminders@medx.local")
	}
}

func (w *Wizard) askCaregivers() {
	w.answers.Caregivers = w.confirm("Alert dear ones about missed doses and low stock", true)
	if !w.answers.Caregivers {
		return
	}
	w.answers.TelegramToken = w.ask("Telegram bot token (optional)", "")
	w.answers.DiscordToken = w.ask("Discord bot token (optional)", "")
}

func (w *Wizard) ask(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, _ := w.reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func (w *Wizard) askInt(prompt string, def, lo, hi int) int {
	s := w.ask(prompt, strconv.Itoa(def))
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		fmt.Fprintf(w.out, "Invalid value %q, using %d\n", s, def)
		return def
	}
	return n
}

func (w *Wizard) confirm(prompt string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	switch strings.ToLower(w.ask(prompt+" ("+hint+")", "")) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}
	return def
}

// fileConfig is the subset of medx.yaml the wizard writes.
type fileConfig struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Scheduler struct {
		Timezone           string `yaml:"timezone"`
		DefaultLeadMinutes int    `yaml:"default_lead_minutes"`
	} `yaml:"scheduler"`
	Notifications struct {
		Native struct {
			Enabled        bool   `yaml:"enabled"`
			VAPIDPublicKey string `yaml:"vapid_public_key,omitempty"`
			Subscriber     string `yaml:"subscriber,omitempty"`
		} `yaml:"native"`
	} `yaml:"notifications"`
	Caregivers struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"caregivers"`
}

func (w *Wizard) write() (string, error) {
	a := w.answers

	var fc fileConfig
	fc.Server.Port = a.Port
	fc.Scheduler.Timezone = a.Timezone
	fc.Scheduler.DefaultLeadMinutes = a.LeadMinutes
	fc.Caregivers.Enabled = a.Caregivers

	secrets := map[string]string{}
	jwt, err := randomSecret()
	if err != nil {
		return "", err
	}
	secrets["MEDX_SECURITY_JWT_SECRET"] = jwt

	if a.NativePush {
		pub, priv, err := w.generateKeys()
		if err != nil {
			return "", fmt.Errorf("failed to generate VAPID keys: %w", err)
		}
		fc.Notifications.Native.Enabled = true
		fc.Notifications.Native.VAPIDPublicKey = pub
		fc.Notifications.Native.Subscriber = a.Subscriber
		secrets["MEDX_NOTIFICATIONS_NATIVE_VAPID_PRIVATE_KEY"] = priv
	}
	if a.TelegramToken != "" {
		secrets["MEDX_CAREGIVERS_TELEGRAM_TOKEN"] = a.TelegramToken
	}
	if a.DiscordToken != "" {
		secrets["MEDX_CAREGIVERS_DISCORD_TOKEN"] = a.DiscordToken
	}

	body, err := yaml.Marshal(&fc)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	header := fmt.Sprintf("# medx configuration\n# Generated on %s\n\n", time.Now().Format("2006-01-02"))

	configPath := filepath.Join(w.dataDir, ConfigFileName)
	if err := os.WriteFile(configPath, append([]byte(header), body...), 0600); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}

	envPath := filepath.Join(w.dataDir, EnvFileName)
	if err := os.WriteFile(envPath, []byte(envContent(secrets)), 0600); err != nil {
		return "", fmt.Errorf("failed to write env file: %w", err)
	}

	w.logger.Info("Setup complete", zap.String("config", configPath), zap.Bool("native_push", a.NativePush))
	return configPath, nil
}

func envContent(secrets map[string]string) string {
	var b strings.Builder
	b.WriteString("# medx secrets\n")
	for _, key := range []string{
		"MEDX_SECURITY_JWT_SECRET",
		"MEDX_NOTIFICATIONS_NATIVE_VAPID_PRIVATE_KEY",
		"MEDX_CAREGIVERS_TELEGRAM_TOKEN",
		"MEDX_CAREGIVERS_DISCORD_TOKEN",
	} {
		if v, ok := secrets[key]; ok {
			fmt.Fprintf(&b, "%s=%s\n", key, v)
		}
	}
	return b.String()
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CheckFirstRun reports whether dataDir has no config file yet.
func CheckFirstRun(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, ConfigFileName))
	return os.IsNotExist(err)
}
