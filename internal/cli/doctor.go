// Package cli renders terminal output for the medx commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	robfig "github.com/robfig/cron/v3"

	"github.com/gmsas95/medx/internal/config"
	"github.com/gmsas95/medx/internal/store"
)

// Severity of a diagnostic check.
type Severity int

const (
	OK Severity = iota
	Warn
	Fail
)

// Check is one line of the doctor report.
type Check struct {
	Name     string
	Severity Severity
	Detail   string
	Hint     string
}

// Opener opens the store a config points at.
type Opener func(cfg *config.Config) (*store.Store, error)

// Doctor runs the diagnostics. loadErr is the error config.Load returned, if
// any; the remaining checks need a config and are skipped without one.
func Doctor(ctx context.Context, cfg *config.Config, loadErr error, open Opener) []Check {
	if loadErr != nil || cfg == nil {
		return []Check{{Name: "Config", Severity: Fail, Detail: fmt.Sprint(loadErr), Hint: "run: medx init"}}
	}

	file := cfg.ConfigFile()
	if file == "" {
		file = "defaults and environment"
	}
	checks := []Check{{Name: "Config", Detail: "loaded from " + file}}

	checks = append(checks, checkDataDir(cfg.Storage.DataDir))

	if loc, err := cfg.Location(); err != nil {
		checks = append(checks, Check{Name: "Time zone", Severity: Fail, Detail: err.Error()})
	} else {
		checks = append(checks, Check{Name: "Time zone", Detail: loc.String()})
	}

	checks = append(checks, checkStore(ctx, cfg, open))
	checks = append(checks, checkPush(cfg.Notifications.Native))
	checks = append(checks, checkCron(cfg.Housekeeping)...)
	checks = append(checks, checkCaregivers(cfg.Caregivers))
	return checks
}

func checkDataDir(dir string) Check {
	info, err := os.Stat(dir)
	if err != nil {
		return Check{Name: "Data directory", Severity: Fail, Detail: err.Error()}
	}
	if !info.IsDir() {
		return Check{Name: "Data directory", Severity: Fail, Detail: dir + " is not a directory"}
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return Check{Name: "Data directory", Severity: Fail, Detail: "not writable: " + err.Error()}
	}
	probe.Close()
	os.Remove(probe.Name())
	return Check{Name: "Data directory", Detail: filepath.Clean(dir)}
}

func checkStore(ctx context.Context, cfg *config.Config, open Opener) Check {
	st, err := open(cfg)
	if err != nil {
		return Check{Name: "Store", Severity: Fail, Detail: err.Error(), Hint: "is another medx process holding the database?"}
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return Check{Name: "Store", Severity: Fail, Detail: err.Error()}
	}

	users, err := st.ActiveUserIDs(ctx)
	if err != nil {
		return Check{Name: "Store", Severity: Warn, Detail: err.Error()}
	}
	return Check{Name: "Store", Detail: fmt.Sprintf("%d user(s) with medications", len(users))}
}

func checkPush(native config.NativeConfig) Check {
	switch {
	case !native.Enabled:
		return Check{Name: "Native push", Severity: Warn, Detail: "disabled, reminders show as in-app toasts only"}
	case native.VAPIDPublicKey == "" || native.VAPIDPrivateKey == "":
		return Check{Name: "Native push", Severity: Fail, Detail: "enabled without VAPID keys", Hint: "run: medx vapid"}
	}
	return Check{Name: "Native push", Detail: "enabled, contact " + native.Subscriber}
}

func checkCron(h config.HousekeepingConfig) []Check {
	jobs := []struct{ name, spec string }{
		{"Daily reset", h.DailyResetCron},
		{"Low stock check", h.LowStockCron},
		{"Notification prune", h.PruneCron},
	}
	var checks []Check
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := robfig.ParseStandard(j.spec); err != nil {
			checks = append(checks, Check{Name: j.name, Severity: Fail, Detail: fmt.Sprintf("invalid schedule %q: %v", j.spec, err)})
			continue
		}
		checks = append(checks, Check{Name: j.name, Detail: j.spec})
	}
	return checks
}

func checkCaregivers(c config.CaregiversConfig) Check {
	if !c.Enabled {
		return Check{Name: "Caregiver alerts", Severity: Warn, Detail: "disabled"}
	}
	media := "email, sms"
	if c.TelegramToken != "" {
		media += ", telegram"
	}
	if c.DiscordToken != "" {
		media += ", discord"
	}
	return Check{Name: "Caregiver alerts", Detail: media}
}

// Issues counts warnings and failures.
func Issues(checks []Check) (warnings, failures int) {
	for _, c := range checks {
		switch c.Severity {
		case Warn:
			warnings++
		case Fail:
			failures++
		}
	}
	return warnings, failures
}

// PrintChecks writes the report. color enables ANSI styling.
func PrintChecks(w io.Writer, checks []Check, color bool) {
	styles := newStyles(color)

	fmt.Fprintln(w, styles.header.Render("medx diagnostics"))
	fmt.Fprintln(w)
	for _, c := range checks {
		mark, style := "ok  ", styles.ok
		switch c.Severity {
		case Warn:
			mark, style = "warn", styles.warn
		case Fail:
			mark, style = "FAIL", styles.fail
		}
		fmt.Fprintf(w, "%s %-20s %s\n", style.Render(mark), c.Name, c.Detail)
		if c.Hint != "" {
			fmt.Fprintf(w, "     %s\n", styles.muted.Render(c.Hint))
		}
	}

	fmt.Fprintln(w)
	warnings, failures := Issues(checks)
	if warnings == 0 && failures == 0 {
		fmt.Fprintln(w, styles.ok.Render("All checks passed."))
		return
	}
	fmt.Fprintf(w, "%d warning(s), %d failure(s)\n", warnings, failures)
}

type styles struct {
	header lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	muted  lipgloss.Style
	due    lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{header: plain, ok: plain, warn: plain, fail: plain, muted: plain, due: plain}
	}
	return styles{
		header: lipgloss.NewStyle().Bold(true),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		fail:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		due:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
	}
}
