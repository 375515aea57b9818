// Package preferences exposes the notification preference snapshot the
// scheduler and dispatcher consult before acting.
package preferences

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// DefaultLeadMinutes applies when reminder timing is missing or unparsable.
const DefaultLeadMinutes = 15

// Preferences is one user's notification settings.
type Preferences struct {
	ReminderNotifications bool `json:"reminder_notifications" mapstructure:"reminder_notifications"`
	MissedDoseAlerts      bool `json:"missed_dose_alerts" mapstructure:"missed_dose_alerts"`
	ReminderTiming        int  `json:"reminder_timing" mapstructure:"reminder_timing"`
	RefillReminders       bool `json:"refill_reminders" mapstructure:"refill_reminders"`
}

// Defaults mirrors a fresh profile: everything on, 15 minute lead.
func Defaults() Preferences {
	return Preferences{
		ReminderNotifications: true,
		MissedDoseAlerts:      true,
		ReminderTiming:        DefaultLeadMinutes,
		RefillReminders:       true,
	}
}

// ParseTiming reads the stored string form ("15"). Bad input falls back to the default.
func ParseTiming(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return DefaultLeadMinutes
	}
	return n
}

// AnyEnabled reports whether at least one dose notification kind is on.
func (p Preferences) AnyEnabled() bool {
	return p.ReminderNotifications || p.MissedDoseAlerts
}

// Normalized clamps out-of-range timing to the default.
func (p Preferences) Normalized() Preferences {
	if p.ReminderTiming < 0 {
		p.ReminderTiming = DefaultLeadMinutes
	}
	return p
}

// Gate holds the current snapshot. Reads never block; Replace swaps the
// whole value so a tick never sees a half-applied update.
type Gate struct {
	current atomic.Pointer[Preferences]
}

// NewGate creates a gate seeded with p.
func NewGate(p Preferences) *Gate {
	g := &Gate{}
	g.Replace(p)
	return g
}

// Replace installs a new snapshot.
func (g *Gate) Replace(p Preferences) {
	p = p.Normalized()
	g.current.Store(&p)
}

// Snapshot returns a copy of the current preferences.
func (g *Gate) Snapshot() Preferences {
	if p := g.current.Load(); p != nil {
		return *p
	}
	return Defaults()
}

func (g *Gate) IsReminderEnabled() bool {
	return g.Snapshot().ReminderNotifications
}

func (g *Gate) IsMissedAlertEnabled() bool {
	return g.Snapshot().MissedDoseAlerts
}

func (g *Gate) IsRefillReminderEnabled() bool {
	return g.Snapshot().RefillReminders
}

func (g *Gate) LeadMinutes() int {
	return g.Snapshot().ReminderTiming
}
