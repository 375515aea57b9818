// Package medication holds the validated medication model and its recurrence expansion.
package medication

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is the closed set of dosing schedules
type Frequency string

const (
	OnceDaily       Frequency = "once_daily"
	TwiceDaily      Frequency = "twice_daily"
	ThreeTimesDaily Frequency = "three_times_daily"
	EveryOtherDay   Frequency = "every_other_day"
	Weekly          Frequency = "weekly"
	AsNeeded        Frequency = "as_needed"
)

var frequencyAliases = map[string]Frequency{
	"once daily":        OnceDaily,
	"once_daily":        OnceDaily,
	"daily":             OnceDaily,
	"twice daily":       TwiceDaily,
	"twice_daily":       TwiceDaily,
	"three times daily": ThreeTimesDaily,
	"three_times_daily": ThreeTimesDaily,
	"every other day":   EveryOtherDay,
	"every_other_day":   EveryOtherDay,
	"weekly":            Weekly,
	"as needed":         AsNeeded,
	"as_needed":         AsNeeded,
}

// ParseFrequency accepts both the display labels ("Twice daily") and the
// snake_case form. An empty value means once daily.
func ParseFrequency(s string) (Frequency, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return OnceDaily, nil
	}
	if f, ok := frequencyAliases[key]; ok {
		return f, nil
	}
	return "", fmt.Errorf("unknown frequency %q", s)
}

// Label returns the human readable form used in notification text.
func (f Frequency) Label() string {
	switch f {
	case OnceDaily:
		return "Once daily"
	case TwiceDaily:
		return "Twice daily"
	case ThreeTimesDaily:
		return "Three times daily"
	case EveryOtherDay:
		return "Every other day"
	case Weekly:
		return "Weekly"
	case AsNeeded:
		return "As needed"
	}
	return string(f)
}

// MinutesPerDay is the modulus for clock arithmetic.
const MinutesPerDay = 24 * 60

// ClockTime is a time of day in minutes since midnight, always in [0, 1440).
type ClockTime int

// ParseClock parses a 24-hour "HH:MM" string. Minutes need two digits and
// signs are rejected.
func ParseClock(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	return ClockOf(t), nil
}

// MustClock is ParseClock for constants and tests.
func MustClock(s string) ClockTime {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ClockOf returns the clock time of t in t's location, truncated to the minute.
func ClockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) Minutes() int {
	return int(c)
}

// Add shifts the clock by minutes, wrapping around midnight.
func (c ClockTime) Add(minutes int) ClockTime {
	v := (int(c) + minutes) % MinutesPerDay
	if v < 0 {
		v += MinutesPerDay
	}
	return ClockTime(v)
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// On returns the instant at this clock time on day's calendar date.
func (c ClockTime) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, day.Location())
}

// Medication is a validated medication. Values are only built by Parse, so the
// scheduling core never re-checks optional fields.
type Medication struct {
	ID           string
	UserID       string
	Name         string
	Dosage       string
	Frequency    Frequency
	Time         ClockTime
	StartDate    time.Time
	EndDate      *time.Time
	Taken        bool
	TakenAt      *time.Time
	Instructions string
	Stock        *int
	Color        string
}

// TakenOn reports whether the last acknowledgment fell on day's calendar date.
// It survives the daily reset of Taken.
func (m Medication) TakenOn(day time.Time) bool {
	return m.TakenAt != nil && civilDays(m.TakenAt.In(day.Location()), day) == 0
}

// DosageOrDefault is the dosage text used in notification bodies.
func (m Medication) DosageOrDefault() string {
	if strings.TrimSpace(m.Dosage) == "" {
		return "prescribed"
	}
	return m.Dosage
}

// Record is the loosely typed shape medications arrive in from the profile
// store, the HTTP API and YAML imports.
type Record struct {
	ID           string     `json:"id" yaml:"id"`
	UserID       string     `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Name         string     `json:"name" yaml:"name"`
	Dosage       string     `json:"dosage" yaml:"dosage"`
	Frequency    string     `json:"frequency" yaml:"frequency"`
	Time         string     `json:"time" yaml:"time"`
	StartDate    string     `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate      string     `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	Taken        bool       `json:"taken" yaml:"taken"`
	TakenAt      *time.Time `json:"taken_at,omitempty" yaml:"-"`
	Instructions string     `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Stock        *int       `json:"stock,omitempty" yaml:"stock,omitempty"`
	Color        string     `json:"color,omitempty" yaml:"color,omitempty"`
}
