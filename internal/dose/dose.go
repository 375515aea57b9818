// Package dose classifies scheduled dose instants against the current time.
package dose

import (
	"time"

	"github.com/gmsas95/medx/internal/medication"
)

// Status is where a dose instant sits relative to now.
type Status string

const (
	StatusUpcoming Status = "upcoming"
	StatusDue      Status = "due"
	StatusMissed   Status = "missed"
	StatusInactive Status = "inactive"
)

// Kind is the notification a dose event fires.
type Kind string

const (
	KindReminder Kind = "reminder"
	KindMissed   Kind = "missed"
)

// MissedWindowMinutes is how long after the instant a dose still alerts.
const MissedWindowMinutes = 60

const halfDay = medication.MinutesPerDay / 2

// Diff returns instant minus now in minutes, folded into [-720, 720] so a
// clock time near midnight is read as the nearer of yesterday, today or tomorrow.
func Diff(instant, now medication.ClockTime) int {
	diff := instant.Minutes() - now.Minutes()
	if diff < -halfDay {
		diff += medication.MinutesPerDay
	}
	if diff > halfDay {
		diff -= medication.MinutesPerDay
	}
	return diff
}

// ReminderFires is the forward-looking trigger: inside the lead window or up
// to an hour past the instant.
func ReminderFires(diff, lead int) bool {
	return diff <= lead && diff > -MissedWindowMinutes
}

// MissedFires is the backward-looking trigger: past the instant by at most an hour.
func MissedFires(diff int) bool {
	return diff < 0 && diff >= -MissedWindowMinutes
}

// Classify is the preference-free status of one instant. The reminder and
// missed windows overlap; inside the overlap the reminder status wins and
// Missed is only reported at the trailing edge.
func Classify(instant, now medication.ClockTime, lead int) Status {
	diff := Diff(instant, now)
	switch {
	case diff > 0 && diff <= lead:
		return StatusUpcoming
	case ReminderFires(diff, lead):
		return StatusDue
	case MissedFires(diff):
		return StatusMissed
	}
	return StatusInactive
}

// Gate is the read side of the preference snapshot.
type Gate interface {
	IsReminderEnabled() bool
	IsMissedAlertEnabled() bool
	LeadMinutes() int
}

// Event is one dose needing attention, recomputed every tick.
type Event struct {
	MedicationID string
	Instant      medication.ClockTime
	Day          string
	At           time.Time
	Diff         int
	Status       Status
	Kind         Kind
}

// Slot identifies the dose within its day, so multi-dose schedules get one
// notification per dose.
func (e Event) Slot() string {
	return e.Instant.String()
}

// Evaluate expands the medication around now and returns every firing
// event in instant order. Both kinds may fire for the same dose. Yesterday's
// doses are skipped when they were acknowledged yesterday.
func Evaluate(m medication.Medication, gate Gate, now time.Time) []Event {
	if m.Taken {
		return nil
	}

	reminders := gate.IsReminderEnabled()
	missed := gate.IsMissedAlertEnabled()
	if !reminders && !missed {
		return nil
	}
	lead := gate.LeadMinutes()
	nowClock := medication.ClockOf(now)
	today := medication.StartOfDay(now)

	var events []Event
	for offset := -1; offset <= 1; offset++ {
		day := today.AddDate(0, 0, offset)
		if offset < 0 && m.TakenOn(day) {
			continue
		}
		for _, instant := range medication.Expand(m, day) {
			diff := Diff(instant, nowClock)
			if impliedOffset(instant, nowClock, diff) != offset {
				continue
			}

			base := Event{
				MedicationID: m.ID,
				Instant:      instant,
				Day:          medication.DayKey(day),
				At:           instant.On(day),
				Diff:         diff,
			}

			if reminders && ReminderFires(diff, lead) {
				e := base
				e.Kind = KindReminder
				e.Status = StatusDue
				if diff > 0 {
					e.Status = StatusUpcoming
				}
				events = append(events, e)
			}
			if missed && MissedFires(diff) {
				e := base
				e.Kind = KindMissed
				e.Status = StatusMissed
				events = append(events, e)
			}
		}
	}
	return events
}

// impliedOffset is the day, relative to today, that the folded diff refers to.
func impliedOffset(instant, now medication.ClockTime, diff int) int {
	raw := instant.Minutes() - now.Minutes()
	switch diff - raw {
	case medication.MinutesPerDay:
		return 1
	case -medication.MinutesPerDay:
		return -1
	}
	return 0
}

// Schedule is a classified dose for display.
type Schedule struct {
	medication.Dose
	Status Status `json:"status"`
	Taken  bool   `json:"taken"`
}

// Today lists today's doses for the medications with their display status.
func Today(meds []medication.Medication, lead int, now time.Time) []Schedule {
	var out []Schedule
	nowClock := medication.ClockOf(now)
	for _, m := range meds {
		for _, d := range medication.ExpandRange(m, now, 1) {
			status := StatusInactive
			if !m.Taken {
				status = Classify(d.Clock, nowClock, lead)
			}
			out = append(out, Schedule{Dose: d, Status: status, Taken: m.Taken})
		}
	}
	return out
}
