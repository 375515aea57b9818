package medication

import (
	"sort"
	"time"
)

// civilDays counts calendar days from a to b, each read in its own location,
// ignoring DST shifts.
func civilDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

// ActiveOn reports whether day falls inside the medication's start/end window.
func (m Medication) ActiveOn(day time.Time) bool {
	if !m.StartDate.IsZero() && civilDays(m.StartDate, day) < 0 {
		return false
	}
	if m.EndDate != nil && civilDays(*m.EndDate, day) > 0 {
		return false
	}
	return true
}

// Expand returns the dose times scheduled on ref's calendar day.
func Expand(m Medication, ref time.Time) []ClockTime {
	if m.Frequency == AsNeeded || !m.ActiveOn(ref) {
		return nil
	}

	switch m.Frequency {
	case OnceDaily:
		return []ClockTime{m.Time}
	case TwiceDaily:
		return []ClockTime{m.Time, m.Time.Add(12 * 60)}
	case ThreeTimesDaily:
		return []ClockTime{m.Time, m.Time.Add(8 * 60), m.Time.Add(16 * 60)}
	case EveryOtherDay:
		if !m.StartDate.IsZero() && civilDays(m.StartDate, ref)%2 == 0 {
			return []ClockTime{m.Time}
		}
		return nil
	case Weekly:
		if !m.StartDate.IsZero() && ref.Weekday() == m.StartDate.Weekday() {
			return []ClockTime{m.Time}
		}
		return nil
	}
	return nil
}

// Dose is one scheduled dose on a concrete date.
type Dose struct {
	MedicationID string    `json:"medication_id"`
	Name         string    `json:"name"`
	At           time.Time `json:"at"`
	Clock        ClockTime `json:"time"`
}

// ExpandRange expands over days calendar days starting at from, sorted by time.
func ExpandRange(m Medication, from time.Time, days int) []Dose {
	var doses []Dose
	day := StartOfDay(from)
	for i := 0; i < days; i++ {
		d := day.AddDate(0, 0, i)
		for _, c := range Expand(m, d) {
			doses = append(doses, Dose{
				MedicationID: m.ID,
				Name:         m.Name,
				At:           c.On(d),
				Clock:        c,
			})
		}
	}
	sort.SliceStable(doses, func(i, j int) bool { return doses[i].At.Before(doses[j].At) })
	return doses
}
