package medication

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/gmsas95/medx/internal/errors"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// ParseDate reads a calendar date in loc. Time-of-day components are dropped.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return StartOfDay(t.In(loc)), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DayKey formats the calendar day used in notification identities.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Parse validates a record in the local time zone.
func Parse(r Record) (Medication, error) {
	return ParseIn(r, time.Local)
}

// ParseIn validates a record and converts it to a Medication. It fails closed:
// anything the scheduler could not act on is rejected here.
func ParseIn(r Record, loc *time.Location) (Medication, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return Medication{}, apperrors.WithCause(apperrors.ErrInvalidMedication, fmt.Errorf("medication %q has no name", r.ID))
	}
	if strings.TrimSpace(r.Time) == "" {
		return Medication{}, apperrors.WithCause(apperrors.ErrInvalidMedication, fmt.Errorf("medication %q has no time", name))
	}

	clock, err := ParseClock(r.Time)
	if err != nil {
		return Medication{}, apperrors.WithCause(apperrors.ErrClassificationAmbiguity, fmt.Errorf("%s: %w", name, err))
	}

	freq, err := ParseFrequency(r.Frequency)
	if err != nil {
		return Medication{}, apperrors.WithCause(apperrors.ErrInvalidMedication, fmt.Errorf("%s: %w", name, err))
	}

	med := Medication{
		ID:           r.ID,
		UserID:       r.UserID,
		Name:         name,
		Dosage:       strings.TrimSpace(r.Dosage),
		Frequency:    freq,
		Time:         clock,
		Taken:        r.Taken,
		TakenAt:      r.TakenAt,
		Instructions: strings.TrimSpace(r.Instructions),
		Stock:        r.Stock,
		Color:        r.Color,
	}

	if r.StartDate != "" {
		start, err := ParseDate(r.StartDate, loc)
		if err != nil {
			return Medication{}, apperrors.WithCause(apperrors.ErrInvalidMedication, fmt.Errorf("%s: start date: %w", name, err))
		}
		med.StartDate = start
	}
	if med.StartDate.IsZero() && (freq == EveryOtherDay || freq == Weekly) {
		return Medication{}, apperrors.WithCause(apperrors.ErrInvalidMedication, fmt.Errorf("%s: %s needs a start date", name, freq.Label()))
	}

	if r.EndDate != "" {
		end, err := ParseDate(r.EndDate, loc)
		if err != nil {
			return Medication{}, apperrors.WithCause(apperrors.ErrInvalidMedication, fmt.Errorf("%s: end date: %w", name, err))
		}
		if !med.StartDate.IsZero() && end.Before(med.StartDate) {
			return Medication{}, apperrors.WithCause(apperrors.ErrInvalidMedication, fmt.Errorf("%s: end date before start date", name))
		}
		med.EndDate = &end
	}

	return med, nil
}

// WithDefaultStart fills a missing start date with today's date in loc, so
// day-counting schedules have an anchor.
func (r Record) WithDefaultStart(now time.Time, loc *time.Location) Record {
	if strings.TrimSpace(r.StartDate) == "" {
		r.StartDate = DayKey(now.In(loc))
	}
	return r
}

// Rejected pairs a record with the reason it was filtered out.
type Rejected struct {
	Record Record
	Err    error
}

// ParseAll splits records into valid medications, in input order, and rejects.
func ParseAll(records []Record, loc *time.Location) ([]Medication, []Rejected) {
	meds := make([]Medication, 0, len(records))
	var rejected []Rejected
	for _, r := range records {
		m, err := ParseIn(r, loc)
		if err != nil {
			rejected = append(rejected, Rejected{Record: r, Err: err})
			continue
		}
		meds = append(meds, m)
	}
	return meds, rejected
}

// ToRecord converts back to the loose form, for API responses and exports.
func (m Medication) ToRecord() Record {
	r := Record{
		ID:           m.ID,
		UserID:       m.UserID,
		Name:         m.Name,
		Dosage:       m.Dosage,
		Frequency:    string(m.Frequency),
		Time:         m.Time.String(),
		Taken:        m.Taken,
		TakenAt:      m.TakenAt,
		Instructions: m.Instructions,
		Stock:        m.Stock,
		Color:        m.Color,
	}
	if !m.StartDate.IsZero() {
		r.StartDate = DayKey(m.StartDate)
	}
	if m.EndDate != nil {
		r.EndDate = DayKey(*m.EndDate)
	}
	return r
}
