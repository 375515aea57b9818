// Package caregiver alerts a patient's dear ones about missed doses and low
// medication stock.
package caregiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gmsas95/medx/internal/dose"
	"github.com/gmsas95/medx/internal/medication"
	"github.com/gmsas95/medx/internal/metrics"
	"github.com/gmsas95/medx/internal/store"
)

// Alert reasons, recorded in metrics and the notification slot.
const (
	ReasonMissedDose = "missed_dose"
	ReasonLowStock   = "low_stock"
)

// Kind is the notification kind caregiver alerts are logged under.
const Kind = "caregiver"

// ErrNoAddress means the dear one has no contact for a sender's medium.
var ErrNoAddress = errors.New("no address for medium")

// Sender delivers one alert over one medium.
type Sender interface {
	Medium() string
	Send(ctx context.Context, to store.DearOne, subject, body string) error
}

// Directory is the part of the profile store alerts read from.
type Directory interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	DearOnes(ctx context.Context, userID string) ([]store.DearOne, error)
}

// Log de-duplicates alerts. It is satisfied by the notification store.
type Log interface {
	WasSent(ctx context.Context, id store.Identity) (bool, error)
	AppendNotification(ctx context.Context, rec *store.NotificationRecord) (bool, error)
}

// Options configures a Notifier.
type Options struct {
	Directory Directory
	Log       Log
	Senders   []Sender
	// RatePerMinute caps outgoing messages across all dear ones. Zero means 30.
	RatePerMinute int
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Notifier sends caregiver alerts at most once per event.
type Notifier struct {
	directory Directory
	log       Log
	senders   []Sender
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a notifier
func New(opts Options) *Notifier {
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 30
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Notifier{
		directory: opts.Directory,
		log:       opts.Log,
		senders:   opts.Senders,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), opts.RatePerMinute),
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// MissedDose alerts dear ones who opted into missed-dose alerts. It returns
// the number of messages sent.
func (n *Notifier) MissedDose(ctx context.Context, m medication.Medication, ev dose.Event, now time.Time) int {
	id := store.Identity{
		UserID:       m.UserID,
		MedicationID: m.ID,
		Day:          ev.Day,
		Kind:         Kind,
		Slot:         ReasonMissedDose + "/" + ev.Slot(),
	}
	return n.alert(ctx, id, ReasonMissedDose, now, func(patient string, d store.DearOne) (string, string, bool) {
		if !d.NotifyMissedDose {
			return "", "", false
		}
		subject := fmt.Sprintf("Medication Alert: %s missed a dose", patient)
		body := fmt.Sprintf("%s has missed their scheduled dose of %s (%s) at %s.",
			patient, m.Name, m.DosageOrDefault(), ev.Instant)
		return subject, body, true
	})
}

// LowStock alerts dear ones who opted into low-stock alerts, once per
// medication and day.
func (n *Notifier) LowStock(ctx context.Context, m medication.Medication, stock int, now time.Time) int {
	id := store.Identity{
		UserID:       m.UserID,
		MedicationID: m.ID,
		Day:          medication.DayKey(now),
		Kind:         Kind,
		Slot:         ReasonLowStock,
	}
	return n.alert(ctx, id, ReasonLowStock, now, func(patient string, d store.DearOne) (string, string, bool) {
		if !d.NotifyLowStock {
			return "", "", false
		}
		subject := fmt.Sprintf("Medication Alert: %s's medication is running low", patient)
		body := fmt.Sprintf("%s's medication %s (%s) is running low. Current stock: %d units.",
			patient, m.Name, m.DosageOrDefault(), stock)
		return subject, body, true
	})
}

type composeFunc func(patient string, d store.DearOne) (subject, body string, ok bool)

func (n *Notifier) alert(ctx context.Context, id store.Identity, reason string, now time.Time, compose composeFunc) int {
	logger := n.logger.With(
		zap.String("user_id", id.UserID),
		zap.String("medication_id", id.MedicationID),
		zap.String("reason", reason),
	)

	sent, err := n.log.WasSent(ctx, id)
	if err != nil {
		logger.Warn("Caregiver alert lookup failed", zap.Error(err))
	}
	if sent {
		return 0
	}

	dearOnes, err := n.directory.DearOnes(ctx, id.UserID)
	if err != nil {
		logger.Error("Failed to load dear ones", zap.Error(err))
		return 0
	}
	if len(dearOnes) == 0 {
		return 0
	}

	patient := "Your contact"
	if user, err := n.directory.GetUser(ctx, id.UserID); err == nil && user.DisplayName != "" {
		patient = user.DisplayName
	}

	count := 0
	var subject, body string
	for _, d := range dearOnes {
		s, b, ok := compose(patient, d)
		if !ok {
			continue
		}
		subject, body = s, b

		for _, sender := range n.senders {
			if !addressed(d, sender.Medium()) {
				continue
			}
			if err := n.limiter.Wait(ctx); err != nil {
				logger.Warn("Caregiver alert rate limit wait aborted", zap.Error(err))
				return count
			}
			err := sender.Send(ctx, d, s, b)
			switch {
			case errors.Is(err, ErrNoAddress):
				continue
			case err != nil:
				logger.Warn("Caregiver alert failed",
					zap.String("dear_one_id", d.ID),
					zap.String("medium", sender.Medium()),
					zap.Error(err),
				)
				continue
			}
			count++
			n.metrics.RecordCaregiverAlert(sender.Medium(), reason)
		}
	}

	if count == 0 {
		return 0
	}

	_, err = n.log.AppendNotification(ctx, &store.NotificationRecord{
		UserID:       id.UserID,
		MedicationID: id.MedicationID,
		Day:          id.Day,
		Kind:         id.Kind,
		Slot:         id.Slot,
		Title:        subject,
		Body:         body,
		Channel:      Kind,
		Read:         true,
		CreatedAt:    now,
	})
	if err != nil {
		logger.Warn("Failed to record caregiver alert", zap.Error(err))
	}

	logger.Info("Caregiver alerts sent", zap.Int("count", count))
	return count
}

// addressed reports whether d has a contact for medium. Unknown media are left
// to the sender.
func addressed(d store.DearOne, medium string) bool {
	switch medium {
	case "email":
		return d.Email != ""
	case "sms":
		return d.Phone != ""
	case "telegram":
		return d.TelegramChatID != 0
	case "discord":
		return d.DiscordUserID != ""
	}
	return true
}
