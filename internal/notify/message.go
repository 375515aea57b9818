package notify

import (
	"fmt"

	"github.com/gmsas95/medx/internal/dose"
	"github.com/gmsas95/medx/internal/medication"
)

// Notification kinds beyond the two dose kinds.
const (
	KindReminder  = string(dose.KindReminder)
	KindMissed    = string(dose.KindMissed)
	KindLowStock  = "low_stock"
	KindTest      = "test"
	KindCaregiver = "caregiver"
)

// DefaultTargetView is where a click on a dose notification lands.
const DefaultTargetView = "/dashboard"

// Message is what a surface shows. TargetView is opaque to the core.
type Message struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Kind       string `json:"kind"`
	TargetView string `json:"url,omitempty"`
	Tag        string `json:"tag,omitempty"`
}

// DoseMessage builds the reminder or missed-dose text for an event.
func DoseMessage(m medication.Medication, ev dose.Event, targetView string) Message {
	msg := Message{
		Kind:       string(ev.Kind),
		TargetView: targetView,
		Tag:        fmt.Sprintf("%s-%s-%s", ev.Kind, m.ID, ev.Slot()),
	}

	switch ev.Kind {
	case dose.KindMissed:
		msg.Title = fmt.Sprintf("Time to take %s!", m.Name)
		msg.Body = fmt.Sprintf("Your %s dose of %s is %d minutes overdue.", m.DosageOrDefault(), m.Name, -ev.Diff)
	default:
		msg.Title = fmt.Sprintf("Medication Reminder: %s", m.Name)
		if ev.Diff > 0 {
			msg.Body = fmt.Sprintf("Your %s dose of %s is due in %d minutes.", m.DosageOrDefault(), m.Name, ev.Diff)
		} else {
			msg.Body = fmt.Sprintf("Your %s dose of %s is due now.", m.DosageOrDefault(), m.Name)
		}
	}

	if m.Instructions != "" {
		msg.Body += " " + m.Instructions
	}
	return msg
}

// LowStockMessage warns the patient that a refill is needed.
func LowStockMessage(m medication.Medication, stock int, targetView string) Message {
	return Message{
		Title:      fmt.Sprintf("Low stock: %s", m.Name),
		Body:       fmt.Sprintf("Your %s stock is running low (%d left). Consider refilling soon.", m.Name, stock),
		Kind:       KindLowStock,
		TargetView: targetView,
		Tag:        "low-stock-" + m.ID,
	}
}

// TestMessage is sent from the settings screen to verify delivery.
func TestMessage() Message {
	return Message{
		Title: "Test Notification",
		Body:  "This is a test notification from MedX",
		Kind:  KindTest,
	}
}

// PermissionNeededMessage is the one-time notice shown when notifications
// cannot be delivered.
func PermissionNeededMessage() Message {
	return Message{
		Title: "Notifications are unavailable",
		Body:  "Enable notification permission to receive medication reminders.",
		Kind:  "permission",
	}
}
