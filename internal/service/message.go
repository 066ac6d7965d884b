package service

import (
	"fmt"
	"strings"

	"github.com/LeventeLantos/medication-reminders/internal/model"
)

// FormatReminder renders the chat text for one scheduled dose.
func FormatReminder(it model.ScheduleItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💊 Medication reminder (%s)\n", it.TimeOfDay)
	fmt.Fprintf(&b, "Time to take %s", it.Medicine)
	if it.Dosage != "" {
		fmt.Fprintf(&b, ": %s", it.Dosage)
	}
	b.WriteString(".")
	return b.String()
}

func formatCancelled(c CancelledItem) string {
	return fmt.Sprintf("⚠️ Reminder cancelled\nchat: %s\nmedicine: %s\nreason: %s", c.ChatID, c.Medicine, c.Reason)
}

func formatSweep(r SweepReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🧹 %d reminder(s) finished their course", len(r.Expired))
	for _, e := range r.Expired {
		fmt.Fprintf(&b, "\n- %s (chat %s)", e.Medicine, e.ChatID)
	}
	fmt.Fprintf(&b, "\nactive: %d, expired: %d, cancelled: %d",
		r.Counts[model.Active], r.Counts[model.Expired], r.Counts[model.Cancelled])
	return b.String()
}
