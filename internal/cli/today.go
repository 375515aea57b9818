package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/gmsas95/medx/internal/dose"
	"github.com/gmsas95/medx/internal/notify"
)

// PrintToday writes the dose table for `medx today`.
func PrintToday(w io.Writer, doses []dose.Schedule, color bool) {
	if len(doses) == 0 {
		fmt.Fprintln(w, "No doses scheduled today.")
		return
	}

	s := newStyles(color)
	fmt.Fprintln(w, s.header.Render(fmt.Sprintf("%-6s %-28s %s", "TIME", "MEDICATION", "STATUS")))
	for _, d := range doses {
		fmt.Fprintln(w, s.status(d).Render(fmt.Sprintf("%-6s %-28s %s", d.Clock, d.Name, d.Status)))
	}
}

func (s styles) status(d dose.Schedule) lipgloss.Style {
	switch d.Status {
	case dose.StatusDue:
		return s.due
	case dose.StatusMissed:
		return s.fail
	case dose.StatusUpcoming:
		return s.ok
	}
	return s.muted
}

// PrintSummary writes the result of `medx check`.
func PrintSummary(w io.Writer, sum notify.Summary) {
	fmt.Fprintf(w, "delivered=%d suppressed=%d failed=%d\n", sum.Delivered, sum.Suppressed, sum.Failed)
	for _, e := range sum.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}
