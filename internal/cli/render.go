package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/me/clusterui/pkg/model"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	waitingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	labelStyle   = lipgloss.NewStyle().Bold(true)
)

func stateStyle(d *model.SessionDescriptor) lipgloss.Style {
	switch d.State {
	case model.SessionStateRunning:
		return okStyle
	case model.SessionStateTerminal:
		if d.TerminationReason == model.ReasonUserClosed {
			return mutedStyle
		}
		return errorStyle
	case model.SessionStateClosing:
		return mutedStyle
	default:
		return waitingStyle
	}
}

// renderSessions writes the sessions as a table.
func renderSessions(w io.Writer, sessions []*model.SessionDescriptor, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no sessions"))
		return
	}

	rows := make([][]string, 0, len(sessions))
	for _, d := range sessions {
		rows = append(rows, []string{
			shortID(d.ID),
			orDash(d.RequestID),
			string(d.State),
			orDash(string(d.TerminationReason)),
			orDash(d.Request.Profile.Name),
			string(d.Request.Transport),
			orDash(d.ExecutionEndpoint.Address),
			strconv.Itoa(d.Preemptions),
			age(d.CreatedAt, now),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "REQUEST", "STATE", "REASON", "PROFILE", "TRANSPORT", "ENDPOINT", "PREEMPT", "AGE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 && row >= 0 && row < len(sessions) {
				return stateStyle(sessions[row]).Padding(0, 1)
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

// renderSession writes the detail view for one session.
func renderSession(w io.Writer, d *model.SessionDescriptor) {
	line := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-11s", label+":")), value)
	}
	line("Session", d.ID)
	line("Request", orDash(d.RequestID))
	line("State", stateStyle(d).Render(string(d.State)))
	if d.TerminationReason != "" {
		line("Reason", string(d.TerminationReason))
	}
	if d.Detail != "" {
		line("Detail", d.Detail)
	}
	line("Profile", orDash(d.Request.Profile.Name))
	line("Transport", string(d.Request.Transport))
	if d.Request.TimeLimit > 0 {
		line("Time limit", d.Request.TimeLimit.String())
	}
	if !d.ExecutionEndpoint.IsZero() {
		ep := d.ExecutionEndpoint.Address
		if d.ExecutionEndpoint.Slot != "" {
			ep += " (" + d.ExecutionEndpoint.Slot + ")"
		}
		line("Endpoint", ep)
	}
	if d.Preemptions > 0 {
		line("Preempted", strconv.Itoa(d.Preemptions)+"x")
	}
	line("Created", d.CreatedAt.Local().Format(time.DateTime))
	if d.RunningSince != nil {
		line("Running", d.RunningSince.Local().Format(time.DateTime))
	}
	if d.ClosedAt != nil {
		line("Closed", d.ClosedAt.Local().Format(time.DateTime))
	}
}

// summaryLine is printed when a session run by this process ends.
func summaryLine(d *model.SessionDescriptor) string {
	id := d.RequestID
	if id == "" {
		id = "(not submitted)"
	}
	msg := fmt.Sprintf("session %s ended: %s", id, d.TerminationReason)
	if d.Detail != "" {
		msg += " (" + d.Detail + ")"
	}
	return stateStyle(d).Render(msg)
}

func shortID(id string) string {
	const n = len("ses_") + 8
	if len(id) > n {
		return id[:n]
	}
	return id
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func age(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return d.Round(time.Second).String()
	case d < time.Hour:
		return d.Round(time.Minute).String()
	default:
		return d.Round(time.Hour).String()
	}
}
