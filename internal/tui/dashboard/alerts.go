package dashboard

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/meshview/meshview/internal/alerts"
	"github.com/meshview/meshview/internal/tui"
)

const maxAlertRows = 10

type alertsModel struct {
	items  []alerts.Entry
	cursor int
	offset int
}

func newAlerts(feed []alerts.Entry) alertsModel {
	return alertsModel{items: feed}
}

func (a *alertsModel) update(feed []alerts.Entry) {
	a.items = feed
	if a.cursor >= len(a.items) {
		a.cursor = max(0, len(a.items)-1)
	}
	a.clampOffset()
}

func (a *alertsModel) selectedID() string {
	if a.cursor < 0 || a.cursor >= len(a.items) {
		return ""
	}
	return a.items[a.cursor].ID
}

func (a *alertsModel) clampOffset() {
	if a.cursor < a.offset {
		a.offset = a.cursor
	}
	if a.cursor >= a.offset+maxAlertRows {
		a.offset = a.cursor - maxAlertRows + 1
	}
	if a.offset < 0 {
		a.offset = 0
	}
}

func (a alertsModel) Update(msg tea.Msg) (alertsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "j", "down":
			if a.cursor < len(a.items)-1 {
				a.cursor++
			}
		case "k", "up":
			if a.cursor > 0 {
				a.cursor--
			}
		case "G":
			a.cursor = max(0, len(a.items)-1)
		case "g":
			a.cursor = 0
		}
		a.clampOffset()
	}
	return a, nil
}

func (a alertsModel) View() string {
	if len(a.items) == 0 {
		return tui.Dimmed.Render("  No alerts")
	}

	end := min(a.offset+maxAlertRows, len(a.items))
	rows := ""
	for i := a.offset; i < end; i++ {
		e := a.items[i]
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == a.cursor {
			cursor = tui.Selected.Render("> ")
			style = style.Bold(true)
		}

		ack := " "
		if e.Acknowledged {
			ack = tui.Success.Render("✓")
		}

		title := e.Title
		if len(title) > 60 {
			title = title[:60]
		}
		svc := e.Service
		if svc != "" && e.Namespace != "" {
			svc = e.Namespace + "/" + svc
		}

		row := fmt.Sprintf("%s %-8s %-60s %-24s %s",
			ack,
			tui.SeverityStyle(e.Severity).Render(e.Severity),
			style.Render(title),
			tui.Dimmed.Render(svc),
			tui.Dimmed.Render(formatAge(e.CreatedAt)),
		)
		rows += cursor + row + "\n"
	}

	if len(a.items) > maxAlertRows {
		rows += tui.Dimmed.Render(fmt.Sprintf("  %d-%d of %d", a.offset+1, end, len(a.items))) + "\n"
	}
	return rows
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
