package dashboard

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/meshview/meshview/internal/diag"
	"github.com/meshview/meshview/internal/topology"
	"github.com/meshview/meshview/internal/tui"
	"github.com/meshview/meshview/pkg/wire"
)

type headerModel struct {
	status   diag.StatusInfo
	summary  topology.Summary
	overview *wire.Overview
}

func newHeader(status diag.StatusInfo, summary topology.Summary, overview *wire.Overview) headerModel {
	return headerModel{status: status, summary: summary, overview: overview}
}

func (h *headerModel) updateStatus(status diag.StatusInfo) {
	h.status = status
}

func (h *headerModel) updateGraph(summary topology.Summary, overview *wire.Overview) {
	h.summary = summary
	h.overview = overview
}

func (h headerModel) View(width int) string {
	left := tui.Title.Render("Meshview")

	dot := tui.StatusDot(h.status.Connected, h.status.Reconnecting)
	statusLabel := tui.StatusText(h.status.Connected, h.status.Reconnecting)
	right := fmt.Sprintf("%s  %s %s", h.status.PushURL, dot, statusLabel)

	info := fmt.Sprintf("  Services: %d   Connections: %d   Uptime: %s",
		h.summary.TotalServices, h.summary.TotalConnections, h.formatUptime())

	healthy := tui.Success.Render(fmt.Sprintf("%d healthy", h.summary.Healthy))
	warning := tui.WarningStyle.Render(fmt.Sprintf("%d warning", h.summary.Warning))
	critical := tui.ErrorStyle.Render(fmt.Sprintf("%d critical", h.summary.Critical))
	unknown := tui.Dimmed.Render(fmt.Sprintf("%d unknown", h.summary.Unknown))
	info += "\n  " + healthy + "  " + warning + "  " + critical + "  " + unknown

	if h.overview != nil {
		info += tui.Dimmed.Render(fmt.Sprintf("   |  %.1f req/s  %.2f%% errors  p95 %.0fms",
			h.overview.RequestRate, h.overview.ErrorRate*100, h.overview.P95LatencyMS))
	}

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(width - 2).
		Padding(0, 1)

	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(width-lipgloss.Width(left)-lipgloss.Width(right)-6).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + tui.Description.Render(info))
}

func (h headerModel) formatUptime() string {
	if h.status.StartedAt.IsZero() {
		return h.status.Uptime
	}
	d := time.Since(h.status.StartedAt)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
