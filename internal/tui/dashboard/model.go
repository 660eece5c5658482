// Package dashboard is the live terminal view of mesh state: a header with
// connection status and graph summary, a services panel, and an alerts panel.
package dashboard

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/meshview/meshview/internal/alerts"
	"github.com/meshview/meshview/internal/diag"
	"github.com/meshview/meshview/internal/topology"
	"github.com/meshview/meshview/internal/tui"
)

// Panel identifies which dashboard panel is focused.
type Panel int

const (
	PanelServices Panel = iota
	PanelAlerts
)

// Acknowledger marks an alert acknowledged; the session implements it.
type Acknowledger interface {
	AcknowledgeAlert(id, notes string) error
}

// Model is the root dashboard TUI model.
type Model struct {
	header   headerModel
	services servicesModel
	alerts   alertsModel
	help     helpModel

	ack Acknowledger

	activePanel Panel
	width       int
	height      int
	quitting    bool

	// flash is a transient error line shown under the alerts panel, set when
	// an acknowledge attempt fails and cleared on the next successful one.
	flash string
}

// NewModel creates a dashboard model from initial state.
func NewModel(status diag.StatusInfo, snap topology.Snapshot, feed []alerts.Entry, ack Acknowledger) Model {
	return Model{
		header:   newHeader(status, snap.Summary, snap.Overview),
		services: newServices(snap.Nodes),
		alerts:   newAlerts(feed),
		help:     newHelp(),
		ack:      ack,
	}
}

// StatusUpdateMsg carries fresh session status.
type StatusUpdateMsg struct {
	Status diag.StatusInfo
}

// TopologyUpdateMsg carries a fresh graph snapshot.
type TopologyUpdateMsg struct {
	Snapshot topology.Snapshot
}

// AlertsUpdateMsg carries the current alert feed.
type AlertsUpdateMsg struct {
	Feed []alerts.Entry
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("tab"))):
			if m.activePanel == PanelServices {
				m.activePanel = PanelAlerts
			} else {
				m.activePanel = PanelServices
			}
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("a"))):
			if m.activePanel == PanelAlerts && m.ack != nil {
				if id := m.alerts.selectedID(); id != "" {
					if err := m.ack.AcknowledgeAlert(id, ""); err != nil {
						m.flash = "acknowledge failed: " + err.Error()
					} else {
						m.flash = ""
					}
				}
			}
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
			m.help.toggle()
			return m, nil
		}

	case StatusUpdateMsg:
		m.header.updateStatus(msg.Status)
		return m, nil

	case TopologyUpdateMsg:
		m.header.updateGraph(msg.Snapshot.Summary, msg.Snapshot.Overview)
		m.services.update(msg.Snapshot.Nodes)
		return m, nil

	case AlertsUpdateMsg:
		m.alerts.update(msg.Feed)
		return m, nil
	}

	// Delegate to active panel.
	var cmd tea.Cmd
	switch m.activePanel {
	case PanelServices:
		m.services, cmd = m.services.Update(msg)
	case PanelAlerts:
		m.alerts, cmd = m.alerts.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}

	headerView := m.header.View(m.width)

	svcStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)

	alertStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)

	if m.activePanel == PanelServices {
		svcStyle = svcStyle.BorderForeground(tui.ColorPrimary)
	} else {
		alertStyle = alertStyle.BorderForeground(tui.ColorPrimary)
	}

	svcView := svcStyle.Render(
		tui.Subtitle.Render(" Services") + "\n" + m.services.View(),
	)
	alertView := alertStyle.Render(
		tui.Subtitle.Render(" Alerts") + "\n" + m.alerts.View(),
	)

	parts := []string{headerView, svcView, alertView}
	if m.flash != "" {
		parts = append(parts, tui.ErrorStyle.Render(" "+m.flash))
	}
	parts = append(parts, m.help.bar())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// Quitting returns true if the user quit.
func (m Model) Quitting() bool { return m.quitting }
