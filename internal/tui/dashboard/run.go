package dashboard

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/meshview/meshview/internal/alerts"
	"github.com/meshview/meshview/internal/diag"
	"github.com/meshview/meshview/internal/eventbus"
	"github.com/meshview/meshview/internal/topology"
)

// Source supplies the dashboard with live state; the session implements it.
type Source interface {
	Acknowledger
	Bus() *eventbus.Bus
	Status() diag.StatusInfo
	Topology() *topology.Store
	Alerts() *alerts.Buffer
}

// Run displays the dashboard TUI until the user quits or the context is
// canceled. State flows in through bus notifications plus a coarse timer for
// the uptime and connection fields.
func Run(ctx context.Context, src Source) error {
	m := NewModel(src.Status(), src.Topology().Snapshot(), src.Alerts().Snapshot(), src)
	p := tea.NewProgram(m, tea.WithAltScreen())

	events := src.Bus().Subscribe(
		eventbus.TopologyUpdated,
		eventbus.AlertsUpdated,
		eventbus.PushConnected,
		eventbus.PushDisconnected,
		eventbus.PushReconnecting,
		eventbus.PushExhausted,
	)
	defer src.Bus().Unsubscribe(events)

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.Quit()
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Type {
				case eventbus.TopologyUpdated:
					p.Send(TopologyUpdateMsg{Snapshot: src.Topology().Snapshot()})
				case eventbus.AlertsUpdated:
					p.Send(AlertsUpdateMsg{Feed: src.Alerts().Snapshot()})
				default:
					p.Send(StatusUpdateMsg{Status: src.Status()})
				}
			case <-ticker.C:
				p.Send(StatusUpdateMsg{Status: src.Status()})
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
