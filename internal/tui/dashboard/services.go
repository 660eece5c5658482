package dashboard

import (
	"fmt"
	"sort"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/meshview/meshview/internal/topology"
	"github.com/meshview/meshview/internal/tui"
)

const maxServiceRows = 15

type servicesModel struct {
	items        []topology.Node
	cursor       int
	offset       int
	sortByStatus bool
}

func newServices(nodes []topology.Node) servicesModel {
	return servicesModel{items: nodes}
}

func (s *servicesModel) update(nodes []topology.Node) {
	s.items = nodes
	s.applySort()
	if s.cursor >= len(s.items) {
		s.cursor = max(0, len(s.items)-1)
	}
	s.clampOffset()
}

// applySort orders worst health first when status sorting is on; snapshots
// arrive sorted by ID otherwise.
func (s *servicesModel) applySort() {
	if !s.sortByStatus {
		sort.SliceStable(s.items, func(i, j int) bool {
			return s.items[i].ID < s.items[j].ID
		})
		return
	}
	rank := map[topology.Status]int{
		topology.StatusCritical: 0,
		topology.StatusWarning:  1,
		topology.StatusUnknown:  2,
		topology.StatusHealthy:  3,
	}
	sort.SliceStable(s.items, func(i, j int) bool {
		ri, rj := rank[s.items[i].Status], rank[s.items[j].Status]
		if ri != rj {
			return ri < rj
		}
		return s.items[i].ID < s.items[j].ID
	})
}

func (s *servicesModel) clampOffset() {
	if s.cursor < s.offset {
		s.offset = s.cursor
	}
	if s.cursor >= s.offset+maxServiceRows {
		s.offset = s.cursor - maxServiceRows + 1
	}
	if s.offset < 0 {
		s.offset = 0
	}
}

func (s servicesModel) Update(msg tea.Msg) (servicesModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "j", "down":
			if s.cursor < len(s.items)-1 {
				s.cursor++
			}
		case "k", "up":
			if s.cursor > 0 {
				s.cursor--
			}
		case "G":
			s.cursor = max(0, len(s.items)-1)
		case "g":
			s.cursor = 0
		case "s":
			s.sortByStatus = !s.sortByStatus
			s.applySort()
		}
		s.clampOffset()
	}
	return s, nil
}

func (s servicesModel) View() string {
	if len(s.items) == 0 {
		return tui.Dimmed.Render("  No services discovered")
	}

	headerStyle := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	header := fmt.Sprintf("  %-22s %-12s %-10s %-9s %10s %8s %9s  %s",
		headerStyle.Render("SERVICE"),
		headerStyle.Render("NAMESPACE"),
		headerStyle.Render("TYPE"),
		headerStyle.Render("STATUS"),
		headerStyle.Render("REQ/S"),
		headerStyle.Render("ERR%"),
		headerStyle.Render("P95(MS)"),
		headerStyle.Render("MTLS"),
	)

	end := min(s.offset+maxServiceRows, len(s.items))
	rows := header + "\n"
	for i := s.offset; i < end; i++ {
		node := s.items[i]
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == s.cursor {
			cursor = tui.Selected.Render("> ")
			style = style.Bold(true)
		}

		name := node.Name
		if name == "" {
			name = node.ID
		}
		if len(name) > 20 {
			name = name[:20]
		}
		ns := node.Namespace
		if len(ns) > 10 {
			ns = ns[:10]
		}

		mtls := tui.Dimmed.Render("off")
		if node.Metrics.MTLS {
			mtls = tui.Success.Render("on")
		}

		row := fmt.Sprintf("%-22s %-12s %-10s %-9s %10.1f %7.2f%% %9.0f  %s",
			style.Render(name),
			style.Render(ns),
			style.Render(string(node.Kind)),
			tui.HealthStyle(string(node.Status)).Render(string(node.Status)),
			node.Metrics.RequestRate,
			node.Metrics.ErrorRate*100,
			node.Metrics.P95LatencyMS,
			mtls,
		)
		rows += cursor + row + "\n"
	}

	if len(s.items) > maxServiceRows {
		rows += tui.Dimmed.Render(fmt.Sprintf("  %d-%d of %d", s.offset+1, end, len(s.items))) + "\n"
	}
	return rows
}
