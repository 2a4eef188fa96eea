package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/usbshare/usbshare/internal/registry"
)

// SnapshotFunc returns the current device table for a ServerModel tick.
// The server TUI never calls into the registry directly; it is wired
// in by whatever owns the Registry (§6, run mode "server").
type SnapshotFunc func() []registry.DeviceSnapshot

// ServerModel renders the device table named in MODULE EXPANSION item
// 4: id, vid:pid, sharing mode, and the number of attached sessions.
type ServerModel struct {
	snapshot SnapshotFunc
	table    table.Model
	err      error
}

// NewServerModel builds a ServerModel that polls snapshot once a
// second.
func NewServerModel(snapshot SnapshotFunc) ServerModel {
	columns := []table.Column{
		{Title: "ID", Width: 6},
		{Title: "VID:PID", Width: 11},
		{Title: "Mode", Width: 10},
		{Title: "Sessions", Width: 30},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(false), table.WithHeight(12))
	return ServerModel{snapshot: snapshot, table: t}
}

type tickMsg struct{}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m ServerModel) Init() tea.Cmd {
	return tick()
}

func (m ServerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.table.SetRows(deviceRows(m.snapshot()))
		return m, tick()
	}
	return m, nil
}

func (m ServerModel) View() string {
	header := headerStyle.Render("usbshare server — attached devices")
	footer := dimStyle.Render("q to quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, m.table.View(), footer)
}

func deviceRows(snap []registry.DeviceSnapshot) []table.Row {
	rows := make([]table.Row, 0, len(snap))
	for _, d := range snap {
		sessions := "-"
		if len(d.AttachedBy) > 0 {
			sessions = fmt.Sprintf("%d session(s)", len(d.AttachedBy))
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", d.Info.Id),
			fmt.Sprintf("%04x:%04x", d.Info.VendorId, d.Info.ProductId),
			sharingModeLabel(d.Mode),
			sessions,
		})
	}
	return rows
}

func sharingModeLabel(mode registry.SharingMode) string {
	switch mode {
	case registry.Shared:
		return "shared"
	default:
		return "exclusive"
	}
}
