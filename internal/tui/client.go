package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/usbshare/usbshare/internal/health"
	"github.com/usbshare/usbshare/internal/metrics"
	"github.com/usbshare/usbshare/internal/wire"
)

// AttachedDevice pairs a device with the metrics counters its session
// keeps for it, for the client's per-device row.
type AttachedDevice struct {
	Info    wire.DeviceInfo
	Metrics metrics.Snapshot
}

// ClientSnapshotFunc returns the connection health and the currently
// attached devices for a ClientModel tick. Wired in by whatever owns
// the ClientSession (§6, run mode "client").
type ClientSnapshotFunc func() (health.Snapshot, []AttachedDevice)

// ClientModel renders one server connection's health and the devices
// attached through it.
type ClientModel struct {
	serverName string
	snapshot   ClientSnapshotFunc
	table      table.Model
	health     health.Snapshot
}

// NewClientModel builds a ClientModel for the named server.
func NewClientModel(serverName string, snapshot ClientSnapshotFunc) ClientModel {
	columns := []table.Column{
		{Title: "ID", Width: 6},
		{Title: "VID:PID", Width: 11},
		{Title: "Bytes In", Width: 10},
		{Title: "Bytes Out", Width: 10},
		{Title: "Errors", Width: 8},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(false), table.WithHeight(10))
	return ClientModel{serverName: serverName, snapshot: snapshot, table: t}
}

func (m ClientModel) Init() tea.Cmd {
	return tick()
}

func (m ClientModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		h, devices := m.snapshot()
		m.health = h
		m.table.SetRows(attachedRows(devices))
		return m, tick()
	}
	return m, nil
}

func (m ClientModel) View() string {
	header := headerStyle.Render(fmt.Sprintf("usbshare client — %s", m.serverName))
	status := fmt.Sprintf("%s  rtt=%s  quality=%s",
		stateStyle(m.health.State).Render(m.health.State.String()),
		formatRTT(m.health.CurrentRTT, m.health.HaveSample),
		m.health.Quality)
	footer := dimStyle.Render("q to quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, status, m.table.View(), footer)
}

func stateStyle(s health.State) lipgloss.Style {
	switch s {
	case health.Connected:
		return goodStyle
	case health.Degraded:
		return warnStyle
	case health.Disconnected:
		return badStyle
	default:
		return dimStyle
	}
}

func attachedRows(devices []AttachedDevice) []table.Row {
	rows := make([]table.Row, 0, len(devices))
	for _, d := range devices {
		errCount := int64(0)
		for _, n := range d.Metrics.TransfersByErrKind {
			errCount += n
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", d.Info.Id),
			fmt.Sprintf("%04x:%04x", d.Info.VendorId, d.Info.ProductId),
			formatBytes(d.Metrics.BytesIn),
			formatBytes(d.Metrics.BytesOut),
			fmt.Sprintf("%d", errCount),
		})
	}
	return rows
}
