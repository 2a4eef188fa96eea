// Package tui implements the peripheral status views (MODULE EXPANSION
// item 4): a bubbletea program showing the server's device table, and
// one showing the client's server health/attached-device view. Both
// are read-only consumers of snapshot types already exposed elsewhere
// (wire.DeviceInfo, health.Snapshot, metrics.Snapshot) — the TUI never
// calls into the USB worker, transport, or registry mutation methods
// directly, matching the spec's framing of the TUI as an external
// collaborator fed by the core's read-only interfaces.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	tickInterval = time.Second
)

// formatRTT renders a round-trip time for display, or a dash before
// the first sample arrives.
func formatRTT(d time.Duration, haveSample bool) string {
	if !haveSample {
		return "--"
	}
	return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
}

// formatBytes renders a byte count with a fixed-point unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
