// Package topology presents the peer to access point assignment: a text
// table for logs and a live terminal dashboard.
package topology

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"roamer/internal/domain"
)

// Render draws t as a table with one row per access point.
func Render(t domain.Topology) string {
	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers("AP", "STATE", "LOAD", "PEERS").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	for _, ap := range t.AccessPoints {
		tbl.Row(apLabel(ap), apState(ap), fmt.Sprintf("%d/%d", ap.Active, ap.Capacity), peerList(ap.Peers))
	}

	var sb strings.Builder
	sb.WriteString(styleTitle.Render("topology"))
	sb.WriteString(styleMuted.Render(fmt.Sprintf("  %s  %d peers", t.At.Format("15:04:05"), t.PeerCount())))
	if t.Activity != "" {
		sb.WriteString("  ")
		sb.WriteString(styleWarn.Render(t.Activity))
	}
	if !t.NextDiscovery.IsZero() {
		sb.WriteString(styleMuted.Render("  next discovery " + t.NextDiscovery.Format("15:04:05")))
	}
	sb.WriteString("\n")
	sb.WriteString(tbl.Render())
	return sb.String()
}

func apLabel(ap domain.AccessPointView) string {
	if ap.Name == "" {
		return fmt.Sprintf("#%d", ap.ID)
	}
	return fmt.Sprintf("#%d %s", ap.ID, ap.Name)
}

func apState(ap domain.AccessPointView) string {
	var parts []string
	if ap.Ready {
		parts = append(parts, styleOK.Render(symbols.Ready))
	} else {
		parts = append(parts, styleBad.Render(symbols.Down))
	}
	if ap.Scanning {
		parts = append(parts, "scan")
	}
	if ap.Analysis {
		parts = append(parts, symbols.Analysis)
	}
	if ap.Degraded {
		parts = append(parts, styleBad.Render("breaker"))
	}
	return strings.Join(parts, " ")
}

func peerList(peers []domain.PeerView) string {
	if len(peers) == 0 {
		return styleMuted.Render("none")
	}
	lines := make([]string, 0, len(peers))
	for _, p := range peers {
		lines = append(lines, peerLine(p))
	}
	return strings.Join(lines, "\n")
}

func peerLine(p domain.PeerView) string {
	line := fmt.Sprintf("%s %4d dBm", p.Peer.Key(), p.RSSI)
	switch {
	case p.Closing:
		line += " " + styleWarn.Render(symbols.Closing)
	case p.Subscribed:
		line += " " + styleOK.Render(symbols.Subscribed)
	}
	return line
}
