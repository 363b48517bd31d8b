package topology

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"roamer/internal/domain"
)

// Ensure *Dashboard satisfies tea.Model.
var _ tea.Model = (*Dashboard)(nil)

// TopologyMsg carries a new topology into the dashboard.
type TopologyMsg struct {
	Topology domain.Topology
}

// Controller is the part of the coordinator the dashboard drives.
type Controller interface {
	RequestDiscovery()
	RoamThreshold() int
	SetRoamThreshold(dbm int)
}

// thresholdStep is the change applied by one +/- key press.
const thresholdStep = 5

// Dashboard is a Bubble Tea model showing the live topology.
type Dashboard struct {
	ctrl     Controller
	topology domain.Topology
	updates  int
	notice   string

	width  int
	height int
}

// NewDashboard creates the dashboard. ctrl may be nil for a read-only view.
func NewDashboard(ctrl Controller) *Dashboard {
	return &Dashboard{ctrl: ctrl}
}

// SetController attaches the coordinator. Must be called before the
// program runs.
func (m *Dashboard) SetController(ctrl Controller) {
	m.ctrl = ctrl
}

// Init implements tea.Model.
func (m *Dashboard) Init() tea.Cmd { return nil }

// Update handles key presses and topology updates.
func (m *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case TopologyMsg:
		m.topology = msg.Topology
		m.updates++
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Dashboard) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m, tea.Quit
	}
	if msg.Type != tea.KeyRunes {
		return m, nil
	}
	switch string(msg.Runes) {
	case "q":
		return m, tea.Quit
	case "d":
		if m.ctrl != nil {
			m.ctrl.RequestDiscovery()
			m.notice = "discovery requested"
		}
	case "+", "=":
		m.adjustThreshold(thresholdStep)
	case "-":
		m.adjustThreshold(-thresholdStep)
	}
	return m, nil
}

func (m *Dashboard) adjustThreshold(delta int) {
	if m.ctrl == nil {
		return
	}
	v := clamp(m.ctrl.RoamThreshold()+delta, -127, 20)
	m.ctrl.SetRoamThreshold(v)
	m.notice = fmt.Sprintf("roam threshold %d dBm", v)
}

// View renders the dashboard.
func (m *Dashboard) View() string {
	var body string
	if m.updates == 0 {
		body = styleMuted.Render("  waiting for access points...")
	} else {
		body = styleCard.Render(Render(m.topology))
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, m.statusBar())
}

func (m *Dashboard) statusBar() string {
	hints := []string{
		styleHintKey.Render("d") + ": discover",
		styleHintKey.Render("+/-") + ": threshold",
		styleHintKey.Render("q") + ": quit",
	}
	left := strings.Join(hints, "  "+styleMuted.Render("|")+"  ")

	var right []string
	if m.ctrl != nil {
		right = append(right, fmt.Sprintf("threshold %d dBm", m.ctrl.RoamThreshold()))
	}
	if m.notice != "" {
		right = append(right, m.notice)
	}
	r := strings.Join(right, " "+symbols.Bullet+" ")

	// Width includes the style's padding.
	gap := m.width - styleStatus.GetHorizontalPadding() - lipgloss.Width(left) - lipgloss.Width(r)
	if gap < 1 {
		gap = 1
	}
	bar := left + strings.Repeat(" ", gap) + r
	if m.width > 0 {
		return styleStatus.Width(m.width).Render(bar)
	}
	return styleStatus.Render(bar)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
