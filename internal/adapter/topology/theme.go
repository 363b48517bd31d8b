package topology

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Adaptive palette; NO_COLOR is honoured by lipgloss profile detection.
var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	colorBorder  = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
	colorFgDim   = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#757575"}
	colorBgAlt   = lipgloss.AdaptiveColor{Light: "#f5f5f5", Dark: "#2d2d2d"}
)

var (
	styleTitle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	styleCard  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)
	styleHeader  = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleOK      = lipgloss.NewStyle().Foreground(colorSuccess)
	styleBad     = lipgloss.NewStyle().Foreground(colorError)
	styleWarn    = lipgloss.NewStyle().Foreground(colorWarning)
	styleStatus  = lipgloss.NewStyle().Foreground(colorFgDim).Background(colorBgAlt).Padding(0, 1)
	styleHintKey = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
)

// symbols used in the rendered table.
type symbolSet struct {
	Ready      string
	Down       string
	Subscribed string
	Closing    string
	Analysis   string
	Bullet     string
}

var unicodeSymbols = symbolSet{
	Ready:      "\u2713", // ✓
	Down:       "\u2717", // ✗
	Subscribed: "\u25CF", // ●
	Closing:    "\u2192", // →
	Analysis:   "\u25CE", // ◎
	Bullet:     "\u2022", // •
}

var asciiSymbols = symbolSet{
	Ready:      "ok",
	Down:       "down",
	Subscribed: "*",
	Closing:    "->",
	Analysis:   "(a)",
	Bullet:     "-",
}

var symbols = detectSymbols()

// detectSymbols picks the symbol set. ROAMER_ASCII_SYMBOLS forces ASCII;
// otherwise a UTF-8 locale or no locale at all selects Unicode.
func detectSymbols() symbolSet {
	if v := os.Getenv("ROAMER_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return asciiSymbols
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if val == "" {
			continue
		}
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return unicodeSymbols
		}
		return asciiSymbols
	}
	return unicodeSymbols
}
