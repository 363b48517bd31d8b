package topology

import (
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"roamer/internal/domain"
)

// WriterObserver writes every rendered topology to w.
type WriterObserver struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterObserver creates an observer that renders to w.
func NewWriterObserver(w io.Writer) *WriterObserver {
	return &WriterObserver{w: w}
}

// TopologyChanged implements domain.TopologyObserver.
func (o *WriterObserver) TopologyChanged(t domain.Topology) {
	out := Render(t) + "\n"
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = io.WriteString(o.w, out)
}

// Sender delivers a message to a running Bubble Tea program.
type Sender interface {
	Send(msg tea.Msg)
}

// ProgramObserver forwards topologies to a dashboard program.
type ProgramObserver struct {
	program Sender
}

// NewProgramObserver creates an observer feeding p.
func NewProgramObserver(p Sender) *ProgramObserver {
	return &ProgramObserver{program: p}
}

// TopologyChanged implements domain.TopologyObserver.
func (o *ProgramObserver) TopologyChanged(t domain.Topology) {
	o.program.Send(TopologyMsg{Topology: t})
}
