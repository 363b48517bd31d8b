package roaming

import (
	"context"
	"sync"
)

// Activity names what currently holds the gate.
type Activity string

const (
	ActivityIdle      Activity = ""
	ActivityDiscovery Activity = "discovery"
	ActivityHandover  Activity = "handover"
)

// Gate serializes discovery and handover analysis. Both claim every idle
// access point, so at most one of them may run at a time.
type Gate struct {
	sem chan struct{}

	mu      sync.Mutex
	current Activity
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{sem: make(chan struct{}, 1)}
}

// Enter blocks until the gate is free or ctx is done. The returned function
// releases the gate and must be called exactly once.
func (g *Gate) Enter(ctx context.Context, a Activity) (func(), error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g.mu.Lock()
	g.current = a
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.current = ActivityIdle
			g.mu.Unlock()
			<-g.sem
		})
	}, nil
}

// Current returns the activity holding the gate.
func (g *Gate) Current() Activity {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}
