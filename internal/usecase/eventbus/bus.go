package eventbus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"roamer/internal/domain"
)

// Envelope is one radio event tagged with the access point that produced it.
type Envelope struct {
	AccessPoint domain.AccessPointID
	Event       domain.RadioEvent
	Received    time.Time
}

// Config sizes the bus.
type Config struct {
	Capacity     int
	PublishGrace time.Duration
}

// Bus is an ordered multi-producer, single-consumer queue of radio events.
// Producers never block longer than the publish grace period; events that
// cannot be queued in time are dropped and counted.
type Bus struct {
	queue   chan Envelope
	done    chan struct{}
	grace   time.Duration
	logger  *slog.Logger
	closed  atomic.Bool
	dropped atomic.Uint64
	total   atomic.Uint64
}

// New creates an event bus.
func New(cfg Config, logger *slog.Logger) *Bus {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	return &Bus{
		queue:  make(chan Envelope, cfg.Capacity),
		done:   make(chan struct{}),
		grace:  cfg.PublishGrace,
		logger: logger,
	}
}

// Publish enqueues ev from access point ap. It reports whether the event was
// queued.
func (b *Bus) Publish(ap domain.AccessPointID, ev domain.RadioEvent) bool {
	if b.closed.Load() {
		return false
	}
	env := Envelope{AccessPoint: ap, Event: ev, Received: time.Now()}

	select {
	case b.queue <- env:
		b.total.Add(1)
		return true
	default:
	}

	if b.grace > 0 {
		timer := time.NewTimer(b.grace)
		defer timer.Stop()
		select {
		case b.queue <- env:
			b.total.Add(1)
			return true
		case <-b.done:
			return false
		case <-timer.C:
		}
	}

	n := b.dropped.Add(1)
	b.logger.Warn("event bus full, dropping event",
		"ap", ap,
		"event", domain.EventName(ev),
		"dropped_total", n,
	)
	return false
}

// Next waits up to wait for the next envelope. It returns false on timeout,
// context cancellation, or once the bus is closed and drained.
func (b *Bus) Next(ctx context.Context, wait time.Duration) (Envelope, bool) {
	select {
	case env := <-b.queue:
		return env, true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case env := <-b.queue:
		return env, true
	case <-ctx.Done():
		return Envelope{}, false
	case <-b.done:
		select {
		case env := <-b.queue:
			return env, true
		default:
			return Envelope{}, false
		}
	case <-timer.C:
		return Envelope{}, false
	}
}

// Len returns the number of queued envelopes.
func (b *Bus) Len() int { return len(b.queue) }

// Dropped returns how many events were dropped because the queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Published returns how many events were queued.
func (b *Bus) Published() uint64 { return b.total.Load() }

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool { return b.closed.Load() }

// Close rejects new publishes and wakes a waiting consumer. Events already
// queued can still be drained with Next.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	close(b.done)
}
